package track

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/endurotracker/backend/internal/timeutil"
)

const (
	gpxNamespace      = "http://www.topografix.com/GPX/1/1"
	xsiNamespace      = "http://www.w3.org/2001/XMLSchema-instance"
	gpxSchemaLocation = gpxNamespace + " http://www.topografix.com/GPX/1/1/gpx.xsd"
)

var (
	// ErrNoFixes indicates a track build was requested for an empty fix set.
	ErrNoFixes = errors.New("track: no fixes to build a track from")
	// ErrNoTrackPoints indicates an uploaded GPX document contained no track points.
	ErrNoTrackPoints = errors.New("track: no track points found in GPX")
)

type gpxDocument struct {
	XMLName        xml.Name     `xml:"gpx"`
	Namespace      string       `xml:"xmlns,attr,omitempty"`
	XSINamespace   string       `xml:"xmlns:xsi,attr,omitempty"`
	SchemaLocation string       `xml:"xsi:schemaLocation,attr,omitempty"`
	Version        string       `xml:"version,attr"`
	Creator        string       `xml:"creator,attr"`
	Metadata       *gpxMetadata `xml:"metadata,omitempty"`
	Tracks         []gpxTrack   `xml:"trk"`
}

type gpxMetadata struct {
	Time string `xml:"time,omitempty"`
}

type gpxTrack struct {
	Name     string       `xml:"name,omitempty"`
	Segments []gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxTrackPoint `xml:"trkpt"`
}

type gpxTrackPoint struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Ele  string `xml:"ele,omitempty"`
	Time string `xml:"time,omitempty"`
}

// BuildGPX serializes fixes into a GPX 1.1 document with a single track and
// track segment. Coordinates carry six decimals, elevation one, and times are
// ISO-8601 UTC with whole-second precision.
func BuildGPX(fixes []Fix, creator string) (string, error) {
	if len(fixes) == 0 {
		return "", ErrNoFixes
	}

	points := make([]gpxTrackPoint, 0, len(fixes))
	for _, fix := range fixes {
		point := gpxTrackPoint{
			Lat:  fmt.Sprintf("%.6f", fix.Lat),
			Lon:  fmt.Sprintf("%.6f", fix.Lon),
			Time: timeutil.ISO8601UTC(fix.Epoch),
		}
		if fix.Ele != nil {
			point.Ele = fmt.Sprintf("%.1f", *fix.Ele)
		}
		points = append(points, point)
	}

	document := gpxDocument{
		Namespace:      gpxNamespace,
		XSINamespace:   xsiNamespace,
		SchemaLocation: gpxSchemaLocation,
		Version:        "1.1",
		Creator:        creator,
		Metadata:       &gpxMetadata{Time: timeutil.ISO8601UTC(fixes[0].Epoch)},
		Tracks: []gpxTrack{{
			Name:     fmt.Sprintf("Track %s", creator),
			Segments: []gpxSegment{{Points: points}},
		}},
	}

	encoded, err := xml.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("track: gpx marshal failed: %w", err)
	}
	return xml.Header + string(encoded), nil
}

// parsedGPX is the lenient read-side shape for arbitrary uploaded GPX files;
// numeric attributes parse directly and unknown elements are ignored.
type parsedGPX struct {
	XMLName xml.Name `xml:"gpx"`
	Tracks  []struct {
		Segments []struct {
			Points []struct {
				Lat float64 `xml:"lat,attr"`
				Lon float64 `xml:"lon,attr"`
			} `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

// GPXToGeoJSON parses uploaded GPX text with any number of tracks and segments
// and flattens every track point, in document order, into a single compact
// GeoJSON LineString.
func GPXToGeoJSON(gpxText string) (string, error) {
	var document parsedGPX
	if err := xml.Unmarshal([]byte(gpxText), &document); err != nil {
		return "", fmt.Errorf("track: gpx parse failed: %w", err)
	}

	coordinates := make([][2]float64, 0)
	for _, trk := range document.Tracks {
		for _, segment := range trk.Segments {
			for _, point := range segment.Points {
				coordinates = append(coordinates, [2]float64{point.Lon, point.Lat})
			}
		}
	}
	if len(coordinates) == 0 {
		return "", ErrNoTrackPoints
	}

	return marshalLineString(coordinates, map[string]interface{}{"src": "gpx"})
}
