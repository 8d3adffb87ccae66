package track

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/endurotracker/backend/internal/timeutil"
)

// BuildGeoJSON serializes fixes into a compact GeoJSON FeatureCollection with
// a single LineString feature. Coordinates are [lon, lat] pairs in input
// order, rounded to six decimals to match the compact-fix scaling precision.
func BuildGeoJSON(fixes []Fix, deviceID DeviceID) (string, error) {
	if len(fixes) == 0 {
		return "", ErrNoFixes
	}

	coordinates := make([][2]float64, 0, len(fixes))
	for _, fix := range fixes {
		coordinates = append(coordinates, [2]float64{round6(fix.Lon), round6(fix.Lat)})
	}

	properties := map[string]interface{}{
		"device_id":  deviceID.String(),
		"start_time": timeutil.ISO8601UTC(fixes[0].Epoch),
	}
	return marshalLineString(coordinates, properties)
}

func marshalLineString(coordinates [][2]float64, properties map[string]interface{}) (string, error) {
	line := make(orb.LineString, 0, len(coordinates))
	for _, pair := range coordinates {
		line = append(line, orb.Point{pair[0], pair[1]})
	}

	feature := geojson.NewFeature(line)
	for key, value := range properties {
		feature.Properties[key] = value
	}

	collection := geojson.NewFeatureCollection()
	collection.Append(feature)

	encoded, err := collection.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("track: geojson marshal failed: %w", err)
	}
	return string(encoded), nil
}

func round6(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
