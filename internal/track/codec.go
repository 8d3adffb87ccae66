package track

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Compact fix layout, a fixed contract with device firmware:
//
//	[utc, lat1e6, lon1e6, alt10, sog100, cog10, fx, hdop10, nsat]
//
// Latitude/longitude arrive as degrees scaled by 1e6, altitude as decimeters,
// speed-over-ground as hundredths of a knot, course and HDOP as tenths.
const compactFixFieldCount = 9

const (
	latLonScale = 1e6
	altScale    = 10.0
	sogScale    = 100.0
	cogScale    = 10.0
	hdopScale   = 10.0
)

// DecodeReason classifies why a single fix failed to decode.
type DecodeReason string

const (
	// ReasonWrongFieldCount indicates the compact array did not carry the fixed layout.
	ReasonWrongFieldCount DecodeReason = "wrong_field_count"
	// ReasonMissingTimestamp indicates the UTC slot was absent.
	ReasonMissingTimestamp DecodeReason = "missing_timestamp"
	// ReasonMissingCoordinate indicates latitude or longitude was absent.
	ReasonMissingCoordinate DecodeReason = "missing_coordinate"
	// ReasonZeroCoordinates indicates both coordinates decoded to exactly zero,
	// the firmware's "no fix" sentinel rather than a real position.
	ReasonZeroCoordinates DecodeReason = "zero_coordinates"
)

// DecodeError reports a structured per-fix decode failure.
type DecodeError struct {
	Reason DecodeReason
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("track: fix decode failed: %s", e.Reason)
}

func newDecodeError(reason DecodeReason) error {
	return &DecodeError{Reason: reason}
}

// ParseCompactFix converts one compact numeric fix array into a CanonicalPoint
// for the given device. Nil slots in optional positions stay nil on the point.
// ReceivedAtEpoch is left for the store to stamp.
func ParseCompactFix(deviceID DeviceID, fix []*float64) (CanonicalPoint, error) {
	if len(fix) != compactFixFieldCount {
		return CanonicalPoint{}, newDecodeError(ReasonWrongFieldCount)
	}

	utc, lat1e6, lon1e6 := fix[0], fix[1], fix[2]
	alt10, sog100, cog10 := fix[3], fix[4], fix[5]
	fx, hdop10, nsat := fix[6], fix[7], fix[8]

	if utc == nil {
		return CanonicalPoint{}, newDecodeError(ReasonMissingTimestamp)
	}
	if lat1e6 == nil || lon1e6 == nil {
		return CanonicalPoint{}, newDecodeError(ReasonMissingCoordinate)
	}
	if *lat1e6 == 0 && *lon1e6 == 0 {
		return CanonicalPoint{}, newDecodeError(ReasonZeroCoordinates)
	}

	point := CanonicalPoint{
		DeviceID: deviceID.String(),
		Epoch:    int64(*utc),
		Lat:      *lat1e6 / latLonScale,
		Lon:      *lon1e6 / latLonScale,
		Ele:      descale(alt10, altScale),
		Sog:      descale(sog100, sogScale),
		Cog:      descale(cog10, cogScale),
		Hdop:     descale(hdop10, hdopScale),
	}
	if fx != nil {
		quality := int(*fx)
		point.Quality = &quality
	}
	if nsat != nil {
		satellites := int(*nsat)
		point.Satellites = &satellites
	}
	return point, nil
}

func descale(raw *float64, divisor float64) *float64 {
	if raw == nil {
		return nil
	}
	value := *raw / divisor
	return &value
}

// textFix is the wire shape of one line in a device text log.
type textFix struct {
	UTC        *int64   `json:"utc"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Ele        *float64 `json:"ele"`
	Sog        *float64 `json:"sog"`
	Cog        *float64 `json:"cog"`
	Hdop       *float64 `json:"hdop"`
	Quality    *int     `json:"fx"`
	Satellites *int     `json:"nsat"`
}

// ParseTextFixes decodes a newline-delimited JSON fix log. Each line is
// independent: lines that are not valid JSON, lack a UTC timestamp or a
// coordinate, or carry the (0,0) no-fix sentinel are dropped without failing
// the batch. Surviving fixes keep their input order. Device logs occasionally
// contain NUL bytes from truncated writes; those are stripped before parsing.
func ParseTextFixes(logText string) []Fix {
	lines := strings.Split(logText, "\n")
	fixes := make([]Fix, 0, len(lines))
	for _, line := range lines {
		cleaned := strings.TrimSpace(strings.ReplaceAll(line, "\x00", ""))
		if cleaned == "" {
			continue
		}
		var parsed textFix
		if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
			continue
		}
		if parsed.UTC == nil || parsed.Lat == nil || parsed.Lon == nil {
			continue
		}
		if *parsed.Lat == 0 && *parsed.Lon == 0 {
			continue
		}
		fixes = append(fixes, Fix{
			Epoch:      *parsed.UTC,
			Lat:        *parsed.Lat,
			Lon:        *parsed.Lon,
			Ele:        parsed.Ele,
			Sog:        parsed.Sog,
			Cog:        parsed.Cog,
			Hdop:       parsed.Hdop,
			Quality:    parsed.Quality,
			Satellites: parsed.Satellites,
		})
	}
	return fixes
}
