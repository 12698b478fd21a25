// Package cot provides the Cursor-on-Target event primitives: validated
// position and kinematics types, the CoT type taxonomy, event identity,
// and the ordered extensible detail payload.
//
// All model values are constructed through validating factories and are
// immutable after construction. Invalid input is reported through
// structured errors; nothing here panics.
package cot

import (
	"fmt"
	"math"
)

// ValueError reports a scalar field that failed validation.
type ValueError struct {
	Field  string
	Value  float64
	Reason string // "non-finite", "negative", "out-of-range"
	Min    float64
	Max    float64
}

func (e *ValueError) Error() string {
	switch e.Reason {
	case "out-of-range":
		return fmt.Sprintf("cot: %s must be in [%g, %g], got %g", e.Field, e.Min, e.Max, e.Value)
	case "negative":
		return fmt.Sprintf("cot: %s must be >= 0, got %g", e.Field, e.Value)
	default:
		return fmt.Sprintf("cot: %s must be finite, got %g", e.Field, e.Value)
	}
}

func validateFinite(field string, value float64) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &ValueError{Field: field, Value: value, Reason: "non-finite"}
	}
	if value == 0 {
		// Fold negative zero so equal positions hash equally.
		return 0, nil
	}
	return value, nil
}

func validateNonNegative(field string, value float64) (float64, error) {
	value, err := validateFinite(field, value)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, &ValueError{Field: field, Value: value, Reason: "negative"}
	}
	return value, nil
}

func validateBounded(field string, value, min, max float64) (float64, error) {
	value, err := validateFinite(field, value)
	if err != nil {
		return 0, err
	}
	if value < min || value > max {
		return 0, &ValueError{Field: field, Value: value, Reason: "out-of-range", Min: min, Max: max}
	}
	return value, nil
}

// Position is a WGS84 position with optional altitude and accuracy fields.
// Construct with NewPosition; the zero value is not a valid position.
type Position struct {
	lat, lon     float64
	hae, ce, le  float64
	hasHAE       bool
	hasCE, hasLE bool
}

// NewPosition validates latitude [-90, 90] and longitude [-180, 180].
func NewPosition(latitude, longitude float64) (Position, error) {
	lat, err := validateBounded("latitude", latitude, -90, 90)
	if err != nil {
		return Position{}, err
	}
	lon, err := validateBounded("longitude", longitude, -180, 180)
	if err != nil {
		return Position{}, err
	}
	return Position{lat: lat, lon: lon}, nil
}

// WithHAE returns a copy carrying height above ellipsoid in meters.
func (p Position) WithHAE(haeM float64) (Position, error) {
	v, err := validateFinite("hae", haeM)
	if err != nil {
		return Position{}, err
	}
	p.hae, p.hasHAE = v, true
	return p, nil
}

// WithCE returns a copy carrying circular error in meters.
func (p Position) WithCE(ceM float64) (Position, error) {
	v, err := validateNonNegative("ce", ceM)
	if err != nil {
		return Position{}, err
	}
	p.ce, p.hasCE = v, true
	return p, nil
}

// WithLE returns a copy carrying linear error in meters.
func (p Position) WithLE(leM float64) (Position, error) {
	v, err := validateNonNegative("le", leM)
	if err != nil {
		return Position{}, err
	}
	p.le, p.hasLE = v, true
	return p, nil
}

// Latitude returns the WGS84 latitude in degrees.
func (p Position) Latitude() float64 { return p.lat }

// Longitude returns the WGS84 longitude in degrees.
func (p Position) Longitude() float64 { return p.lon }

// HAE returns the height above ellipsoid, if set.
func (p Position) HAE() (float64, bool) { return p.hae, p.hasHAE }

// CE returns the circular error, if set.
func (p Position) CE() (float64, bool) { return p.ce, p.hasCE }

// LE returns the linear error, if set.
func (p Position) LE() (float64, bool) { return p.le, p.hasLE }

// Kinematics carries optional speed, course, and vertical rate for moving
// entities. Construct with NewKinematics.
type Kinematics struct {
	speed, course, vrate          float64
	hasSpeed, hasCourse, hasVRate bool
}

// NewKinematics validates speed (m/s, >= 0), course (degrees, [0, 360)),
// and vertical rate (m/s, signed). Pass NaN for absent components.
func NewKinematics(speed, course, verticalRate float64) (Kinematics, error) {
	var k Kinematics
	if !math.IsNaN(speed) {
		v, err := validateNonNegative("speed", speed)
		if err != nil {
			return Kinematics{}, err
		}
		k.speed, k.hasSpeed = v, true
	}
	if !math.IsNaN(course) {
		v, err := validateBounded("course", course, 0, math.Nextafter(360, 0))
		if err != nil {
			return Kinematics{}, err
		}
		k.course, k.hasCourse = v, true
	}
	if !math.IsNaN(verticalRate) {
		v, err := validateFinite("vertical_rate", verticalRate)
		if err != nil {
			return Kinematics{}, err
		}
		k.vrate, k.hasVRate = v, true
	}
	return k, nil
}

// Speed returns the ground speed in m/s, if set.
func (k Kinematics) Speed() (float64, bool) { return k.speed, k.hasSpeed }

// Course returns the course in degrees, if set.
func (k Kinematics) Course() (float64, bool) { return k.course, k.hasCourse }

// VerticalRate returns the signed vertical rate in m/s, if set.
func (k Kinematics) VerticalRate() (float64, bool) { return k.vrate, k.hasVRate }

// IsEmpty reports whether no kinematic component is set.
func (k Kinematics) IsEmpty() bool { return !k.hasSpeed && !k.hasCourse && !k.hasVRate }
