// Package units converts between controller-native (metric, integer-scaled)
// units and user-facing units, driven by a single process-wide temperature
// preference. Conversions are exact; rounding is left to the codec.
package units

import "fmt"

// Family enumerates the wire unit families a field may declare.
type Family string

const (
	FamilyNone              Family = ""
	FamilyTemperature       Family = "temperature"
	FamilyInverseTemp       Family = "inverse_temperature"
	FamilyDeltaTemp         Family = "delta_temperature"
	FamilyDeltaTempPerSec   Family = "delta_temperature_per_second"
	FamilyDeltaTempPerTime  Family = "delta_temperature_per_time"
	FamilyDeltaTempMultSec  Family = "delta_temperature_multiply_second"
	FamilyTimeSeconds       Family = "time_seconds"
	FamilyTimeMilliseconds  Family = "time_milliseconds"
	FamilyTimeMinutes       Family = "time_minutes"
	FamilyPressure          Family = "pressure"
	FamilyVoltage           Family = "voltage"
	FamilyResistance        Family = "resistance"
)

// Preference is the process-wide user temperature unit.
type Preference int

const (
	Celsius Preference = iota
	Fahrenheit
)

// Converter holds the process-wide user unit preference. It is safe for
// concurrent use: Temperature is read far more often than written, and
// reads never race a concurrent SetTemperature under the Go memory model
// for aligned word-sized stores — callers that need stronger guarantees
// should serialize writes through the settings store's single-writer task.
type Converter struct {
	temperature Preference
}

// NewConverter returns a Converter defaulting to Celsius.
func NewConverter() *Converter {
	return &Converter{temperature: Celsius}
}

// SetTemperature updates the global user temperature preference.
func (c *Converter) SetTemperature(p Preference) {
	c.temperature = p
}

// Temperature returns the current user temperature preference.
func (c *Converter) Temperature() Preference {
	return c.temperature
}

// UserUnit returns the symbolic user-facing unit name for a wire family,
// e.g. "degC"/"degF" for FamilyTemperature depending on preference.
func (c *Converter) UserUnit(f Family) string {
	switch f {
	case FamilyTemperature:
		if c.temperature == Fahrenheit {
			return "degF"
		}
		return "degC"
	case FamilyDeltaTemp:
		if c.temperature == Fahrenheit {
			return "delta_degF"
		}
		return "delta_degC"
	case FamilyInverseTemp:
		if c.temperature == Fahrenheit {
			return "1/degF"
		}
		return "1/degC"
	case FamilyDeltaTempPerSec:
		if c.temperature == Fahrenheit {
			return "delta_degF/second"
		}
		return "delta_degC/second"
	case FamilyDeltaTempPerTime:
		if c.temperature == Fahrenheit {
			return "delta_degF/time"
		}
		return "delta_degC/time"
	case FamilyDeltaTempMultSec:
		if c.temperature == Fahrenheit {
			return "delta_degF*second"
		}
		return "delta_degC*second"
	case FamilyTimeSeconds:
		return "second"
	case FamilyTimeMilliseconds:
		return "millisecond"
	case FamilyTimeMinutes:
		return "minute"
	case FamilyPressure:
		return "bar"
	case FamilyVoltage:
		return "volt"
	case FamilyResistance:
		return "ohm"
	default:
		return ""
	}
}

// ErrUnknownUnit is returned when a user-supplied unit string is not a
// member of the field's declared wire family.
type ErrUnknownUnit struct {
	Family Family
	Unit   string
}

func (e *ErrUnknownUnit) Error() string {
	return fmt.Sprintf("unknown unit %q for family %q", e.Unit, e.Family)
}

// ToWire converts a user value+unit pair to the wire-native (metric) value
// for the field's declared family. No rounding or scaling is applied here.
func (c *Converter) ToWire(f Family, value float64, userUnit string) (float64, error) {
	switch f {
	case FamilyTemperature:
		switch userUnit {
		case "degC", "":
			return value, nil
		case "degF":
			return (value - 32) * 5 / 9, nil
		}
	case FamilyDeltaTemp, FamilyDeltaTempPerSec, FamilyDeltaTempPerTime, FamilyDeltaTempMultSec:
		switch userUnit {
		case "", "delta_degC", "delta_degC/second", "delta_degC/time", "delta_degC*second":
			return value, nil
		case "delta_degF", "delta_degF/second", "delta_degF/time", "delta_degF*second":
			return value * 5 / 9, nil
		}
	case FamilyInverseTemp:
		switch userUnit {
		case "", "1/degC":
			return value, nil
		case "1/degF":
			return value * 9 / 5, nil
		}
	case FamilyTimeSeconds, FamilyTimeMilliseconds, FamilyTimeMinutes, FamilyPressure, FamilyVoltage, FamilyResistance:
		if userUnit == "" || userUnit == c.UserUnit(f) {
			return value, nil
		}
	case FamilyNone:
		return value, nil
	}
	return 0, &ErrUnknownUnit{Family: f, Unit: userUnit}
}

// FromWire converts a wire-native (metric) value to the current user unit
// for the field's declared family, returning the value and the unit string.
func (c *Converter) FromWire(f Family, value float64) (float64, string) {
	unit := c.UserUnit(f)
	switch f {
	case FamilyTemperature:
		if c.temperature == Fahrenheit {
			return value*9/5 + 32, unit
		}
		return value, unit
	case FamilyDeltaTemp, FamilyDeltaTempPerSec, FamilyDeltaTempPerTime, FamilyDeltaTempMultSec:
		if c.temperature == Fahrenheit {
			return value * 9 / 5, unit
		}
		return value, unit
	case FamilyInverseTemp:
		if c.temperature == Fahrenheit {
			return value * 5 / 9, unit
		}
		return value, unit
	default:
		return value, unit
	}
}
