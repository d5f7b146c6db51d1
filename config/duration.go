// Package config holds types shared by the JSON configuration files of
// the chocolate binaries.
package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration wraps time.Duration so that config files can spell
// durations as strings like "100s".
type Duration struct {
	time.Duration `validate:"required"`
}

// ErrDurationMustBeString is returned when a non-string JSON value is
// presented for a Duration.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a config.Duration")

// UnmarshalJSON parses a string into a Duration using
// time.ParseDuration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the duration in the same string form it is
// parsed from.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}
