package models

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Sentinel errors shared across packages. Use errors.Is() to check these.
var (
	ErrUnknownScope     = errors.New("unknown scope")
	ErrInvalidMode      = errors.New("invalid lessons mode")
	ErrConfigNotFound   = errors.New("configuration not found")
	ErrNonNumericValue  = errors.New("value is not numeric")
	ErrInvalidConfigKey = errors.New("invalid configuration key")
)

// Configuration is a flat parameter set identified by name.
type Configuration struct {
	Name     string         `json:"name" yaml:"name"`
	Metadata ConfigMetadata `json:"metadata" yaml:"metadata"`
	Params   map[string]any `json:"params" yaml:"params"`
}

// ConfigMetadata records where a configuration came from.
type ConfigMetadata struct {
	DerivedFrom      *string   `json:"derived_from" yaml:"derived_from"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
	AppliedLessons   []string  `json:"applied_lessons" yaml:"applied_lessons"`
	SuggestedLessons []string  `json:"suggested_lessons,omitempty" yaml:"suggested_lessons,omitempty"`
	Fingerprint      string    `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// IsRoot reports whether the configuration has no parent.
func (c *Configuration) IsRoot() bool {
	return c.Metadata.DerivedFrom == nil || *c.Metadata.DerivedFrom == ""
}

// Parent returns the derived_from name, or "" for a root.
func (c *Configuration) Parent() string {
	if c.IsRoot() {
		return ""
	}
	return *c.Metadata.DerivedFrom
}

// Clone returns a deep copy. Param values are scalars, so copying the map is enough.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{
		Name: c.Name,
		Metadata: ConfigMetadata{
			CreatedAt:        c.Metadata.CreatedAt,
			AppliedLessons:   append([]string{}, c.Metadata.AppliedLessons...),
			SuggestedLessons: append([]string(nil), c.Metadata.SuggestedLessons...),
			Fingerprint:      c.Metadata.Fingerprint,
		},
		Params: make(map[string]any, len(c.Params)),
	}
	if c.Metadata.DerivedFrom != nil {
		parent := *c.Metadata.DerivedFrom
		out.Metadata.DerivedFrom = &parent
	}
	for k, v := range c.Params {
		out.Params[k] = v
	}
	return out
}

// StringPtr is a small helper for optional names.
func StringPtr(s string) *string {
	return &s
}

// ToFloat converts a numeric scalar decoded from YAML or JSON into a float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// IsInteger reports whether v is an integer-typed scalar.
func IsInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.(json.Number).Int64()
		return err == nil
	}
	return false
}

// AddNumeric adds delta to base. An integer base stays an integer when the
// delta is integral (deltas read back from JSON arrive as float64); anything
// else is returned as float64.
func AddNumeric(base, delta any) (any, error) {
	b, ok := ToFloat(base)
	if !ok {
		return nil, ErrNonNumericValue
	}
	d, ok := ToFloat(delta)
	if !ok {
		return nil, ErrNonNumericValue
	}
	sum := b + d
	if IsInteger(base) && d == math.Trunc(d) {
		return int(sum), nil
	}
	// Trim binary noise such as 0.30000000000000004.
	return math.Round(sum*1e9) / 1e9, nil
}
