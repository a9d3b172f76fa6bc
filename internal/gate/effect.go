package gate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Unit tells whether an effect is an absolute delta or a percentage of the
// current value.
type Unit string

const (
	UnitAbsolute Unit = "absolute"
	UnitRelative Unit = "relative"
)

// ErrUnparseableEffect is returned for predicted-effect strings that do not
// match any supported form.
var ErrUnparseableEffect = errors.New("unparseable predicted effect")

// Effect is a parsed predicted-effect range.
type Effect struct {
	Raw      string  `json:"raw"`
	MinDelta float64 `json:"min_delta"`
	MaxDelta float64 `json:"max_delta"`
	Unit     Unit    `json:"unit"`
}

// ParseEffect parses strings such as "+0.03~+0.06", "-0.02", "0.5",
// "+10~15%" and "+10%~+15%". A percent sign anywhere makes the whole range
// relative. Reversed bounds are normalized.
func ParseEffect(raw string) (Effect, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Effect{}, fmt.Errorf("%w: empty", ErrUnparseableEffect)
	}

	unit := UnitAbsolute
	if strings.Contains(s, "%") {
		unit = UnitRelative
		if !strings.HasSuffix(s, "%") {
			return Effect{}, fmt.Errorf("%w: %q", ErrUnparseableEffect, raw)
		}
		s = strings.ReplaceAll(s, "%", "")
	}

	parts := strings.Split(s, "~")
	if len(parts) > 2 {
		return Effect{}, fmt.Errorf("%w: %q", ErrUnparseableEffect, raw)
	}

	bounds := make([]float64, 0, 2)
	for _, p := range parts {
		v, err := parseSigned(p)
		if err != nil {
			return Effect{}, fmt.Errorf("%w: %q", ErrUnparseableEffect, raw)
		}
		bounds = append(bounds, v)
	}

	e := Effect{Raw: raw, Unit: unit, MinDelta: bounds[0], MaxDelta: bounds[0]}
	if len(bounds) == 2 {
		e.MaxDelta = bounds[1]
	}
	if e.MinDelta > e.MaxDelta {
		e.MinDelta, e.MaxDelta = e.MaxDelta, e.MinDelta
	}
	return e, nil
}

func parseSigned(p string) (float64, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return 0, fmt.Errorf("empty bound")
	}
	// ParseFloat would accept "Inf" and "NaN"; effect bounds must be plain decimals.
	for _, r := range p {
		if !strings.ContainsRune("+-.0123456789", r) {
			return 0, fmt.Errorf("invalid character %q", r)
		}
	}
	return strconv.ParseFloat(p, 64)
}

// String renders the effect in its canonical form.
func (e Effect) String() string {
	suffix := ""
	if e.Unit == UnitRelative {
		suffix = "%"
	}
	if e.MinDelta == e.MaxDelta {
		return formatSigned(e.MinDelta) + suffix
	}
	return formatSigned(e.MinDelta) + "~" + formatSigned(e.MaxDelta) + suffix
}

func formatSigned(v float64) string {
	if v == 0 {
		return "+0.00"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v > 0 {
		s = "+" + s
	}
	if !strings.Contains(s, ".") {
		return s
	}
	if len(s)-strings.Index(s, ".") < 3 {
		s += "0"
	}
	return s
}
