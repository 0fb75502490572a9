package codec

import (
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind is the physical representation of a decoded column.
type Kind uint8

const (
	KindFloat32 Kind = iota
	KindFloat64
	KindInt
	KindUint
	KindString
	KindBool
	// KindTimestamp holds milliseconds since the Unix epoch in I64.
	KindTimestamp
)

var kindNames = [...]string{"float32", "float64", "int", "uint", "string", "bool", "timestamp"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Numeric reports whether values of k can be read with Float64.
func (k Kind) Numeric() bool {
	return k != KindString && k != KindBool
}

// Column is one typed column of a tile. Only the slice matching Kind is
// populated. Valid is nil when the column has no nulls.
type Column struct {
	Name string
	Kind Kind

	F32  []float32
	F64  []float64
	I64  []int64
	U64  []uint64
	Str  []string
	Bool []bool

	Valid []bool
}

// NewColumn returns an empty column of the given kind.
func NewColumn(name string, kind Kind) *Column {
	return &Column{Name: name, Kind: kind}
}

// Len returns the number of values.
func (c *Column) Len() int {
	switch c.Kind {
	case KindFloat32:
		return len(c.F32)
	case KindFloat64:
		return len(c.F64)
	case KindInt, KindTimestamp:
		return len(c.I64)
	case KindUint:
		return len(c.U64)
	case KindString:
		return len(c.Str)
	case KindBool:
		return len(c.Bool)
	}
	return 0
}

// IsNull reports whether row i is null.
func (c *Column) IsNull(i int) bool {
	return c.Valid != nil && !c.Valid[i]
}

// Float64 returns row i as a number. Strings are parsed; unparsable strings
// and nulls yield NaN.
func (c *Column) Float64(i int) float64 {
	if c.IsNull(i) {
		return math.NaN()
	}
	switch c.Kind {
	case KindFloat32:
		return float64(c.F32[i])
	case KindFloat64:
		return c.F64[i]
	case KindInt, KindTimestamp:
		return float64(c.I64[i])
	case KindUint:
		return float64(c.U64[i])
	case KindBool:
		if c.Bool[i] {
			return 1
		}
		return 0
	case KindString:
		v, err := strconv.ParseFloat(c.Str[i], 64)
		if err != nil {
			return math.NaN()
		}
		return v
	}
	return math.NaN()
}

// String returns the canonical string form of row i. Numbers use the
// shortest representation that round-trips, which is also the form the
// database produces for a ::text cast of the same value.
func (c *Column) String(i int) string {
	if c.IsNull(i) {
		return "null"
	}
	switch c.Kind {
	case KindFloat32:
		return FormatNumber(float64(c.F32[i]))
	case KindFloat64:
		return FormatNumber(c.F64[i])
	case KindInt, KindTimestamp:
		return strconv.FormatInt(c.I64[i], 10)
	case KindUint:
		return strconv.FormatUint(c.U64[i], 10)
	case KindString:
		return c.Str[i]
	case KindBool:
		return strconv.FormatBool(c.Bool[i])
	}
	return ""
}

// Display returns row i formatted for people: timestamps as RFC 3339 UTC,
// everything else as String.
func (c *Column) Display(i int) string {
	if c.Kind == KindTimestamp && !c.IsNull(i) {
		return FormatTimestamp(c.I64[i])
	}
	return c.String(i)
}

// Value returns row i as a Go value suitable for JSON encoding.
func (c *Column) Value(i int) any {
	if c.IsNull(i) {
		return nil
	}
	switch c.Kind {
	case KindFloat32:
		v := float64(c.F32[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case KindFloat64:
		v := c.F64[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case KindInt, KindTimestamp:
		return c.I64[i]
	case KindUint:
		return c.U64[i]
	case KindString:
		return c.Str[i]
	case KindBool:
		return c.Bool[i]
	}
	return nil
}

// Key returns a map key identifying the value at row i, used for category
// lookup. Distinct values of one column map to distinct keys.
func (c *Column) Key(i int) string {
	return c.String(i)
}

// Append copies row i of src onto c. Both columns must have the same kind.
func (c *Column) Append(src *Column, i int) error {
	if src.Kind != c.Kind {
		return errors.Newf("column %q: cannot append %s value to %s column", c.Name, src.Kind, c.Kind)
	}
	n := c.Len()
	switch c.Kind {
	case KindFloat32:
		c.F32 = append(c.F32, src.F32[i])
	case KindFloat64:
		c.F64 = append(c.F64, src.F64[i])
	case KindInt, KindTimestamp:
		c.I64 = append(c.I64, src.I64[i])
	case KindUint:
		c.U64 = append(c.U64, src.U64[i])
	case KindString:
		c.Str = append(c.Str, src.Str[i])
	case KindBool:
		c.Bool = append(c.Bool, src.Bool[i])
	}
	if src.IsNull(i) {
		c.ensureValid(n)
		c.Valid = append(c.Valid, false)
	} else if c.Valid != nil {
		c.Valid = append(c.Valid, true)
	}
	return nil
}

// FormatNumber formats f the way a JavaScript runtime prints numbers:
// integral values without a fraction, exponent form outside [1e-6, 1e21).
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go pads the exponent to two digits ("1e-07"); JavaScript does not
		// and always signs it ("1e-7", "1e+21").
		mant, exp := s, ""
		for j := 0; j < len(s); j++ {
			if s[j] == 'e' {
				mant, exp = s[:j], s[j+1:]
				break
			}
		}
		sign := "+"
		if exp != "" && (exp[0] == '-' || exp[0] == '+') {
			if exp[0] == '-' {
				sign = "-"
			}
			exp = exp[1:]
		}
		for len(exp) > 1 && exp[0] == '0' {
			exp = exp[1:]
		}
		return mant + "e" + sign + exp
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatTimestamp renders epoch milliseconds as an RFC 3339 UTC string with
// millisecond precision.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
