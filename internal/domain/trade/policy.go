package trade

import (
	"github.com/shopspring/decimal"
)

// Default overwrite tolerances.
var (
	DefaultAbsEpsilon = decimal.RequireFromString("0.01")
	DefaultRelEpsilon = decimal.RequireFromString("0.003")
)

// Tracked is a value paired with its provenance.
type Tracked struct {
	Value    decimal.NullDecimal
	Source   Source
	Verified bool
}

// NewTracked returns a set value.
func NewTracked(v decimal.Decimal, source Source, verified bool) Tracked {
	return Tracked{Value: decimal.NewNullDecimal(v), Source: source, Verified: verified}
}

// IsSet reports whether a value is stored.
func (t Tracked) IsSet() bool { return t.Value.Valid }

// Decimal returns the stored value or zero.
func (t Tracked) Decimal() decimal.Decimal {
	if !t.Value.Valid {
		return decimal.Zero
	}
	return t.Value.Decimal
}

// Observation is an incoming value for a tracked field.
type Observation struct {
	Value    decimal.Decimal
	Source   Source
	Verified bool
}

// Observe builds an observation whose verified flag follows the source.
func Observe(v decimal.Decimal, source Source) Observation {
	return Observation{Value: v, Source: source, Verified: source.Authoritative()}
}

// Decision is the overwrite verdict for one field.
type Decision int

const (
	// Keep leaves the stored value in place.
	Keep Decision = iota
	// Write replaces the stored value.
	Write
	// Noop means the incoming value equals the stored one.
	Noop
	// Promote keeps the value but adopts the incoming provenance.
	Promote
)

func (d Decision) String() string {
	switch d {
	case Write:
		return "write"
	case Noop:
		return "noop"
	case Promote:
		return "promote"
	default:
		return "keep"
	}
}

// Policy implements the trust hierarchy for tracked fields.
type Policy struct {
	AbsEpsilon decimal.Decimal
	RelEpsilon decimal.Decimal
}

// DefaultPolicy uses the default tolerances.
func DefaultPolicy() Policy {
	return Policy{AbsEpsilon: DefaultAbsEpsilon, RelEpsilon: DefaultRelEpsilon}
}

// Tolerance is the largest difference from stored that counts as agreement.
func (p Policy) Tolerance(stored decimal.Decimal) decimal.Decimal {
	rel := stored.Abs().Mul(p.RelEpsilon)
	if rel.GreaterThan(p.AbsEpsilon) {
		return rel
	}
	return p.AbsEpsilon
}

// Decide evaluates whether in may replace stored.
func (p Policy) Decide(stored Tracked, in Observation) Decision {
	if !stored.IsSet() {
		return Write
	}
	current := stored.Value.Decimal
	if current.Equal(in.Value) {
		if in.Verified && (!stored.Verified || in.Source.Rank() > stored.Source.Rank()) {
			return Promote
		}
		return Noop
	}
	if !stored.Verified {
		return Write
	}
	inRank, storedRank := in.Source.Rank(), stored.Source.Rank()
	switch {
	case inRank > storedRank:
		return Write
	case inRank == storedRank && current.Sub(in.Value).Abs().GreaterThan(p.Tolerance(current)):
		return Write
	default:
		return Keep
	}
}

// Apply returns the field after applying in, and whether anything changed.
func (p Policy) Apply(stored Tracked, in Observation) (Tracked, Decision) {
	d := p.Decide(stored, in)
	switch d {
	case Write:
		return NewTracked(in.Value, in.Source, in.Verified), d
	case Promote:
		return Tracked{Value: stored.Value, Source: in.Source, Verified: stored.Verified || in.Verified}, d
	default:
		return stored, d
	}
}

// Changed reports whether d mutates the field.
func (d Decision) Changed() bool {
	return d == Write || d == Promote
}
