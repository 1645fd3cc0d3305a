// Package medication resolves loosely-typed medication references into the
// canonical key used throughout adherence aggregation.
package medication

// Key is the canonical medication identifier. The empty Key never matches.
type Key string

// Unmatched reports whether k can never be credited as taken.
func (k Key) Unmatched() bool { return k == "" }

// Reference is the two-field identity of a medication: a coded identifier
// (RxNorm code, possibly empty) and a display text fallback.
type Reference struct {
	Code        string `json:"code,omitempty"`
	DisplayText string `json:"displayText,omitempty"`
}

// Resolvable is any record exposing a medication reference.
type Resolvable interface {
	MedicationRef() Reference
}

// Key resolves r: the code when non-empty, else the display text verbatim.
// No trimming or case folding is applied.
func (r Reference) Key() Key {
	if r.Code != "" {
		return Key(r.Code)
	}
	return Key(r.DisplayText)
}

// MedicationRef lets a bare Reference satisfy Resolvable.
func (r Reference) MedicationRef() Reference { return r }

// Resolve returns the canonical key of any resolvable record.
func Resolve(r Resolvable) Key {
	if r == nil {
		return ""
	}
	return r.MedicationRef().Key()
}
