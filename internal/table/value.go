package table

// Value is a single cell of a payment or reference table. The zero Value is
// absent. Raw CSV text crosses component boundaries only as a Value so every
// stage shares one notion of "missing".
type Value struct {
	s  string
	ok bool
}

// None is the absent Value.
var None Value

// Some wraps s as a present Value. Some("") is still considered absent by
// Absent, matching how empty CSV fields are treated downstream.
func Some(s string) Value {
	return Value{s: s, ok: true}
}

// Parse converts raw CSV text into a Value. Empty fields become None.
func Parse(raw string) Value {
	if raw == "" {
		return None
	}
	return Some(raw)
}

// Get returns the underlying string and whether the value is present.
func (v Value) Get() (string, bool) {
	return v.s, v.ok
}

// String returns the text of the value, or "" when absent. Absent values are
// always persisted as the empty string, never as "nan".
func (v Value) String() string {
	if !v.ok {
		return ""
	}
	return v.s
}

// Absent reports whether v carries no usable text: a missing cell, an empty
// string, or the literal "nan" left behind by earlier numeric parsing.
func (v Value) Absent() bool {
	return !v.ok || v.s == "" || v.s == "nan"
}
