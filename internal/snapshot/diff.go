package snapshot

// Delta is the subset of a Snapshot's fields whose values changed since the
// last delivery to a given subscriber, always paired with an instrument id.
type Delta struct {
	InstrumentID string
	Fields       FieldSet
	Values       [fieldCount]float64
}

// Get returns the changed value for f and whether f is part of the delta.
func (d Delta) Get(f Field) (float64, bool) {
	return d.Values[f], d.Fields.Has(f)
}

// Diff computes the fields of current that differ from previous under
// bitwise IEEE-754 comparison. A field present in current but absent from
// previous is always reported as changed ("missing != value"); a field
// present in both compares by bit pattern so NaN-to-NaN is "no change".
// Fields only present in previous (never true once merge-in-place is used,
// since the canonical snapshot only accumulates fields) are ignored.
func Diff(current, previous Snapshot) Delta {
	d := Delta{InstrumentID: current.InstrumentID}
	current.Provided.Each(func(f Field) {
		cv := current.Values[f]
		if !previous.Provided.Has(f) {
			d.Fields = d.Fields.With(f)
			d.Values[f] = cv
			return
		}
		if !bitsEqual(cv, previous.Values[f]) {
			d.Fields = d.Fields.With(f)
			d.Values[f] = cv
		}
	})
	return d
}

// IsEmpty reports whether the delta carries no changed fields.
func (d Delta) IsEmpty() bool { return d.Fields.Empty() }

// ApplyTo merges d's changed fields into dst, used by a session outbox to
// fold a new delta onto an already-pending one (later overrides earlier).
func (d Delta) ApplyTo(dst *Delta) {
	d.Fields.Each(func(f Field) {
		dst.Values[f] = d.Values[f]
	})
	dst.Fields = dst.Fields.Union(d.Fields)
}
