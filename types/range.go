package types

// A Range is a half-open [Begin, End) interval of unsigned 64-bit file
// locations. Every offset check in the parsers is phrased through it.
type Range struct {
	Begin uint64
	End   uint64
}

// Size returns End - Begin.
func (r Range) Size() uint64 {
	return r.End - r.Begin
}

// ContainsLocation reports whether loc lies inside r.
func (r Range) ContainsLocation(loc uint64) bool {
	return r.Begin <= loc && loc < r.End
}

// ContainsEnd reports whether end is a valid exclusive end inside r,
// i.e. Begin <= end <= End.
func (r Range) ContainsEnd(end uint64) bool {
	return r.Begin <= end && end <= r.End
}

// ContainsRange reports whether inner lies fully inside r.
func (r Range) ContainsRange(inner Range) bool {
	return r.Begin <= inner.Begin && inner.End <= r.End
}

// Overlaps reports whether r and other share at least one location.
func (r Range) Overlaps(other Range) bool {
	return r.Begin < other.End && other.Begin < r.End
}
