// Package guard provides overflow-checked arithmetic for the untrusted
// offsets and counts read out of Mach-O and cache headers.
package guard

import "math"

// AddU64 returns a + b, reporting overflow instead of wrapping.
func AddU64(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// MulU64 returns a * b, reporting overflow instead of wrapping.
func MulU64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

// AddU32 returns a + b over 32 bits, reporting overflow.
func AddU32(a, b uint32) (uint32, bool) {
	if a > math.MaxUint32-b {
		return 0, false
	}
	return a + b, true
}

// MulU32 returns a * b over 32 bits, reporting overflow.
func MulU32(a, b uint32) (uint32, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint32/b {
		return 0, false
	}
	return a * b, true
}
