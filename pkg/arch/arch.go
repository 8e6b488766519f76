// Package arch maps Mach-O (cputype, cpusubtype) pairs onto
// architecture names. An entry's index in the master table doubles as
// its bit position inside a Set, so the table must never grow past 64
// entries.
package arch

import "github.com/appsworld/go-tbd/types"

// An Info describes one supported architecture.
type Info struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Name   string
}

// The master table is ordered by cputype (signed compare), and within
// each cputype contiguously by cpusubtype. cputypeIndex below mirrors
// the contiguous blocks.
var infos = []Info{
	{types.CPUAny, types.CPUSubtypeMultiple, "any"},
	{types.CPUAny, types.CPUSubtypeLittleEndian, "little"},
	{types.CPUAny, types.CPUSubtypeBigEndian, "big"},

	// 3 .. 5
	{types.CPUMC680x0, types.CPUSubtypeMC680x0All, "m68k"},
	{types.CPUMC680x0, types.CPUSubtypeMC68040, "m68040"},
	{types.CPUMC680x0, types.CPUSubtypeMC68030Only, "m68030"},

	// 6 .. 14
	{types.CPU386, types.CPUSubtypeI386All, "i386"},
	{types.CPU386, types.CPUSubtype486, "i486"},
	{types.CPU386, types.CPUSubtypePent, "pentium"},
	{types.CPU386, types.CPUSubtypeX86_64H, "x86_64h"},
	{types.CPU386, types.CPUSubtypePentium4, "pentium4"},
	{types.CPU386, types.CPUSubtypePentPro, "pentpro"},
	{types.CPU386, types.CPUSubtypePentIIM3, "pentIIm3"},
	{types.CPU386, types.CPUSubtypePentIIM5, "pentIIm5"},
	{types.CPU386, types.CPUSubtype486SX, "i486SX"},

	// 15 .. 16
	{types.CPUHppa, types.CPUSubtypeHppaAll, "hppa"},
	{types.CPUHppa, types.CPUSubtypeHppa7100, "hppa7100LC"},

	// 17 .. 29
	{types.CPUArm, types.CPUSubtypeArmAll, "arm"},
	{types.CPUArm, types.CPUSubtypeArmV4T, "armv4t"},
	{types.CPUArm, types.CPUSubtypeArmV6, "armv6"},
	{types.CPUArm, types.CPUSubtypeArmV5Tej, "armv5"},
	{types.CPUArm, types.CPUSubtypeArmXscale, "xscale"},
	{types.CPUArm, types.CPUSubtypeArmV7, "armv7"},
	{types.CPUArm, types.CPUSubtypeArmV7F, "armv7f"},
	{types.CPUArm, types.CPUSubtypeArmV7S, "armv7s"},
	{types.CPUArm, types.CPUSubtypeArmV7K, "armv7k"},
	{types.CPUArm, types.CPUSubtypeArmV8, "armv8"},
	{types.CPUArm, types.CPUSubtypeArmV6M, "armv6m"},
	{types.CPUArm, types.CPUSubtypeArmV7M, "armv7m"},
	{types.CPUArm, types.CPUSubtypeArmV7Em, "armv7em"},

	// 30
	{types.CPUMC88000, types.CPUSubtypeMC88000All, "m88k"},

	// 31
	{types.CPUSparc, types.CPUSubtypeSparcAll, "sparc"},

	// 32
	{types.CPUI860, types.CPUSubtypeI860All, "i860"},

	// 33 .. 44
	{types.CPUPpc, types.CPUSubtypePowerPCAll, "ppc"},
	{types.CPUPpc, types.CPUSubtypePowerPC601, "ppc601"},
	{types.CPUPpc, types.CPUSubtypePowerPC602, "ppc602"},
	{types.CPUPpc, types.CPUSubtypePowerPC603, "ppc603"},
	{types.CPUPpc, types.CPUSubtypePowerPC603e, "ppc603e"},
	{types.CPUPpc, types.CPUSubtypePowerPC603ev, "ppc603ev"},
	{types.CPUPpc, types.CPUSubtypePowerPC604, "ppc604"},
	{types.CPUPpc, types.CPUSubtypePowerPC604e, "ppc604e"},
	{types.CPUPpc, types.CPUSubtypePowerPC750, "ppc750"},
	{types.CPUPpc, types.CPUSubtypePowerPC7400, "ppc7400"},
	{types.CPUPpc, types.CPUSubtypePowerPC7450, "ppc7450"},
	{types.CPUPpc, types.CPUSubtypePowerPC970, "ppc970"},

	// 45 .. 47; VEO_ALL aliases VEO_2, so "veo2" answers for both and
	// the block stays sorted by subtype.
	{types.CPUVeo, types.CPUSubtypeVeo1, "veo1"},
	{types.CPUVeo, types.CPUSubtypeVeo2, "veo2"},
	{types.CPUVeo, types.CPUSubtypeVeo3, "veo3"},

	// 48 .. 49
	{types.CPUAmd64, types.CPUSubtypeX8664All, "x86_64"},
	{types.CPUAmd64, types.CPUSubtypeX86_64H, "x86_64h"},

	// 50 .. 52
	{types.CPUArm64, types.CPUSubtypeArm64All, "arm64"},
	{types.CPUArm64, types.CPUSubtypeArm64V8, "arm64"},
	{types.CPUArm64, types.CPUSubtypeArm64E, "arm64e"},

	// 53 .. 54
	{types.CPUPpc64, types.CPUSubtypePowerPCAll, "ppc64"},
	{types.CPUPpc64, types.CPUSubtypePowerPC970, "ppc970-64"},

	// 55
	{types.CPUArm6432, types.CPUSubtypeArm64All, "arm64_32"},
}

// cputypeIndex is the secondary index: the contiguous [front, back]
// slice of infos belonging to one cputype, ordered like infos.
type cputypeBlock struct {
	cpu   types.CPU
	front int
	back  int
}

var cputypeIndex = []cputypeBlock{
	{types.CPUAny, 0, 2},
	{types.CPUMC680x0, 3, 5},
	{types.CPU386, 6, 14},
	{types.CPUHppa, 15, 16},
	{types.CPUArm, 17, 29},
	{types.CPUMC88000, 30, 30},
	{types.CPUSparc, 31, 31},
	{types.CPUI860, 32, 32},
	{types.CPUPpc, 33, 44},
	{types.CPUVeo, 45, 47},
	{types.CPUAmd64, 48, 49},
	{types.CPUArm64, 50, 52},
	{types.CPUPpc64, 53, 54},
	{types.CPUArm6432, 55, 55},
}

// Count returns the number of known architectures.
func Count() int { return len(infos) }

// ForIndex returns the entry at a master-table index, or nil when the
// index is out of range.
func ForIndex(i int) *Info {
	if i < 0 || i >= len(infos) {
		return nil
	}
	return &infos[i]
}

// Index returns info's position in the master table, which is also its
// bit position inside a Set.
func Index(info *Info) int {
	for i := range infos {
		if &infos[i] == info {
			return i
		}
	}
	return -1
}

// ForCPU finds the entry for a (cputype, cpusubtype) pair: first a
// binary search over the cputype blocks, then over the block's
// subtypes. Returns nil when the pair is unknown.
func ForCPU(cpu types.CPU, sub types.CPUSubtype) *Info {
	front, back := 0, len(cputypeIndex)-1
	var block *cputypeBlock
	for front <= back {
		mid := front + (back-front)>>1
		c := int32(cputypeIndex[mid].cpu) - int32(cpu)
		if c == 0 {
			block = &cputypeIndex[mid]
			break
		}
		if c > 0 {
			back = mid - 1
		} else {
			front = mid + 1
		}
	}
	if block == nil {
		return nil
	}

	if block.front == block.back {
		if infos[block.front].SubCPU == sub {
			return &infos[block.front]
		}
		return nil
	}

	front, back = block.front, block.back
	for front <= back {
		mid := front + (back-front)>>1
		c := int32(infos[mid].SubCPU) - int32(sub)
		if c == 0 {
			return &infos[mid]
		}
		if c > 0 {
			back = mid - 1
		} else {
			front = mid + 1
		}
	}
	return nil
}

// ForName finds the first entry carrying name, or nil.
func ForName(name string) *Info {
	for i := range infos {
		if infos[i].Name == name {
			return &infos[i]
		}
	}
	return nil
}

// A Set is a bitmask of master-table indices.
type Set uint64

// BitForIndex returns the Set bit for a table index.
func BitForIndex(i int) Set { return Set(1) << uint(i) }

func (s Set) Has(i int) bool   { return s&BitForIndex(i) != 0 }
func (s *Set) Add(i int)       { *s |= BitForIndex(i) }
func (s Set) Empty() bool      { return s == 0 }

// Count returns the number of architectures in the set.
func (s Set) Count() int {
	n := 0
	for s != 0 {
		s &= s - 1
		n++
	}
	return n
}

// Names lists the architecture names in table order.
func (s Set) Names() []string {
	var names []string
	for i := range infos {
		if s.Has(i) {
			names = append(names, infos[i].Name)
		}
	}
	return names
}
