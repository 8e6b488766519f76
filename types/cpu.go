package types

// A CPU is a Mach-O cpu type.
type CPU uint32

const (
	cpuArchMask = 0xff000000 //  mask for architecture bits
	cpuArch64   = 0x01000000 // 64 bit ABI
	cpuArch6432 = 0x02000000 // ABI for 64-bit hardware with 32-bit types; LP32
)

const (
	CPUAny     CPU = 0xffffffff
	CPUMC680x0 CPU = 6
	CPU386     CPU = 7
	CPUAmd64   CPU = CPU386 | cpuArch64
	CPUHppa    CPU = 11
	CPUArm     CPU = 12
	CPUArm64   CPU = CPUArm | cpuArch64
	CPUArm6432 CPU = CPUArm | cpuArch6432
	CPUMC88000 CPU = 13
	CPUSparc   CPU = 14
	CPUI860    CPU = 15
	CPUPpc     CPU = 18
	CPUPpc64   CPU = CPUPpc | cpuArch64
	CPUVeo     CPU = 255
)

var cpuStrings = []intName{
	{uint32(CPUAny), "Any"},
	{uint32(CPUMC680x0), "MC680x0"},
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "Amd64"},
	{uint32(CPUHppa), "HPPA"},
	{uint32(CPUArm), "ARM"},
	{uint32(CPUArm64), "AARCH64"},
	{uint32(CPUArm6432), "ARM64_32"},
	{uint32(CPUMC88000), "MC88000"},
	{uint32(CPUSparc), "SPARC"},
	{uint32(CPUI860), "i860"},
	{uint32(CPUPpc), "PowerPC"},
	{uint32(CPUPpc64), "PowerPC 64"},
	{uint32(CPUVeo), "VEO"},
}

func (i CPU) String() string   { return stringName(uint32(i), cpuStrings, false) }
func (i CPU) GoString() string { return stringName(uint32(i), cpuStrings, true) }

// Is64bit reports whether the cputype carries the 64-bit ABI bit.
func (i CPU) Is64bit() bool { return uint32(i)&cpuArch64 != 0 }

type CPUSubtype uint32

// CPU_TYPE_ANY subtypes
const (
	CPUSubtypeMultiple     CPUSubtype = 0xffffffff
	CPUSubtypeLittleEndian CPUSubtype = 0
	CPUSubtypeBigEndian    CPUSubtype = 1
)

// MC680x0 subtypes
const (
	CPUSubtypeMC680x0All  CPUSubtype = 1
	CPUSubtypeMC68040     CPUSubtype = 2
	CPUSubtypeMC68030Only CPUSubtype = 3
)

// X86 subtypes
const (
	// CPU_SUBTYPE_INTEL(f, m) packs as f + (m << 4).
	CPUSubtypeI386All  CPUSubtype = 3
	CPUSubtype486      CPUSubtype = 4
	CPUSubtype486SX    CPUSubtype = 4 + 8<<4
	CPUSubtypePent     CPUSubtype = 5
	CPUSubtypePentPro  CPUSubtype = 6 + 1<<4
	CPUSubtypePentIIM3 CPUSubtype = 6 + 3<<4
	CPUSubtypePentIIM5 CPUSubtype = 6 + 5<<4
	CPUSubtypePentium4 CPUSubtype = 10
	CPUSubtypeX8664All CPUSubtype = 3
	CPUSubtypeX86Arch1 CPUSubtype = 4
	CPUSubtypeX86_64H  CPUSubtype = 8
)

// HPPA subtypes
const (
	CPUSubtypeHppaAll  CPUSubtype = 0
	CPUSubtypeHppa7100 CPUSubtype = 1
)

// ARM subtypes
const (
	CPUSubtypeArmAll    CPUSubtype = 0
	CPUSubtypeArmV4T    CPUSubtype = 5
	CPUSubtypeArmV6     CPUSubtype = 6
	CPUSubtypeArmV5Tej  CPUSubtype = 7
	CPUSubtypeArmXscale CPUSubtype = 8
	CPUSubtypeArmV7     CPUSubtype = 9
	CPUSubtypeArmV7F    CPUSubtype = 10
	CPUSubtypeArmV7S    CPUSubtype = 11
	CPUSubtypeArmV7K    CPUSubtype = 12
	CPUSubtypeArmV8     CPUSubtype = 13
	CPUSubtypeArmV6M    CPUSubtype = 14
	CPUSubtypeArmV7M    CPUSubtype = 15
	CPUSubtypeArmV7Em   CPUSubtype = 16
)

// ARM64 subtypes
const (
	CPUSubtypeArm64All CPUSubtype = 0
	CPUSubtypeArm64V8  CPUSubtype = 1
	CPUSubtypeArm64E   CPUSubtype = 2
)

// MC88000, SPARC, I860 subtypes
const (
	CPUSubtypeMC88000All CPUSubtype = 0
	CPUSubtypeSparcAll   CPUSubtype = 0
	CPUSubtypeI860All    CPUSubtype = 0
)

// PowerPC subtypes
const (
	CPUSubtypePowerPCAll   CPUSubtype = 0
	CPUSubtypePowerPC601   CPUSubtype = 1
	CPUSubtypePowerPC602   CPUSubtype = 2
	CPUSubtypePowerPC603   CPUSubtype = 3
	CPUSubtypePowerPC603e  CPUSubtype = 4
	CPUSubtypePowerPC603ev CPUSubtype = 5
	CPUSubtypePowerPC604   CPUSubtype = 6
	CPUSubtypePowerPC604e  CPUSubtype = 7
	CPUSubtypePowerPC750   CPUSubtype = 9
	CPUSubtypePowerPC7400  CPUSubtype = 10
	CPUSubtypePowerPC7450  CPUSubtype = 11
	CPUSubtypePowerPC970   CPUSubtype = 100
)

// VEO subtypes
const (
	CPUSubtypeVeo1   CPUSubtype = 1
	CPUSubtypeVeo2   CPUSubtype = 2
	CPUSubtypeVeo3   CPUSubtype = 3
	CPUSubtypeVeo4   CPUSubtype = 4
	CPUSubtypeVeoAll CPUSubtype = CPUSubtypeVeo2
)

// Capability bits used in the definition of cpu_subtype.
const (
	CpuSubtypeFeatureMask CPUSubtype = 0xff000000                         /* mask for feature flags */
	CpuSubtypeMask                   = CPUSubtype(^CpuSubtypeFeatureMask) /* mask for cpu subtype */
	CpuSubtypeLib64                  = 0x80000000                         /* 64 bit libraries */
)

func (st CPUSubtype) Masked() CPUSubtype { return st & CpuSubtypeMask }

func (st CPUSubtype) String(cpu CPU) string {
	switch cpu {
	case CPU386, CPUAmd64:
		switch st & CpuSubtypeMask {
		case CPUSubtypeX8664All:
			return "x86_64"
		case CPUSubtypeX86_64H:
			return "x86_64 (Haswell)"
		}
	case CPUArm:
		switch st & CpuSubtypeMask {
		case CPUSubtypeArmAll:
			return "ArmAll"
		case CPUSubtypeArmV6:
			return "ARMv6"
		case CPUSubtypeArmV7:
			return "ARMv7"
		case CPUSubtypeArmV7S:
			return "ARMv7s"
		case CPUSubtypeArmV7K:
			return "ARMv7k"
		}
	case CPUArm64:
		switch st & CpuSubtypeMask {
		case CPUSubtypeArm64All:
			return "ARM64"
		case CPUSubtypeArm64V8:
			return "ARM64 (ARMv8)"
		case CPUSubtypeArm64E:
			return "ARM64e (ARMv8.3)"
		}
	}
	return "UNKNOWN"
}
