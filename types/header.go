package types

import "fmt"

// A FileHeader represents a Mach-O file header.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
}

const (
	// FileHeaderSize32 is the size of a mach_header.
	FileHeaderSize32 = 7 * 4
	// FileHeaderSize64 is the size of a mach_header_64, which carries a
	// trailing reserved field.
	FileHeaderSize64 = 8 * 4
)

type Magic uint32

const (
	Magic32      Magic = 0xfeedface
	Magic32Cigam Magic = 0xcefaedfe
	Magic64      Magic = 0xfeedfacf
	Magic64Cigam Magic = 0xcffaedfe
	MagicFat     Magic = 0xcafebabe
	MagicFatC    Magic = 0xbebafeca
	MagicFat64   Magic = 0xcafebabf
	MagicFat64C  Magic = 0xbfbafeca
)

var magicStrings = []intName{
	{uint32(Magic32), "32-bit MachO"},
	{uint32(Magic32Cigam), "32-bit MachO (swapped)"},
	{uint32(Magic64), "64-bit MachO"},
	{uint32(Magic64Cigam), "64-bit MachO (swapped)"},
	{uint32(MagicFat), "Fat MachO"},
	{uint32(MagicFatC), "Fat MachO (swapped)"},
	{uint32(MagicFat64), "Fat64 MachO"},
	{uint32(MagicFat64C), "Fat64 MachO (swapped)"},
}

func (i Magic) Int() uint32      { return uint32(i) }
func (i Magic) String() string   { return stringName(uint32(i), magicStrings, false) }
func (i Magic) GoString() string { return stringName(uint32(i), magicStrings, true) }

// IsThin reports whether the magic denotes a single-architecture Mach-O
// in either byte order.
func (i Magic) IsThin() bool {
	return i == Magic32 || i == Magic32Cigam || i == Magic64 || i == Magic64Cigam
}

// IsFat reports whether the magic denotes a universal envelope in
// either byte order.
func (i Magic) IsFat() bool {
	return i == MagicFat || i == MagicFatC || i == MagicFat64 || i == MagicFat64C
}

// IsSwapped reports whether the file's fields are in the opposite byte
// order from the host's reading of the magic.
func (i Magic) IsSwapped() bool {
	return i == Magic32Cigam || i == Magic64Cigam || i == MagicFatC || i == MagicFat64C
}

// Is64 reports whether the magic denotes 64-bit wide records (thin
// header reserved field, fat_arch_64 records).
func (i Magic) Is64() bool {
	return i == Magic64 || i == Magic64Cigam || i == MagicFat64 || i == MagicFat64C
}

// A HeaderFileType is the Mach-O file type, e.g. an object file, executable, or dynamic library.
type HeaderFileType uint32

const (
	MH_OBJECT     HeaderFileType = 0x1 /* relocatable object file */
	MH_EXECUTE    HeaderFileType = 0x2 /* demand paged executable file */
	MH_DYLIB      HeaderFileType = 0x6 /* dynamically bound shared library */
	MH_DYLINKER   HeaderFileType = 0x7 /* dynamic link editor */
	MH_BUNDLE     HeaderFileType = 0x8 /* dynamically bound bundle file */
	MH_DYLIB_STUB HeaderFileType = 0x9 /* shared library stub for static linking only */
	MH_DSYM       HeaderFileType = 0xa /* companion file with only debug sections */
)

type HeaderFlag uint32

const (
	NoUndefs              HeaderFlag = 0x1
	DyldLink              HeaderFlag = 0x4
	TwoLevel              HeaderFlag = 0x80
	ForceFlat             HeaderFlag = 0x100
	NoReexportedDylibs    HeaderFlag = 0x100000
	AppExtensionSafe      HeaderFlag = 0x2000000
	SimSupport            HeaderFlag = 0x8000000
	DylibInCache          HeaderFlag = 0x80000000
)

func (f HeaderFlag) TwoLevel() bool         { return (f & TwoLevel) != 0 }
func (f HeaderFlag) AppExtensionSafe() bool { return (f & AppExtensionSafe) != 0 }
func (f HeaderFlag) DylibInCache() bool     { return (f & DylibInCache) != 0 }

func (h FileHeader) String() string {
	return fmt.Sprintf(
		"Magic         = %s\n"+
			"Type          = %#x\n"+
			"CPU           = %s, %s\n"+
			"Commands      = %d (Size: %d)\n"+
			"Flags         = %#x\n",
		h.Magic,
		uint32(h.Type),
		h.CPU, h.SubCPU.String(h.CPU),
		h.NCommands,
		h.SizeCommands,
		uint32(h.Flags),
	)
}
