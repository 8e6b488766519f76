// Package tbd extracts the public ABI surface of a Mach-O library --
// identification, platform, uuids, Objective-C constraint, Swift
// version, re-exports, allowed clients, parent umbrella, and exported
// symbols -- into a CreateInfo aggregate that the text-stub writer
// serializes for linkers to consume in place of the binary.
package tbd

import (
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/pkg/sorted"
	"github.com/appsworld/go-tbd/types"
)

// An ExportType classifies one entry of the exports list. The numeric
// order is the primary sort key of the list.
type ExportType uint32

const (
	ExportReexport ExportType = iota + 1
	ExportSymbol
	ExportWeakSymbol
	ExportObjCClass
	ExportObjCIvar
	ExportClient
)

var exportTypeStrings = map[ExportType]string{
	ExportReexport:   "re-export",
	ExportSymbol:     "symbol",
	ExportWeakSymbol: "weak-def-symbol",
	ExportObjCClass:  "objc-class",
	ExportObjCIvar:   "objc-ivar",
	ExportClient:     "allowable-client",
}

func (t ExportType) String() string { return exportTypeStrings[t] }

// An ExportInfo is one exported name with the set of architectures it
// appeared in. Identity is (Type, String); Archs is the union over all
// slices carrying the record.
type ExportInfo struct {
	Archs      arch.Set
	ArchsCount uint32
	Type       ExportType
	String     string
	NeedsQuotes bool
}

// compareExports orders by (Type, String); arch membership never
// participates so records merge across slices.
func compareExports(a, b ExportInfo) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	switch {
	case a.String < b.String:
		return -1
	case a.String > b.String:
		return 1
	}
	return 0
}

// A UUIDInfo pairs an architecture with the uuid its slice carried.
type UUIDInfo struct {
	Arch *arch.Info
	UUID types.UUID
}

// An ObjCConstraint is the Objective-C runtime constraint derived from
// the image-info section flags.
type ObjCConstraint uint32

const (
	ObjCConstraintNone ObjCConstraint = iota
	ObjCConstraintRetainRelease
	ObjCConstraintRetainReleaseOrGC
	ObjCConstraintRetainReleaseForSimulator
	ObjCConstraintGC
)

var objcConstraintStrings = map[ObjCConstraint]string{
	ObjCConstraintNone:                      "none",
	ObjCConstraintRetainRelease:             "retain_release",
	ObjCConstraintRetainReleaseOrGC:         "retain_release_or_gc",
	ObjCConstraintRetainReleaseForSimulator: "retain_release_for_simulator",
	ObjCConstraintGC:                        "gc",
}

func (c ObjCConstraint) String() string { return objcConstraintStrings[c] }

// InfoFlags are the tbd-level flags lifted off the mach header.
type InfoFlags uint32

const (
	FlagFlatNamespace InfoFlags = 1 << iota
	FlagNotAppExtensionSafe
)

func (f InfoFlags) FlatNamespace() bool        { return f&FlagFlatNamespace != 0 }
func (f InfoFlags) NotAppExtensionSafe() bool  { return f&FlagNotAppExtensionSafe != 0 }

// A CreateInfo aggregates everything a text stub records. It is
// constructed empty, populated slice by slice by the parsers, and then
// handed to the writer.
type CreateInfo struct {
	Archs arch.Set

	Platform types.Platform

	InstallName            string
	InstallNameNeedsQuotes bool
	ParentUmbrella         string
	ParentUmbrellaNeedsQuotes bool

	CurrentVersion types.Version
	CompatVersion  types.Version

	Flags InfoFlags

	ObjCConstraint ObjCConstraint
	SwiftVersion   uint32

	Exports    sorted.List[ExportInfo]
	Undefineds sorted.List[ExportInfo]
	UUIDs      sorted.List[UUIDInfo]

	// Symtab holds the location of the last honored LC_SYMTAB, for
	// callers that requested DontParseSymbolTable.
	Symtab types.SymtabCmd
}

// NewCreateInfo returns an empty aggregate ready for parsing.
func NewCreateInfo() *CreateInfo {
	return &CreateInfo{}
}

// snapshot captures the aggregate so a failed slice can be discarded
// without keeping its partial contributions.
func (ci *CreateInfo) snapshot() CreateInfo {
	dup := *ci
	dup.Exports = *sorted.NewList[ExportInfo](ci.Exports.Len())
	for _, e := range ci.Exports.Items() {
		dup.Exports.Append(e)
	}
	dup.Undefineds = *sorted.NewList[ExportInfo](ci.Undefineds.Len())
	for _, e := range ci.Undefineds.Items() {
		dup.Undefineds.Append(e)
	}
	dup.UUIDs = *sorted.NewList[UUIDInfo](ci.UUIDs.Len())
	for _, u := range ci.UUIDs.Items() {
		dup.UUIDs.Append(u)
	}
	return dup
}

// AddExport merges one classified name into the exports list through
// the probe/commit path, OR-ing the slice's arch bit into an existing
// record when the (type, string) identity already exists.
func (ci *CreateInfo) AddExport(bit arch.Set, typ ExportType, str string) {
	info := ExportInfo{
		Archs:      bit,
		ArchsCount: 1,
		Type:       typ,
		String:     str,
	}

	existing, hint := ci.Exports.Probe(info, compareExports)
	if existing != nil {
		if existing.Archs&bit == 0 {
			existing.Archs |= bit
			existing.ArchsCount++
		}
		return
	}

	info.NeedsQuotes = needsQuotes(str)
	ci.Exports.Commit(info, hint)
}

// AddUndefined mirrors AddExport over the undefined-imports list.
func (ci *CreateInfo) AddUndefined(bit arch.Set, typ ExportType, str string) {
	info := ExportInfo{
		Archs:      bit,
		ArchsCount: 1,
		Type:       typ,
		String:     str,
	}

	existing, hint := ci.Undefineds.Probe(info, compareExports)
	if existing != nil {
		if existing.Archs&bit == 0 {
			existing.Archs |= bit
			existing.ArchsCount++
		}
		return
	}

	info.NeedsQuotes = needsQuotes(str)
	ci.Undefineds.Commit(info, hint)
}

// OverrideArchs replaces the architectures recorded during parsing with
// a caller-chosen set, the way the tool's --archs flag substitutes the
// stub's architecture list for the one found in the binary. Every
// export and undefined record is rewritten onto the new set so the
// arch-subset invariant holds for the emitted stub.
func (ci *CreateInfo) OverrideArchs(set arch.Set) {
	ci.Archs = set
	count := uint32(set.Count())
	for i := 0; i < ci.Exports.Len(); i++ {
		e := ci.Exports.At(i)
		e.Archs = set
		e.ArchsCount = count
	}
	for i := 0; i < ci.Undefineds.Len(); i++ {
		e := ci.Undefineds.At(i)
		e.Archs = set
		e.ArchsCount = count
	}
}

// addUUID records a slice's uuid, failing when the same 16 bytes were
// already seen for another slice.
func (ci *CreateInfo) addUUID(info *arch.Info, uuid types.UUID) error {
	existing, _ := ci.UUIDs.Find(UUIDInfo{UUID: uuid}, func(a, b UUIDInfo) int {
		if a.UUID == b.UUID {
			return 0
		}
		return 1
	})
	if existing != nil {
		return ErrConflictingUUID
	}
	ci.UUIDs.Append(UUIDInfo{Arch: info, UUID: uuid})
	return nil
}

// needsQuotes reports whether a string cannot be emitted as a plain
// yaml scalar and must be single-quoted in the stub.
func needsQuotes(s string) bool {
	if len(s) == 0 {
		return true
	}
	switch s[0] {
	case '-', '?', ':', ',', '[', ']', '{', '}', '#', '&', '*', '!',
		'|', '>', '\'', '"', '%', '@', '`', ' ', '\t':
		return true
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f {
			return true
		}
		switch c {
		case ':', '#', '\'', '"', '\\':
			return true
		}
	}
	return s[len(s)-1] == ' '
}
