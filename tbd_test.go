package tbd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/types"
)

// machoBuilder assembles thin Mach-O images in memory so the scenarios
// below don't depend on checked-in binaries.
type machoBuilder struct {
	magic    types.Magic
	cpu      types.CPU
	sub      types.CPUSubtype
	flags    types.HeaderFlag
	bo       binary.ByteOrder
	cmds     [][]byte
	extra    []byte
}

func newMacho64(bo binary.ByteOrder, cpu types.CPU, sub types.CPUSubtype) *machoBuilder {
	return &machoBuilder{magic: types.Magic64, cpu: cpu, sub: sub, bo: bo}
}

func newMacho32(bo binary.ByteOrder, cpu types.CPU, sub types.CPUSubtype) *machoBuilder {
	return &machoBuilder{magic: types.Magic32, cpu: cpu, sub: sub, bo: bo}
}

func (m *machoBuilder) headerSize() int {
	if m.magic == types.Magic64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

func (m *machoBuilder) add(cmd []byte) *machoBuilder {
	m.cmds = append(m.cmds, cmd)
	return m
}

// extraOffset returns the file offset the next appended byte will land
// at, for wiring up symtab offsets.
func (m *machoBuilder) extraOffset() uint32 {
	size := m.headerSize()
	for _, c := range m.cmds {
		size += len(c)
	}
	return uint32(size + len(m.extra))
}

func (m *machoBuilder) append(b []byte) *machoBuilder {
	m.extra = append(m.extra, b...)
	return m
}

func (m *machoBuilder) build() []byte {
	var sizeofcmds int
	for _, c := range m.cmds {
		sizeofcmds += len(c)
	}

	var buf bytes.Buffer
	u32 := func(v uint32) {
		b := make([]byte, 4)
		m.bo.PutUint32(b, v)
		buf.Write(b)
	}
	u32(uint32(m.magic))
	u32(uint32(m.cpu))
	u32(uint32(m.sub))
	u32(uint32(types.MH_DYLIB))
	u32(uint32(len(m.cmds)))
	u32(uint32(sizeofcmds))
	u32(uint32(m.flags))
	if m.magic == types.Magic64 {
		u32(0)
	}
	for _, c := range m.cmds {
		buf.Write(c)
	}
	buf.Write(m.extra)
	return buf.Bytes()
}

func put32(bo binary.ByteOrder, vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		bo.PutUint32(b[i*4:], v)
	}
	return b
}

func idDylibCmd(bo binary.ByteOrder, name string, current, compat uint32) []byte {
	payload := append([]byte(name), 0)
	for len(payload)%4 != 0 {
		payload = append(payload, 0)
	}
	cmd := put32(bo,
		uint32(types.LC_ID_DYLIB),
		uint32(types.DylibCmdSize+len(payload)),
		types.DylibCmdSize, // name offset
		0,                  // timestamp
		current,
		compat,
	)
	return append(cmd, payload...)
}

func uuidCmd(bo binary.ByteOrder, uuid types.UUID) []byte {
	cmd := put32(bo, uint32(types.LC_UUID), types.UUIDCmdSize)
	return append(cmd, uuid[:]...)
}

func versionMinCmd(bo binary.ByteOrder, lc types.LoadCmd) []byte {
	return put32(bo, uint32(lc), types.VersionMinCmdSize, 0x000a0e00, 0x000a0e00)
}

func symtabCmd(bo binary.ByteOrder, symoff, nsyms, stroff, strsize uint32) []byte {
	return put32(bo, uint32(types.LC_SYMTAB), types.SymtabCmdSize, symoff, nsyms, stroff, strsize)
}

func nlist64(bo binary.ByteOrder, strx uint32, ntype types.NType, desc uint16) []byte {
	b := make([]byte, types.Nlist64Size)
	bo.PutUint32(b[0:], strx)
	b[4] = byte(ntype)
	bo.PutUint16(b[6:], desc)
	return b
}

func nlist32(bo binary.ByteOrder, strx uint32, ntype types.NType, desc uint16) []byte {
	b := make([]byte, types.Nlist32Size)
	bo.PutUint32(b[0:], strx)
	b[4] = byte(ntype)
	bo.PutUint16(b[6:], desc)
	return b
}

// buildStrtab lays out a NUL-led string table and returns it with the
// index of each string.
func buildStrtab(names []string) ([]byte, []uint32) {
	table := []byte{0}
	indices := make([]uint32, len(names))
	for i, n := range names {
		indices[i] = uint32(len(table))
		table = append(table, n...)
		table = append(table, 0)
	}
	return table, indices
}

// withSymtab wires a two-table symbol area onto the builder: defined
// external symbols for each name.
func withSymtab(m *machoBuilder, names []string) {
	strtab, indices := buildStrtab(names)

	var syms []byte
	for _, idx := range indices {
		if m.magic == types.Magic64 {
			syms = append(syms, nlist64(m.bo, idx, types.N_SECT|types.N_EXT, 0)...)
		} else {
			syms = append(syms, nlist32(m.bo, idx, types.N_SECT|types.N_EXT, 0)...)
		}
	}

	// Land the command first so extraOffset accounts for it, then patch
	// in the final table offsets.
	m.add(symtabCmd(m.bo, 0, 0, 0, 0))
	symOff := m.extraOffset()
	strOff := symOff + uint32(len(syms))
	m.cmds[len(m.cmds)-1] = symtabCmd(m.bo, symOff, uint32(len(indices)), strOff, uint32(len(strtab)))
	m.append(syms)
	m.append(strtab)
}

func exportStrings(ci *CreateInfo) []string {
	var out []string
	for _, e := range ci.Exports.Items() {
		out = append(out, e.String)
	}
	return out
}

func TestThin64(t *testing.T) {
	m := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
	m.add(idDylibCmd(m.bo, "/usr/lib/libfoo.dylib", 0x00010000, 0x00010000))
	m.add(uuidCmd(m.bo, types.UUID{}))
	withSymtab(m, []string{"_foo", "_bar"})
	data := m.build()

	// Platform never appears, so the strict parse must fail.
	ci := NewCreateInfo()
	err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), 0, 0)
	if !errors.Is(err, ErrNoPlatform) {
		t.Fatalf("expected ErrNoPlatform, got %v", err)
	}

	ci = NewCreateInfo()
	if err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), IgnorePlatform, 0); err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if !ci.Archs.Has(48) || ci.Archs.Count() != 1 {
		t.Errorf("archs = %b, want only bit 48", uint64(ci.Archs))
	}
	if ci.InstallName != "/usr/lib/libfoo.dylib" {
		t.Errorf("install name = %q", ci.InstallName)
	}
	if ci.CurrentVersion.String() != "1" || ci.CompatVersion.String() != "1" {
		t.Errorf("versions = %s / %s", ci.CurrentVersion, ci.CompatVersion)
	}
	if got := exportStrings(ci); len(got) != 2 || got[0] != "_bar" || got[1] != "_foo" {
		t.Errorf("exports = %v", got)
	}
	if ci.UUIDs.Len() != 1 {
		t.Errorf("uuids = %d", ci.UUIDs.Len())
	}
}

// buildFat32 packs thin images into a fat-32 envelope, big-endian as on
// disk, honoring explicit offsets.
func buildFat32(slices [][]byte, pairs [][2]uint32, offsets []uint32, total int) []byte {
	bo := binary.BigEndian
	out := make([]byte, total)
	bo.PutUint32(out[0:], uint32(types.MagicFat))
	bo.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		rec := out[types.FatHeaderSize+i*types.FatArchSize:]
		bo.PutUint32(rec[0:], pairs[i][0])
		bo.PutUint32(rec[4:], pairs[i][1])
		bo.PutUint32(rec[8:], offsets[i])
		bo.PutUint32(rec[12:], uint32(len(s)))
		bo.PutUint32(rec[16:], 0)
		copy(out[offsets[i]:], s)
	}
	return out
}

func TestFatTwoSlices(t *testing.T) {
	m386 := newMacho32(binary.LittleEndian, types.CPU386, types.CPUSubtypeI386All)
	m386.add(idDylibCmd(m386.bo, "/A", 0x00020000, 0x00010000))
	m386.add(uuidCmd(m386.bo, types.UUID{1}))
	m386.add(versionMinCmd(m386.bo, types.LC_VERSION_MIN_MACOSX))
	withSymtab(m386, []string{"_sym"})
	s386 := m386.build()

	m64 := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
	m64.add(idDylibCmd(m64.bo, "/A", 0x00020000, 0x00010000))
	m64.add(uuidCmd(m64.bo, types.UUID{2}))
	m64.add(versionMinCmd(m64.bo, types.LC_VERSION_MIN_MACOSX))
	withSymtab(m64, []string{"_sym"})
	s64 := m64.build()

	off1 := uint32(4096)
	off2 := off1 + uint32(len(s386))
	data := buildFat32(
		[][]byte{s386, s64},
		[][2]uint32{
			{uint32(types.CPU386), uint32(types.CPUSubtypeI386All)},
			{uint32(types.CPUAmd64), uint32(types.CPUSubtypeX8664All)},
		},
		[]uint32{off1, off2},
		int(off2)+len(s64),
	)

	ci := NewCreateInfo()
	if err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), 0, 0); err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if !ci.Archs.Has(6) || !ci.Archs.Has(48) || ci.Archs.Count() != 2 {
		t.Errorf("archs = %b, want bits 6 and 48", uint64(ci.Archs))
	}
	if ci.InstallName != "/A" {
		t.Errorf("install name = %q", ci.InstallName)
	}
	if ci.CurrentVersion.String() != "2" {
		t.Errorf("current version = %s", ci.CurrentVersion)
	}
	if ci.UUIDs.Len() != 2 {
		t.Errorf("uuids = %d, want 2", ci.UUIDs.Len())
	}
	if ci.Platform != types.PlatformMacOS {
		t.Errorf("platform = %v", ci.Platform)
	}

	// The shared symbol merged: one record carrying both arch bits.
	if ci.Exports.Len() != 1 {
		t.Fatalf("exports = %v", exportStrings(ci))
	}
	e := ci.Exports.At(0)
	if e.ArchsCount != 2 || !e.Archs.Has(6) || !e.Archs.Has(48) {
		t.Errorf("export archs = %b count=%d", uint64(e.Archs), e.ArchsCount)
	}
	if uint64(e.Archs)&^uint64(ci.Archs) != 0 {
		t.Errorf("export archs %b exceed create-info archs %b", uint64(e.Archs), uint64(ci.Archs))
	}
}

func TestFatOverlappingSlices(t *testing.T) {
	m := newMacho32(binary.LittleEndian, types.CPU386, types.CPUSubtypeI386All)
	m.add(idDylibCmd(m.bo, "/A", 0, 0))
	s := m.build()

	data := buildFat32(
		[][]byte{s, s},
		[][2]uint32{
			{uint32(types.CPU386), uint32(types.CPUSubtypeI386All)},
			{uint32(types.CPUAmd64), uint32(types.CPUSubtypeX8664All)},
		},
		[]uint32{4096, 4096 + 16}, // second begins inside the first
		8192,
	)

	ci := NewCreateInfo()
	err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), 0, 0)
	if !errors.Is(err, ErrOverlappingArchitectures) {
		t.Fatalf("expected ErrOverlappingArchitectures, got %v", err)
	}
}

func TestInvalidInstallNameOffset(t *testing.T) {
	m := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
	bad := idDylibCmd(m.bo, "/usr/lib/libfoo.dylib", 0, 0)
	m.bo.PutUint32(bad[8:], 4) // name offset inside the fixed structure
	m.add(bad)
	data := m.build()

	ci := NewCreateInfo()
	err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), 0, 0)
	if !errors.Is(err, ErrInvalidInstallName) {
		t.Fatalf("expected ErrInvalidInstallName, got %v", err)
	}

	// Lenient mode skips the command; the parse then fails later for
	// the missing uuid instead.
	relaxed := IgnorePlatform | IgnoreSymbols | IgnoreMissingExports
	ci = NewCreateInfo()
	err = ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), relaxed, IgnoreInvalidFields)
	if !errors.Is(err, ErrNoUUID) {
		t.Fatalf("expected ErrNoUUID, got %v", err)
	}
	ci = NewCreateInfo()
	if err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), relaxed|IgnoreUUID, IgnoreInvalidFields); err != nil {
		t.Fatalf("lenient parse failed: %v", err)
	}
	if ci.InstallName != "" {
		t.Errorf("install name should be empty, got %q", ci.InstallName)
	}
}

func TestConflictingUUIDs(t *testing.T) {
	build := func() *machoBuilder {
		m := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
		m.add(idDylibCmd(m.bo, "/usr/lib/libfoo.dylib", 0, 0))
		m.add(uuidCmd(m.bo, types.UUID{1}))
		m.add(uuidCmd(m.bo, types.UUID{2}))
		return m
	}
	data := build().build()
	relaxed := IgnorePlatform | IgnoreSymbols | IgnoreMissingExports

	ci := NewCreateInfo()
	err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), relaxed, 0)
	if !errors.Is(err, ErrConflictingUUID) {
		t.Fatalf("expected ErrConflictingUUID, got %v", err)
	}

	ci = NewCreateInfo()
	if err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), relaxed, IgnoreConflictingFields); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ci.UUIDs.Len() != 1 || ci.UUIDs.At(0).UUID != (types.UUID{1}) {
		t.Errorf("uuid list = %+v", ci.UUIDs.Items())
	}
}

func TestEndianTwins(t *testing.T) {
	build := func(bo binary.ByteOrder) []byte {
		m := newMacho32(bo, types.CPU386, types.CPUSubtypeI386All)
		m.add(idDylibCmd(bo, "/usr/lib/libtwin.dylib", 0x00010203, 0x00010000))
		m.add(uuidCmd(bo, types.UUID{9}))
		m.add(versionMinCmd(bo, types.LC_VERSION_MIN_IPHONEOS))
		withSymtab(m, []string{"_one", "_two"})
		return m.build()
	}

	le, be := build(binary.LittleEndian), build(binary.BigEndian)

	parse := func(data []byte) *CreateInfo {
		ci := NewCreateInfo()
		if err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), 0, 0); err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		return ci
	}
	a, b := parse(le), parse(be)

	if a.InstallName != b.InstallName || a.CurrentVersion != b.CurrentVersion ||
		a.Platform != b.Platform || a.Archs != b.Archs {
		t.Errorf("twins disagree: %+v vs %+v", a, b)
	}
	if diff := cmp.Diff(a.Exports.Items(), b.Exports.Items()); diff != "" {
		t.Errorf("twin exports differ (-le +be):\n%s", diff)
	}
	if diff := cmp.Diff(a.UUIDs.Items(), b.UUIDs.Items()); diff != "" {
		t.Errorf("twin uuids differ (-le +be):\n%s", diff)
	}
}

func TestMultipleArchsForCputype(t *testing.T) {
	m := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
	m.add(idDylibCmd(m.bo, "/A", 0, 0))
	m.add(uuidCmd(m.bo, types.UUID{1}))
	s1 := m.build()

	m2 := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
	m2.add(idDylibCmd(m2.bo, "/A", 0, 0))
	m2.add(uuidCmd(m2.bo, types.UUID{2}))
	s2 := m2.build()

	off1 := uint32(4096)
	off2 := off1 + uint32(len(s1))
	data := buildFat32(
		[][]byte{s1, s2},
		[][2]uint32{
			{uint32(types.CPUAmd64), uint32(types.CPUSubtypeX8664All)},
			{uint32(types.CPUAmd64), uint32(types.CPUSubtypeX8664All)},
		},
		[]uint32{off1, off2},
		int(off2)+len(s2),
	)

	ci := NewCreateInfo()
	err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)),
		IgnorePlatform|IgnoreSymbols|IgnoreMissingExports, 0)
	if !errors.Is(err, ErrMultipleArchsForCputype) {
		t.Fatalf("expected ErrMultipleArchsForCputype, got %v", err)
	}
}

func TestOverrideArchs(t *testing.T) {
	m := newMacho64(binary.LittleEndian, types.CPUAmd64, types.CPUSubtypeX8664All)
	m.add(idDylibCmd(m.bo, "/usr/lib/libfoo.dylib", 0x00010000, 0x00010000))
	m.add(uuidCmd(m.bo, types.UUID{}))
	withSymtab(m, []string{"_foo", "_bar"})
	data := m.build()

	ci := NewCreateInfo()
	if err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), IgnorePlatform, 0); err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	var override arch.Set
	override.Add(50) // arm64
	override.Add(52) // arm64e
	ci.OverrideArchs(override)

	if ci.Archs != override {
		t.Errorf("archs = %b, want %b", uint64(ci.Archs), uint64(override))
	}
	for _, e := range ci.Exports.Items() {
		if e.Archs != override || e.ArchsCount != 2 {
			t.Errorf("export %q archs = %b count=%d", e.String, uint64(e.Archs), e.ArchsCount)
		}
	}
}

func TestNotAMacho(t *testing.T) {
	data := []byte("#!/bin/sh\necho hello\n")
	ci := NewCreateInfo()
	err := ParseMachO(ci, bytes.NewReader(data), uint64(len(data)), 0, 0)
	if !errors.Is(err, ErrNotMachO) {
		t.Fatalf("expected ErrNotMachO, got %v", err)
	}
}

func TestClassifySymbol(t *testing.T) {
	tests := []struct {
		in     string
		weak   bool
		typ    ExportType
		stored string
	}{
		{".objc_class_name_Foo", false, ExportObjCClass, "Foo"},
		{"_OBJC_CLASS_$_Foo", false, ExportObjCClass, "Foo"},
		{"_OBJC_METACLASS_$_Foo", false, ExportObjCClass, "Foo"},
		{"_OBJC_IVAR_$_Foo._bar", false, ExportObjCIvar, "Foo._bar"},
		{"_$ld$hide$os10.14$_sym", false, ExportWeakSymbol, "_$ld$hide$os10.14$_sym"},
		{"_weak", true, ExportWeakSymbol, "_weak"},
		{"_plain", false, ExportSymbol, "_plain"},
	}
	for _, tt := range tests {
		typ, stored := ClassifySymbol(tt.in, tt.weak)
		if typ != tt.typ || stored != tt.stored {
			t.Errorf("ClassifySymbol(%q, %v) = %v, %q; want %v, %q",
				tt.in, tt.weak, typ, stored, tt.typ, tt.stored)
		}
	}
}

func TestNeedsQuotes(t *testing.T) {
	plain := []string{"/usr/lib/libfoo.dylib", "_sym$variant", "Foo.Bar"}
	for _, s := range plain {
		if needsQuotes(s) {
			t.Errorf("needsQuotes(%q) = true", s)
		}
	}
	quoted := []string{"", "-leading", "has:colon", "has#hash", "a'b"}
	for _, s := range quoted {
		if !needsQuotes(s) {
			t.Errorf("needsQuotes(%q) = false", s)
		}
	}
}
