package tbd

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/appsworld/go-tbd/internal/guard"
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/types"
)

// ParseFile stats and parses an open Mach-O (thin or fat) into a fresh
// aggregate.
func ParseFile(f *os.File, flags ParseFlags, opts Options) (*CreateInfo, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatFail, err)
	}
	ci := NewCreateInfo()
	if err := ParseMachO(ci, f, uint64(fi.Size()), flags, opts); err != nil {
		return nil, err
	}
	return ci, nil
}

// ParseMachO reads the envelope magic at offset 0 and dispatches to the
// fat or thin path, populating ci. All access goes through positional
// reads; r is never seeked.
func ParseMachO(ci *CreateInfo, r io.ReaderAt, size uint64, flags ParseFlags, opts Options) error {
	if size < 4 {
		return ErrNotMachO
	}

	var raw [4]byte
	if _, err := r.ReadAt(raw[:], 0); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}

	magic := types.Magic(binary.LittleEndian.Uint32(raw[:]))
	switch {
	case magic.IsFat():
		if err := parseFat(ci, r, magic, 0, size, flags, opts); err != nil {
			return err
		}
	case magic.IsThin():
		hdr, bo, err := readMachHeader(r, 0, magic)
		if err != nil {
			return err
		}
		if err := parseThin(ci, r, hdr, bo, 0, size, flags, opts); err != nil {
			return err
		}
	default:
		return ErrNotMachO
	}

	return finishExports(ci, flags)
}

// ParseImage parses a single thin Mach-O at start inside a larger
// resource (a fat slice already validated, or a shared-cache image over
// the mapped file). The reader addresses the enclosing resource; with
// SectOffAbsolute set, section offsets resolve against it directly.
func ParseImage(ci *CreateInfo, r io.ReaderAt, start, size uint64, flags ParseFlags, opts Options) error {
	if size < types.FileHeaderSize32 {
		return ErrSizeTooSmall
	}
	var raw [4]byte
	if _, err := r.ReadAt(raw[:], int64(start)); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}
	magic := types.Magic(binary.LittleEndian.Uint32(raw[:]))
	if !magic.IsThin() {
		return ErrNotMachO
	}
	hdr, bo, err := readMachHeader(r, start, magic)
	if err != nil {
		return err
	}
	if err := parseThin(ci, r, hdr, bo, start, size, flags, opts); err != nil {
		return err
	}
	return finishExports(ci, flags)
}

// finishExports applies the whole-file export requirements after all
// slices have landed: presence unless ignored, then the final total
// order.
func finishExports(ci *CreateInfo, flags ParseFlags) error {
	if !flags.Has(IgnoreMissingExports) && ci.Exports.Empty() {
		return ErrNoExports
	}
	ci.Exports.Sort(compareExports)
	ci.Undefineds.Sort(compareExports)
	return nil
}

// readMachHeader reads a mach_header at start, choosing the byte order
// from the magic and swapping fields accordingly.
func readMachHeader(r io.ReaderAt, start uint64, magic types.Magic) (types.FileHeader, binary.ByteOrder, error) {
	var bo binary.ByteOrder = binary.LittleEndian
	if magic.IsSwapped() {
		bo = binary.BigEndian
	}

	var raw [types.FileHeaderSize32]byte
	if _, err := r.ReadAt(raw[:], int64(start)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return types.FileHeader{}, bo, ErrNotMachO
		}
		return types.FileHeader{}, bo, fmt.Errorf("%w: %v", ErrReadFail, err)
	}

	hdr := types.FileHeader{
		Magic:        magic,
		CPU:          types.CPU(bo.Uint32(raw[4:])),
		SubCPU:       types.CPUSubtype(bo.Uint32(raw[8:])),
		Type:         types.HeaderFileType(bo.Uint32(raw[12:])),
		NCommands:    bo.Uint32(raw[16:]),
		SizeCommands: bo.Uint32(raw[20:]),
		Flags:        types.HeaderFlag(bo.Uint32(raw[24:])),
	}
	return hdr, bo, nil
}

// fatRecord is a fat arch record widened to 64 bits so the 32- and
// 64-bit paths share one validation and dispatch loop.
type fatRecord struct {
	cpu    types.CPU
	subCPU types.CPUSubtype
	offset uint64
	size   uint64
}

// parseFat validates the fat envelope's arch records and parses each
// slice through the thin handler.
func parseFat(ci *CreateInfo, r io.ReaderAt, magic types.Magic, start, size uint64, flags ParseFlags, opts Options) error {
	bo := binary.ByteOrder(binary.LittleEndian)
	if magic.IsSwapped() {
		bo = binary.BigEndian
	}

	var raw [types.FatHeaderSize]byte
	if _, err := r.ReadAt(raw[:], int64(start)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrNotMachO
		}
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}
	nfatArch := bo.Uint32(raw[4:])
	if nfatArch == 0 {
		return ErrNoArchitectures
	}

	is64 := magic.Is64()
	recordSize := uint64(types.FatArchSize)
	if is64 {
		recordSize = types.FatArch64Size
	}

	archsSize, ok := guard.MulU64(recordSize, uint64(nfatArch))
	if !ok {
		return ErrTooManyArchitectures
	}
	totalHeadersSize, ok := guard.AddU64(types.FatHeaderSize, archsSize)
	if !ok {
		return ErrTooManyArchitectures
	}
	if totalHeadersSize >= size {
		return ErrTooManyArchitectures
	}

	rawArchs := make([]byte, archsSize)
	if _, err := r.ReadAt(rawArchs, int64(start)+types.FatHeaderSize); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}

	records := make([]fatRecord, nfatArch)
	for i := range records {
		rec := rawArchs[uint64(i)*recordSize:]
		records[i].cpu = types.CPU(bo.Uint32(rec[0:]))
		records[i].subCPU = types.CPUSubtype(bo.Uint32(rec[4:]))
		if is64 {
			records[i].offset = bo.Uint64(rec[8:])
			records[i].size = bo.Uint64(rec[16:])
		} else {
			records[i].offset = uint64(bo.Uint32(rec[8:]))
			records[i].size = uint64(bo.Uint32(rec[12:]))
		}
	}

	// Validate every record before touching any slice.
	for i, rec := range records {
		if rec.offset < totalHeadersSize {
			return ErrInvalidArchitecture
		}
		if rec.size < types.FileHeaderSize32 {
			return ErrSizeTooSmall
		}
		end, ok := guard.AddU64(rec.offset, rec.size)
		if !ok {
			return ErrInvalidArchitecture
		}
		if rec.offset >= size || end > size {
			return ErrInvalidArchitecture
		}
		if _, ok := guard.AddU64(start, rec.offset); !ok {
			return ErrInvalidArchitecture
		}
		if _, ok := guard.AddU64(start, end); !ok {
			return ErrInvalidArchitecture
		}

		archRange := types.Range{Begin: rec.offset, End: end}
		for _, prev := range records[:i] {
			prevRange := types.Range{Begin: prev.offset, End: prev.offset + prev.size}
			if archRange.Overlaps(prevRange) {
				return ErrOverlappingArchitectures
			}
		}
	}

	skipInvalid := opts.Has(SkipInvalidArchitectures)
	parsedOne := false
	for _, rec := range records {
		sliceStart := start + rec.offset

		var mraw [4]byte
		if _, err := r.ReadAt(mraw[:], int64(sliceStart)); err != nil {
			return fmt.Errorf("%w: %v", ErrReadFail, err)
		}
		sliceMagic := types.Magic(binary.LittleEndian.Uint32(mraw[:]))
		if !sliceMagic.IsThin() {
			if skipInvalid {
				continue
			}
			return ErrInvalidArchitecture
		}

		hdr, sliceBo, err := readMachHeader(r, sliceStart, sliceMagic)
		if err != nil {
			return err
		}

		// The slice's own header must agree with the fat record.
		if hdr.CPU != rec.cpu || hdr.SubCPU != rec.subCPU {
			if skipInvalid {
				continue
			}
			return ErrInvalidArchitecture
		}

		// A failing slice under the skip option is discarded wholesale:
		// the aggregate reverts to its pre-slice state.
		snap := ci.snapshot()
		if err := parseThin(ci, r, hdr, sliceBo, sliceStart, rec.size, flags, opts); err != nil {
			if skipInvalid {
				*ci = snap
				continue
			}
			return err
		}
		parsedOne = true
	}

	if !parsedOne {
		return ErrNoValidArchitectures
	}
	return nil
}

// parseThin validates the slice header, claims the slice's arch bit,
// reconciles the header flags with the aggregate, and hands the
// command area to the load-command parser.
func parseThin(ci *CreateInfo, r io.ReaderAt, hdr types.FileHeader, bo binary.ByteOrder, start, size uint64, flags ParseFlags, opts Options) error {
	is64 := hdr.Magic.Is64()

	headersSize := uint64(types.FileHeaderSize32)
	if is64 {
		// A mach_header_64 carries a trailing reserved word.
		headersSize = types.FileHeaderSize64
	}
	if size < headersSize {
		return ErrSizeTooSmall
	}

	if ci.Flags != 0 {
		if ci.Flags.FlatNamespace() && hdr.Flags.TwoLevel() {
			if !opts.Has(IgnoreConflictingFields) {
				return ErrConflictingFlags
			}
		}
		if ci.Flags.NotAppExtensionSafe() && hdr.Flags.AppExtensionSafe() {
			if !opts.Has(IgnoreConflictingFields) {
				return ErrConflictingFlags
			}
		}
	} else {
		if !hdr.Flags.TwoLevel() {
			ci.Flags |= FlagFlatNamespace
		}
		if !hdr.Flags.AppExtensionSafe() {
			ci.Flags |= FlagNotAppExtensionSafe
		}
	}

	info := arch.ForCPU(hdr.CPU, hdr.SubCPU)
	if info == nil {
		return ErrUnsupportedCputype
	}

	index := arch.Index(info)
	bit := arch.BitForIndex(index)
	if ci.Archs.Has(index) {
		return ErrMultipleArchsForCputype
	}
	ci.Archs.Add(index)

	lc := loadCmdContext{
		r:          r,
		arch:       info,
		bit:        bit,
		is64:       is64,
		bo:         bo,
		ncmds:      hdr.NCommands,
		sizeofcmds: hdr.SizeCommands,
		fullRange:  types.Range{Begin: start, End: start + size},
		availRange: types.Range{Begin: start + headersSize, End: start + size},
		flags:      flags,
		opts:       opts,
	}
	return parseLoadCommands(ci, &lc)
}
