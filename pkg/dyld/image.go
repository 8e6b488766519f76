package dyld

import (
	"bytes"
	"encoding/binary"

	tbd "github.com/appsworld/go-tbd"
	"github.com/appsworld/go-tbd/internal/guard"
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/types"
)

const (
	localSymbolsInfoSize  = 24
	localSymbolsEntrySize = 12
)

// ImagePath reads the image's path string out of the mapping, or ""
// when the offset is out of bounds.
func (c *Cache) ImagePath(img *ImageInfo) string {
	off := uint64(img.PathFileOffset)
	if off >= c.size {
		return ""
	}
	b := c.data[off:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ImageOffset resolves an image's load address to its file offset
// through the mapping table.
func (c *Cache) ImageOffset(img *ImageInfo) (uint64, bool) {
	for _, m := range c.Mappings {
		if img.Address >= m.Address && img.Address < m.Address+m.Size {
			return m.FileOffset + (img.Address - m.Address), true
		}
	}
	return 0, false
}

// EachImage invokes fn for every image until it returns false.
func (c *Cache) EachImage(fn func(img *ImageInfo, path string) bool) {
	for i := range c.Images {
		img := &c.Images[i]
		if !fn(img, c.ImagePath(img)) {
			return
		}
	}
}

// ParseImage extracts one image's stub information into ci. The image's
// Mach-O is parsed over the mapped region with file-absolute section
// offsets, and the cache's local-symbols sub-table, when present,
// contributes the symbols dyld stripped out of the image's own table.
func (c *Cache) ParseImage(ci *tbd.CreateInfo, img *ImageInfo, flags tbd.ParseFlags, opts tbd.Options) error {
	off, ok := c.ImageOffset(img)
	if !ok || off >= c.size {
		return tbd.ErrInvalidImages
	}

	// The exports-presence requirement is deferred until the local
	// symbols below have had their chance to contribute.
	parseFlags := flags | tbd.IgnoreMissingExports
	r := bytes.NewReader(c.data)
	if err := tbd.ParseImage(ci, r, off, c.size-off, parseFlags, opts|tbd.SectOffAbsolute); err != nil {
		return err
	}

	if !flags.Has(tbd.IgnoreSymbols) {
		if err := c.parseLocalSymbols(ci, off, flags); err != nil {
			return err
		}
	}

	if !flags.Has(tbd.IgnoreMissingExports) && ci.Exports.Empty() {
		return tbd.ErrNoExports
	}
	return nil
}

// parseLocalSymbols merges the image's entry of the cache's
// local-symbols sub-table into ci. The sub-table's layout drifts across
// dyld versions, so every index is treated as untrusted; with
// IgnoreMissingExports in force an out-of-range entry degrades to a
// skip instead of a failure.
func (c *Cache) parseLocalSymbols(ci *tbd.CreateInfo, imageOffset uint64, flags tbd.ParseFlags) error {
	lsOff := c.Header.LocalSymbolsOffset
	lsSize := c.Header.LocalSymbolsSize
	if lsOff == 0 || lsSize == 0 {
		return nil
	}

	lenient := flags.Has(tbd.IgnoreMissingExports)
	fail := func() error {
		if lenient {
			return nil
		}
		return tbd.ErrInvalidSymbolTable
	}

	lsEnd, ok := guard.AddU64(lsOff, lsSize)
	if !ok || lsEnd > c.size || lsSize < localSymbolsInfoSize {
		return fail()
	}

	bo := binary.LittleEndian
	region := c.data[lsOff:lsEnd]

	nlistOffset := bo.Uint32(region[0:])
	nlistCount := bo.Uint32(region[4:])
	stringsOffset := bo.Uint32(region[8:])
	stringsSize := bo.Uint32(region[12:])
	entriesOffset := bo.Uint32(region[16:])
	entriesCount := bo.Uint32(region[20:])

	entrySize := uint64(types.Nlist32Size)
	if c.Arch.CPU.Is64bit() {
		entrySize = types.Nlist64Size
	}

	nlistSize, ok := guard.MulU64(entrySize, uint64(nlistCount))
	if !ok {
		return fail()
	}
	nlistEnd, ok := guard.AddU64(uint64(nlistOffset), nlistSize)
	if !ok || nlistEnd > lsSize {
		return fail()
	}
	stringsEnd, ok := guard.AddU64(uint64(stringsOffset), uint64(stringsSize))
	if !ok || stringsEnd > lsSize {
		return fail()
	}
	entriesSize, ok := guard.MulU64(localSymbolsEntrySize, uint64(entriesCount))
	if !ok {
		return fail()
	}
	entriesEnd, ok := guard.AddU64(uint64(entriesOffset), entriesSize)
	if !ok || entriesEnd > lsSize {
		return fail()
	}

	nlists := region[nlistOffset:nlistEnd]
	strings := region[stringsOffset:stringsEnd]
	entries := region[entriesOffset:entriesEnd]

	bit := arch.BitForIndex(arch.Index(c.Arch))
	for i := uint64(0); i < uint64(entriesCount); i++ {
		entry := entries[i*localSymbolsEntrySize:]
		dylibOffset := bo.Uint32(entry[0:])
		if uint64(dylibOffset) != imageOffset {
			continue
		}

		start := bo.Uint32(entry[4:])
		count := bo.Uint32(entry[8:])
		end, ok := guard.AddU64(uint64(start), uint64(count))
		if !ok || end > uint64(nlistCount) {
			return fail()
		}

		for j := uint64(start); j < end; j++ {
			sym := nlists[j*entrySize:]
			strx := bo.Uint32(sym[0:])
			ntype := types.NType(sym[4])
			desc := types.NDescFlag(bo.Uint16(sym[6:8]))

			if ntype.IsDebugSym() || !ntype.IsDefinedInSection() {
				continue
			}
			if !ntype.IsExternal() {
				if !ntype.IsPrivateExternal() || !flags.Has(tbd.AllowPrivateSymbols) {
					continue
				}
			}
			if strx >= stringsSize {
				if err := fail(); err != nil {
					return err
				}
				continue
			}

			name := strings[strx:]
			if k := bytes.IndexByte(name, 0); k >= 0 {
				name = name[:k]
			}
			if len(name) == 0 {
				continue
			}

			typ, stored := tbd.ClassifySymbol(string(name), desc.IsWeakDefined())
			ci.AddExport(bit, typ, stored)
		}
		break
	}
	return nil
}
