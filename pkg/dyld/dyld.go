// Package dyld parses dyld shared-cache files and extracts per-image
// text-stub information by re-entering the Mach-O parser over the
// mapped cache.
package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	tbd "github.com/appsworld/go-tbd"
	"github.com/appsworld/go-tbd/internal/guard"
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/types"
)

// MagicLen is the length of the cache magic at offset 0.
const MagicLen = 16

// HeaderSize is the size of the legacy dyld_cache_header layout every
// cache variant starts with, including the magic.
const HeaderSize = 104

const (
	mappingInfoSize = 40
	imageInfoSize   = 32
)

// A Header is the fixed front of a cache file, fields after the magic.
type Header struct {
	MappingOffset      uint32
	MappingCount       uint32
	ImagesOffset       uint32
	ImagesCount        uint32
	DyldBaseAddress    uint64
	CodeSignatureOffset uint64
	CodeSignatureSize  uint64
	SlideInfoOffset    uint64
	SlideInfoSize      uint64
	LocalSymbolsOffset uint64
	LocalSymbolsSize   uint64
	UUID               types.UUID
}

// A MappingInfo is one dyld_cache_mapping_info record; mappings cover
// entire swaths of the file the way segments cover a Mach-O.
type MappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// An ImageInfo is one dyld_cache_image_info record.
type ImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// Options tune cache-level validation and side effects.
type Options uint64

const (
	// VerifyImagePathOffsets requires every image path to live in the
	// region past the mapping and image arrays.
	VerifyImagePathOffsets Options = 1 << iota

	// ZeroImagePads clears each image's reserved pad field in the
	// private mapping.
	ZeroImagePads
)

func (o Options) Has(opt Options) bool { return o&opt != 0 }

// cacheMagics binds each known 16-byte magic to its architecture; the
// arch-table entry's index supplies the arch bit.
var cacheMagics = map[string]struct {
	cpu types.CPU
	sub types.CPUSubtype
}{
	"dyld_v1    i386": {types.CPU386, types.CPUSubtypeI386All},
	"dyld_v1  x86_64": {types.CPUAmd64, types.CPUSubtypeX8664All},
	"dyld_v1 x86_64h": {types.CPUAmd64, types.CPUSubtypeX86_64H},
	"dyld_v1   armv5": {types.CPUArm, types.CPUSubtypeArmV5Tej},
	"dyld_v1   armv6": {types.CPUArm, types.CPUSubtypeArmV6},
	"dyld_v1   armv7": {types.CPUArm, types.CPUSubtypeArmV7},
	"dyld_v1  armv7f": {types.CPUArm, types.CPUSubtypeArmV7F},
	"dyld_v1  armv7k": {types.CPUArm, types.CPUSubtypeArmV7K},
	"dyld_v1  armv7s": {types.CPUArm, types.CPUSubtypeArmV7S},
	"dyld_v1  armv6m": {types.CPUArm, types.CPUSubtypeArmV6M},
	"dyld_v1   arm64": {types.CPUArm64, types.CPUSubtypeArm64All},
	"dyld_v1  arm64e": {types.CPUArm64, types.CPUSubtypeArm64E},
	"dyld_v1arm64_32": {types.CPUArm6432, types.CPUSubtypeArm64All},
}

// ArchForMagic resolves a cache magic to its architecture, or nil when
// the magic does not name a cache this parser understands.
func ArchForMagic(magic []byte) *arch.Info {
	if len(magic) < MagicLen {
		return nil
	}
	trimmed := string(bytes.TrimRight(magic[:MagicLen], "\x00"))
	m, ok := cacheMagics[trimmed]
	if !ok {
		return nil
	}
	return arch.ForCPU(m.cpu, m.sub)
}

// IsCache reports whether the first bytes of a file carry a recognized
// shared-cache magic.
func IsCache(magic []byte) bool {
	return ArchForMagic(magic) != nil
}

// A Cache is an open, validated, memory-mapped shared cache.
type Cache struct {
	Header   Header
	Mappings []MappingInfo
	Images   []ImageInfo
	Arch     *arch.Info

	// AvailableRange is where image paths and image headers may
	// legitimately live: past the mapping and image arrays.
	AvailableRange types.Range

	data mmap.MMap
	size uint64
}

// Open opens and parses the cache at path. The returned cache holds a
// private copy-on-write mapping until Close.
func Open(path string, opts Options) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, opts)
}

// Parse validates the cache header, mappings and images, then maps the
// whole file. The header is validated before mapping so obviously
// malformed files never cost an mmap.
func Parse(f *os.File, opts Options) (*Cache, error) {
	var raw [HeaderSize]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %v", tbd.ErrReadFail, err)
	}

	info := ArchForMagic(raw[:MagicLen])
	if info == nil {
		return nil, tbd.ErrNotCache
	}

	// Cache files are always little-endian.
	bo := binary.LittleEndian
	hdr := Header{
		MappingOffset:       bo.Uint32(raw[16:]),
		MappingCount:        bo.Uint32(raw[20:]),
		ImagesOffset:        bo.Uint32(raw[24:]),
		ImagesCount:         bo.Uint32(raw[28:]),
		DyldBaseAddress:     bo.Uint64(raw[32:]),
		CodeSignatureOffset: bo.Uint64(raw[40:]),
		CodeSignatureSize:   bo.Uint64(raw[48:]),
		SlideInfoOffset:     bo.Uint64(raw[56:]),
		SlideInfoSize:       bo.Uint64(raw[64:]),
		LocalSymbolsOffset:  bo.Uint64(raw[72:]),
		LocalSymbolsSize:    bo.Uint64(raw[80:]),
	}
	copy(hdr.UUID[:], raw[88:104])

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tbd.ErrStatFail, err)
	}
	size := uint64(fi.Size())

	// The mapping and image arrays must lie strictly past the header
	// and strictly inside the file. Caches carry no version field, so
	// validation stays deliberately shallow beyond that.
	noHeader := types.Range{Begin: HeaderSize, End: size}
	if !noHeader.ContainsLocation(uint64(hdr.MappingOffset)) {
		return nil, tbd.ErrInvalidMappings
	}
	if !noHeader.ContainsLocation(uint64(hdr.ImagesOffset)) {
		return nil, tbd.ErrInvalidImages
	}

	mappingsSize, ok := guard.MulU64(mappingInfoSize, uint64(hdr.MappingCount))
	if !ok {
		return nil, tbd.ErrInvalidMappings
	}
	mappingsEnd, ok := guard.AddU64(uint64(hdr.MappingOffset), mappingsSize)
	if !ok || !noHeader.ContainsEnd(mappingsEnd) {
		return nil, tbd.ErrInvalidMappings
	}

	imagesSize, ok := guard.MulU64(imageInfoSize, uint64(hdr.ImagesCount))
	if !ok {
		return nil, tbd.ErrInvalidImages
	}
	imagesEnd, ok := guard.AddU64(uint64(hdr.ImagesOffset), imagesSize)
	if !ok || !noHeader.ContainsEnd(imagesEnd) {
		return nil, tbd.ErrInvalidImages
	}

	mappingsRange := types.Range{Begin: uint64(hdr.MappingOffset), End: mappingsEnd}
	imagesRange := types.Range{Begin: uint64(hdr.ImagesOffset), End: imagesEnd}
	if mappingsRange.Overlaps(imagesRange) {
		return nil, tbd.ErrOverlappingRanges
	}

	// Private copy-on-write mapping: zeroing image pads writes the
	// copy, never the file.
	data, err := mmap.MapRegion(f, int(size), mmap.COPY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tbd.ErrMmapFail, err)
	}

	c := &Cache{
		Header: hdr,
		Arch:   info,
		data:   data,
		size:   size,
	}

	fullRange := types.Range{Begin: 0, End: size}
	c.Mappings = make([]MappingInfo, hdr.MappingCount)
	for i := range c.Mappings {
		rec := data[uint64(hdr.MappingOffset)+uint64(i)*mappingInfoSize:]
		c.Mappings[i] = MappingInfo{
			Address:    bo.Uint64(rec[0:]),
			Size:       bo.Uint64(rec[8:]),
			FileOffset: bo.Uint64(rec[16:]),
			MaxProt:    bo.Uint32(rec[24:]),
			InitProt:   bo.Uint32(rec[28:]),
		}

		// Address ranges stay unchecked; only the file ranges matter
		// here and they must not collide.
		m := &c.Mappings[i]
		fileEnd, ok := guard.AddU64(m.FileOffset, m.Size)
		if !ok {
			c.Close()
			return nil, tbd.ErrOverlappingMappings
		}
		fileRange := types.Range{Begin: m.FileOffset, End: fileEnd}
		if !fullRange.ContainsRange(fileRange) {
			c.Close()
			return nil, tbd.ErrInvalidMappings
		}
		for _, prev := range c.Mappings[:i] {
			prevRange := types.Range{Begin: prev.FileOffset, End: prev.FileOffset + prev.Size}
			if fileRange.Overlaps(prevRange) {
				c.Close()
				return nil, tbd.ErrOverlappingMappings
			}
		}
	}

	availBegin := imagesEnd
	if availBegin < mappingsEnd {
		availBegin = mappingsEnd
	}
	c.AvailableRange = types.Range{Begin: availBegin, End: size}

	c.Images = make([]ImageInfo, hdr.ImagesCount)
	for i := range c.Images {
		off := uint64(hdr.ImagesOffset) + uint64(i)*imageInfoSize
		rec := data[off:]
		c.Images[i] = ImageInfo{
			Address:        bo.Uint64(rec[0:]),
			ModTime:        bo.Uint64(rec[8:]),
			Inode:          bo.Uint64(rec[16:]),
			PathFileOffset: bo.Uint32(rec[24:]),
			Pad:            bo.Uint32(rec[28:]),
		}

		if opts.Has(VerifyImagePathOffsets) {
			if !c.AvailableRange.ContainsLocation(uint64(c.Images[i].PathFileOffset)) {
				c.Close()
				return nil, tbd.ErrInvalidImages
			}
		}
		if opts.Has(ZeroImagePads) {
			c.Images[i].Pad = 0
			bo.PutUint32(data[off+28:], 0)
		}
	}

	return c, nil
}

// Close unmaps the cache, which is dead afterwards. Strings read out of
// the mapping (image paths, parsed stub fields) are copies and stay
// valid.
func (c *Cache) Close() error {
	if c.data == nil {
		return nil
	}
	err := c.data.Unmap()
	c.data = nil
	c.Mappings = nil
	c.Images = nil
	c.Arch = nil
	c.size = 0
	return err
}

// Size returns the cache file's size in bytes.
func (c *Cache) Size() uint64 { return c.size }
