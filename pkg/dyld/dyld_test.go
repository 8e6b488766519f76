package dyld

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	tbd "github.com/appsworld/go-tbd"
	"github.com/appsworld/go-tbd/types"
)

func cacheMagic(s string) []byte {
	b := make([]byte, MagicLen)
	copy(b, s)
	return b
}

func TestArchForMagic(t *testing.T) {
	info := ArchForMagic(cacheMagic("dyld_v1  x86_64"))
	if info == nil || info.Name != "x86_64" {
		t.Fatalf("x86_64 magic resolved to %+v", info)
	}
	if info := ArchForMagic(cacheMagic("dyld_v1arm64_32")); info == nil || info.Name != "arm64_32" {
		t.Fatalf("arm64_32 magic resolved to %+v", info)
	}
	if ArchForMagic(cacheMagic("dyld_v2  x86_64")) != nil {
		t.Error("unknown prefix recognized")
	}
	if ArchForMagic(cacheMagic("dyld_v1   vax11")) != nil {
		t.Error("unknown arch recognized")
	}
	if !IsCache(cacheMagic("dyld_v1   arm64")) {
		t.Error("arm64 cache magic not recognized")
	}
}

// cacheBuilder holds raw cache bytes and has no methods; the test caches
// are assembled by buildTestCache and written out by writeTemp.
type cacheBuilder struct {
	data []byte
}

const (
	testImageOff  = 0x1000
	testImageAddr = 0x7fff20000000
	testCacheSize = 0x3000
)

func le32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func le64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// buildTestCache lays out header, one mapping, one image, the image's
// path string, and the image Mach-O at testImageOff.
func buildTestCache(t *testing.T, image []byte, localSyms []byte) []byte {
	t.Helper()
	if len(image) > testCacheSize-testImageOff-len(localSyms) {
		t.Fatalf("image too large for test layout")
	}

	data := make([]byte, testCacheSize)
	copy(data, cacheMagic("dyld_v1  x86_64"))

	le32(data, 16, HeaderSize) // mappingOffset
	le32(data, 20, 1)          // mappingCount
	le32(data, 24, HeaderSize+mappingInfoSize) // imagesOffset
	le32(data, 28, 1)          // imagesCount

	if localSyms != nil {
		lsOff := testCacheSize - len(localSyms)
		copy(data[lsOff:], localSyms)
		le64(data, 72, uint64(lsOff))
		le64(data, 80, uint64(len(localSyms)))
	}

	// Mapping covering the image region.
	m := HeaderSize
	le64(data, m+0, testImageAddr)            // address
	le64(data, m+8, testCacheSize-testImageOff) // size
	le64(data, m+16, testImageOff)            // fileOffset

	// Image record.
	img := HeaderSize + mappingInfoSize
	pathOff := img + imageInfoSize
	le64(data, img+0, testImageAddr)
	le32(data, img+24, uint32(pathOff))

	copy(data[pathOff:], "/usr/lib/libfoo.dylib\x00")
	copy(data[testImageOff:], image)
	return data
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// buildCacheImage assembles the thin 64-bit image placed at
// testImageOff, with symbol-table offsets already cache-absolute.
func buildCacheImage(t *testing.T) []byte {
	t.Helper()
	bo := binary.LittleEndian

	name := "/usr/lib/libfoo.dylib"
	payload := append([]byte(name), 0)
	for len(payload)%4 != 0 {
		payload = append(payload, 0)
	}

	idCmd := make([]byte, types.DylibCmdSize+len(payload))
	le32(idCmd, 0, uint32(types.LC_ID_DYLIB))
	le32(idCmd, 4, uint32(len(idCmd)))
	le32(idCmd, 8, types.DylibCmdSize)
	le32(idCmd, 16, 0x00010000)
	le32(idCmd, 20, 0x00010000)
	copy(idCmd[types.DylibCmdSize:], payload)

	uuidCmd := make([]byte, types.UUIDCmdSize)
	le32(uuidCmd, 0, uint32(types.LC_UUID))
	le32(uuidCmd, 4, types.UUIDCmdSize)
	uuidCmd[8] = 0xfe

	verCmd := make([]byte, types.VersionMinCmdSize)
	le32(verCmd, 0, uint32(types.LC_VERSION_MIN_MACOSX))
	le32(verCmd, 4, types.VersionMinCmdSize)

	// Symbol table directly after the commands, offsets absolute within
	// the cache file.
	strtab := []byte("\x00_cached\x00")
	sym := make([]byte, types.Nlist64Size)
	le32(sym, 0, 1) // strx -> "_cached"
	sym[4] = byte(types.N_SECT | types.N_EXT)

	symtab := make([]byte, types.SymtabCmdSize)
	sizeofcmds := len(idCmd) + len(uuidCmd) + len(verCmd) + len(symtab)
	symOff := testImageOff + types.FileHeaderSize64 + sizeofcmds
	le32(symtab, 0, uint32(types.LC_SYMTAB))
	le32(symtab, 4, types.SymtabCmdSize)
	le32(symtab, 8, uint32(symOff))
	le32(symtab, 12, 1)
	le32(symtab, 16, uint32(symOff+len(sym)))
	le32(symtab, 20, uint32(len(strtab)))

	var buf bytes.Buffer
	hdr := make([]byte, types.FileHeaderSize64)
	le32(hdr, 0, uint32(types.Magic64))
	le32(hdr, 4, uint32(types.CPUAmd64))
	le32(hdr, 8, uint32(types.CPUSubtypeX8664All))
	le32(hdr, 12, uint32(types.MH_DYLIB))
	le32(hdr, 16, 4)
	le32(hdr, 20, uint32(sizeofcmds))
	buf.Write(hdr)
	buf.Write(idCmd)
	buf.Write(uuidCmd)
	buf.Write(verCmd)
	buf.Write(symtab)
	buf.Write(sym)
	buf.Write(strtab)
	return buf.Bytes()
}

func TestParseCache(t *testing.T) {
	data := buildTestCache(t, buildCacheImage(t), nil)
	cache, err := Open(writeTemp(t, data), VerifyImagePathOffsets)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cache.Close()

	if cache.Arch == nil || cache.Arch.Name != "x86_64" {
		t.Fatalf("cache arch = %+v", cache.Arch)
	}
	if len(cache.Images) != 1 || len(cache.Mappings) != 1 {
		t.Fatalf("images=%d mappings=%d", len(cache.Images), len(cache.Mappings))
	}

	var paths []string
	cache.EachImage(func(img *ImageInfo, path string) bool {
		paths = append(paths, path)
		return true
	})
	if len(paths) != 1 || paths[0] != "/usr/lib/libfoo.dylib" {
		t.Fatalf("paths = %v", paths)
	}

	ci := tbd.NewCreateInfo()
	if err := cache.ParseImage(ci, &cache.Images[0], 0, 0); err != nil {
		t.Fatalf("ParseImage failed: %v", err)
	}
	if ci.InstallName != "/usr/lib/libfoo.dylib" {
		t.Errorf("install name = %q", ci.InstallName)
	}
	if !ci.Archs.Has(48) {
		t.Errorf("archs = %b", uint64(ci.Archs))
	}
	if ci.Exports.Len() != 1 || ci.Exports.At(0).String != "_cached" {
		t.Errorf("exports = %+v", ci.Exports.Items())
	}
	if ci.UUIDs.Len() != 1 {
		t.Errorf("uuids = %d", ci.UUIDs.Len())
	}
}

func TestParseCacheLocalSymbols(t *testing.T) {
	// Local-symbols region: info header, one entry for the image, one
	// nlist, and its strings.
	strtab := []byte("\x00_local_only\x00")
	nlist := make([]byte, types.Nlist64Size)
	le32(nlist, 0, 1)
	nlist[4] = byte(types.N_SECT | types.N_EXT)

	region := make([]byte, localSymbolsInfoSize+localSymbolsEntrySize+len(nlist)+len(strtab))
	nlistOff := localSymbolsInfoSize + localSymbolsEntrySize
	strsOff := nlistOff + len(nlist)
	entriesOff := localSymbolsInfoSize

	le32(region, 0, uint32(nlistOff))
	le32(region, 4, 1)
	le32(region, 8, uint32(strsOff))
	le32(region, 12, uint32(len(strtab)))
	le32(region, 16, uint32(entriesOff))
	le32(region, 20, 1)

	le32(region, entriesOff+0, testImageOff) // dylibOffset
	le32(region, entriesOff+4, 0)            // nlistStartIndex
	le32(region, entriesOff+8, 1)            // nlistCount

	copy(region[nlistOff:], nlist)
	copy(region[strsOff:], strtab)

	data := buildTestCache(t, buildCacheImage(t), region)
	cache, err := Open(writeTemp(t, data), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cache.Close()

	ci := tbd.NewCreateInfo()
	if err := cache.ParseImage(ci, &cache.Images[0], 0, 0); err != nil {
		t.Fatalf("ParseImage failed: %v", err)
	}

	var names []string
	for _, e := range ci.Exports.Items() {
		names = append(names, e.String)
	}
	if len(names) != 2 || names[0] != "_cached" || names[1] != "_local_only" {
		t.Errorf("exports = %v", names)
	}
}

func TestMappingOffsetPastEOF(t *testing.T) {
	data := buildTestCache(t, buildCacheImage(t), nil)
	le32(data, 16, testCacheSize+10)

	_, err := Open(writeTemp(t, data), 0)
	if !errors.Is(err, tbd.ErrInvalidMappings) {
		t.Fatalf("expected ErrInvalidMappings, got %v", err)
	}
}

func TestOverlappingMappings(t *testing.T) {
	data := buildTestCache(t, buildCacheImage(t), nil)

	// Rebuild with two mappings whose file ranges collide. The image
	// array moves past the second mapping record.
	le32(data, 20, 2)
	le32(data, 24, HeaderSize+2*mappingInfoSize)

	// The second mapping record lands where the image record was; its
	// file range starts inside the first mapping's.
	m2 := HeaderSize + mappingInfoSize
	le64(data, m2+0, testImageAddr+0x100000)
	le64(data, m2+8, 0x1000)
	le64(data, m2+16, testImageOff+0x10)

	img2 := HeaderSize + 2*mappingInfoSize
	le64(data, img2+0, testImageAddr)
	pathOff := img2 + imageInfoSize
	le32(data, img2+24, uint32(pathOff))

	_, err := Open(writeTemp(t, data), 0)
	if !errors.Is(err, tbd.ErrOverlappingMappings) {
		t.Fatalf("expected ErrOverlappingMappings, got %v", err)
	}
}
