package tbd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/appsworld/go-tbd/internal/guard"
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/types"
)

// loadCmdContext carries the per-slice state the load-command walk
// needs: where the slice lives, how its fields are ordered, and which
// options are in force.
type loadCmdContext struct {
	r    io.ReaderAt
	arch *arch.Info
	bit  arch.Set

	is64 bool
	bo   binary.ByteOrder

	ncmds      uint32
	sizeofcmds uint32

	fullRange  types.Range
	availRange types.Range

	flags ParseFlags
	opts  Options
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// strnlen-style bounded C string extraction from a command buffer.
func boundedCString(b []byte) (string, uint32) {
	s := cstring(b)
	return s, uint32(len(s))
}

func segmentHasImageInfoSect(name string) bool {
	switch name {
	case "__DATA", "__DATA_DIRTY", "__DATA_CONST", "__OBJC":
		return true
	}
	return false
}

func isImageInfoSection(name string) bool {
	return name == "__image_info" || name == "__objc_imageinfo"
}

// parseLoadCommands walks the slice's command area once, extracting the
// identity, platform, uuid, re-export, client, umbrella, symtab and
// objc-image-info commands, then parses the symbol table the walk
// located.
func parseLoadCommands(ci *CreateInfo, lc *loadCmdContext) error {
	if lc.ncmds == 0 {
		return ErrNoLoadCommands
	}
	if lc.sizeofcmds < types.LoadCmdSize {
		return ErrLoadCommandsAreaTooSmall
	}

	minimumSize, ok := guard.MulU32(types.LoadCmdSize, lc.ncmds)
	if !ok {
		return ErrTooManyLoadCommands
	}
	if lc.sizeofcmds < minimumSize {
		return ErrTooManyLoadCommands
	}
	if uint64(lc.sizeofcmds) > lc.availRange.Size() {
		return ErrTooManyLoadCommands
	}

	// One read for the whole command area; everything below slices into
	// this buffer.
	buf := make([]byte, lc.sizeofcmds)
	if _, err := lc.r.ReadAt(buf, int64(lc.availRange.Begin)); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}

	var (
		foundIdentification bool
		foundUUID           bool
		uuid                types.UUID
		symtab              types.SymtabCmd
	)

	iter := buf
	sizeLeft := lc.sizeofcmds
	for i := uint32(0); i != lc.ncmds; i++ {
		if sizeLeft < types.LoadCmdSize {
			return ErrInvalidLoadCommand
		}

		cmd := types.LoadCmd(lc.bo.Uint32(iter[0:]))
		cmdsize := lc.bo.Uint32(iter[4:])
		if cmdsize < types.LoadCmdSize || cmdsize > sizeLeft {
			return ErrInvalidLoadCommand
		}
		sizeLeft -= cmdsize
		cmddat := iter[:cmdsize]
		iter = iter[cmdsize:]

		var err error
		switch cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			err = lc.parseSegment(ci, cmd, cmddat)

		case types.LC_ID_DYLIB:
			err = lc.parseIdentification(ci, cmddat, &foundIdentification)

		case types.LC_REEXPORT_DYLIB:
			err = lc.parseReexport(ci, cmddat)

		case types.LC_SUB_CLIENT:
			err = lc.parseSubClient(ci, cmddat)

		case types.LC_SUB_FRAMEWORK:
			err = lc.parseSubFramework(ci, cmddat)

		case types.LC_SYMTAB:
			if lc.flags.Has(IgnoreSymbols) && !lc.opts.Has(DontParseSymbolTable) {
				break
			}
			if cmdsize != types.SymtabCmdSize {
				return ErrInvalidSymbolTable
			}
			if symtab.LoadCmd == 0 {
				symtab = types.SymtabCmd{
					LoadCmd: types.LC_SYMTAB,
					Len:     cmdsize,
					Symoff:  lc.bo.Uint32(cmddat[8:]),
					Nsyms:   lc.bo.Uint32(cmddat[12:]),
					Stroff:  lc.bo.Uint32(cmddat[16:]),
					Strsize: lc.bo.Uint32(cmddat[20:]),
				}
			}

		case types.LC_UUID:
			if lc.flags.Has(IgnoreUUID) {
				break
			}
			if cmdsize != types.UUIDCmdSize {
				return ErrInvalidUUID
			}
			var u types.UUID
			copy(u[:], cmddat[8:24])
			if foundUUID {
				if !lc.opts.Has(IgnoreConflictingFields) && u != uuid {
					return ErrConflictingUUID
				}
			} else {
				uuid = u
				foundUUID = true
			}

		case types.LC_BUILD_VERSION:
			err = lc.parseBuildVersion(ci, cmddat)

		case types.LC_VERSION_MIN_MACOSX:
			err = lc.parseVersionMin(ci, cmddat, types.PlatformMacOS)
		case types.LC_VERSION_MIN_IPHONEOS:
			err = lc.parseVersionMin(ci, cmddat, types.PlatformiOS)
		case types.LC_VERSION_MIN_WATCHOS:
			err = lc.parseVersionMin(ci, cmddat, types.PlatformWatchOS)
		case types.LC_VERSION_MIN_TVOS:
			err = lc.parseVersionMin(ci, cmddat, types.PlatformTvOS)

		default:
			// Unknown commands are skipped; their cmdsize already
			// passed the walk's checks.
		}
		if err != nil {
			return err
		}
	}

	if !foundIdentification {
		return ErrNoIdentification
	}

	if !lc.flags.Has(IgnoreUUID) {
		if !foundUUID {
			return ErrNoUUID
		}
		if err := ci.addUUID(lc.arch, uuid); err != nil {
			return err
		}
	}

	if !lc.flags.Has(IgnorePlatform) && ci.Platform == types.PlatformUnknown {
		return ErrNoPlatform
	}

	if !lc.flags.Has(IgnoreSymbols) && symtab.LoadCmd != types.LC_SYMTAB {
		return ErrNoSymbolTable
	}

	ci.Symtab = symtab
	if lc.opts.Has(DontParseSymbolTable) || lc.flags.Has(IgnoreSymbols) {
		return nil
	}

	return lc.parseSymbolTable(ci, symtab)
}

func (lc *loadCmdContext) parseIdentification(ci *CreateInfo, cmddat []byte, found *bool) error {
	if lc.flags.Has(IgnoreCurrentVersion) &&
		lc.flags.Has(IgnoreCompatVersion) &&
		lc.flags.Has(IgnoreInstallName) {
		*found = true
		return nil
	}

	// dylib_command carries the install-name inline, so cmdsize is a
	// lower bound only.
	if len(cmddat) < types.DylibCmdSize {
		return ErrInvalidLoadCommand
	}

	nameOffset := lc.bo.Uint32(cmddat[8:])
	currentVersion := types.Version(lc.bo.Uint32(cmddat[16:]))
	compatVersion := types.Version(lc.bo.Uint32(cmddat[20:]))

	if nameOffset < types.DylibCmdSize || nameOffset >= uint32(len(cmddat)) {
		if lc.opts.Has(IgnoreInvalidFields) {
			*found = true
			return nil
		}
		return ErrInvalidInstallName
	}

	name, length := boundedCString(cmddat[nameOffset:])
	if length == 0 {
		if lc.opts.Has(IgnoreInvalidFields) {
			*found = true
			return nil
		}
		return ErrInvalidInstallName
	}

	if ci.InstallName != "" {
		if lc.opts.Has(IgnoreConflictingFields) {
			*found = true
			return nil
		}
		if !lc.flags.Has(IgnoreCurrentVersion) && ci.CurrentVersion != currentVersion {
			return ErrConflictingIdentification
		}
		if !lc.flags.Has(IgnoreCompatVersion) && ci.CompatVersion != compatVersion {
			return ErrConflictingIdentification
		}
		if ci.InstallName != name {
			return ErrConflictingIdentification
		}
	} else {
		if !lc.flags.Has(IgnoreCurrentVersion) {
			ci.CurrentVersion = currentVersion
		}
		if !lc.flags.Has(IgnoreCompatVersion) {
			ci.CompatVersion = compatVersion
		}
		if !lc.flags.Has(IgnoreInstallName) {
			ci.InstallName = name
			ci.InstallNameNeedsQuotes = needsQuotes(name)
		}
	}

	*found = true
	return nil
}

func (lc *loadCmdContext) parseReexport(ci *CreateInfo, cmddat []byte) error {
	if lc.flags.Has(IgnoreReexports) {
		return nil
	}
	if len(cmddat) < types.DylibCmdSize {
		return ErrInvalidLoadCommand
	}

	offset := lc.bo.Uint32(cmddat[8:])
	if offset < types.DylibCmdSize || offset >= uint32(len(cmddat)) {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidReexport
	}

	name, length := boundedCString(cmddat[offset:])
	if length == 0 {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidReexport
	}

	ci.AddExport(lc.bit, ExportReexport, name)
	return nil
}

func (lc *loadCmdContext) parseSubClient(ci *CreateInfo, cmddat []byte) error {
	if lc.flags.Has(IgnoreClients) {
		return nil
	}
	if len(cmddat) < types.SubClientCmdSize {
		return ErrInvalidLoadCommand
	}

	offset := lc.bo.Uint32(cmddat[8:])
	if offset < types.SubClientCmdSize || offset >= uint32(len(cmddat)) {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidClient
	}

	name, length := boundedCString(cmddat[offset:])
	if length == 0 {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidClient
	}

	ci.AddExport(lc.bit, ExportClient, name)
	return nil
}

func (lc *loadCmdContext) parseSubFramework(ci *CreateInfo, cmddat []byte) error {
	if lc.flags.Has(IgnoreParentUmbrella) {
		return nil
	}
	if len(cmddat) < types.SubFrameworkCmdSize {
		return ErrInvalidLoadCommand
	}

	offset := lc.bo.Uint32(cmddat[8:])
	if offset < types.SubFrameworkCmdSize || offset >= uint32(len(cmddat)) {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidParentUmbrella
	}

	umbrella, length := boundedCString(cmddat[offset:])
	if length == 0 {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidParentUmbrella
	}

	if ci.ParentUmbrella != "" {
		if lc.opts.Has(IgnoreConflictingFields) {
			return nil
		}
		if ci.ParentUmbrella != umbrella {
			return ErrConflictingParentUmbrella
		}
	} else {
		ci.ParentUmbrella = umbrella
		ci.ParentUmbrellaNeedsQuotes = needsQuotes(umbrella)
	}
	return nil
}

func (lc *loadCmdContext) parseBuildVersion(ci *CreateInfo, cmddat []byte) error {
	if lc.flags.Has(IgnorePlatform) {
		return nil
	}
	// build_version_command is followed by ntools build_tool_version
	// records, so cmdsize is a lower bound only.
	if len(cmddat) < types.BuildVersionCmdSize {
		return ErrInvalidLoadCommand
	}

	platform := types.Platform(lc.bo.Uint32(cmddat[8:]))
	if platform < types.PlatformMacOS || platform > types.PlatformBridgeOS {
		if lc.opts.Has(IgnoreInvalidFields) {
			return nil
		}
		return ErrInvalidPlatform
	}

	return lc.recordPlatform(ci, platform)
}

func (lc *loadCmdContext) parseVersionMin(ci *CreateInfo, cmddat []byte, platform types.Platform) error {
	if lc.flags.Has(IgnorePlatform) {
		return nil
	}
	if len(cmddat) != types.VersionMinCmdSize {
		return ErrInvalidLoadCommand
	}
	return lc.recordPlatform(ci, platform)
}

func (lc *loadCmdContext) recordPlatform(ci *CreateInfo, platform types.Platform) error {
	if ci.Platform != types.PlatformUnknown {
		if !lc.opts.Has(IgnoreConflictingFields) && ci.Platform != platform {
			return ErrConflictingPlatform
		}
		return nil
	}
	ci.Platform = platform
	return nil
}

func (lc *loadCmdContext) parseSegment(ci *CreateInfo, cmd types.LoadCmd, cmddat []byte) error {
	if lc.flags.Has(IgnoreObjCConstraint) && lc.flags.Has(IgnoreSwiftVersion) {
		return nil
	}

	// A segment command of the wrong word size carries nothing for us.
	want64 := cmd == types.LC_SEGMENT_64
	if want64 != lc.is64 {
		return nil
	}

	segSize := uint32(types.Segment32CmdSize)
	sectSize := uint32(types.Section32Size)
	if lc.is64 {
		segSize = types.Segment64CmdSize
		sectSize = types.Section64Size
	}
	if uint32(len(cmddat)) < segSize {
		return ErrInvalidLoadCommand
	}

	if !segmentHasImageInfoSect(cstring(cmddat[8:24])) {
		return nil
	}

	nsects := lc.bo.Uint32(cmddat[segSize-8:])
	if nsects == 0 {
		return nil
	}

	sectionsSize, ok := guard.MulU32(sectSize, nsects)
	if !ok {
		return ErrTooManySections
	}
	if sectionsSize > uint32(len(cmddat))-segSize {
		return ErrTooManySections
	}

	var swiftVersion uint32
	foundImageInfo := false
	sections := cmddat[segSize:]
	for j := uint32(0); j < nsects; j++ {
		sect := sections[j*sectSize:]
		if !isImageInfoSection(cstring(sect[0:16])) {
			continue
		}

		var sectOffset uint32
		var sectLength uint64
		if lc.is64 {
			sectLength = lc.bo.Uint64(sect[40:])
			sectOffset = lc.bo.Uint32(sect[48:])
		} else {
			sectLength = uint64(lc.bo.Uint32(sect[36:]))
			sectOffset = lc.bo.Uint32(sect[40:])
		}

		if err := lc.parseImageInfoSection(ci, sectOffset, sectLength, &swiftVersion); err != nil {
			return err
		}
		foundImageInfo = true
	}

	// A segment without an image-info section carries no swift version.
	if !foundImageInfo || lc.flags.Has(IgnoreSwiftVersion) {
		return nil
	}
	if ci.SwiftVersion != 0 {
		if !lc.opts.Has(IgnoreConflictingFields) && ci.SwiftVersion != swiftVersion {
			return ErrConflictingSwiftVersion
		}
	} else {
		ci.SwiftVersion = swiftVersion
	}
	return nil
}

// parseImageInfoSection reads the 8-byte objc_image_info record the
// section points at and folds its flags into the aggregate. Section
// offsets are slice-relative unless SectOffAbsolute puts them in the
// enclosing file's address space.
func (lc *loadCmdContext) parseImageInfoSection(ci *CreateInfo, offset uint32, length uint64, swiftVersion *uint32) error {
	if length != types.ObjCImageInfoSize {
		return ErrInvalidSection
	}

	var at uint64
	if lc.opts.Has(SectOffAbsolute) {
		at = uint64(offset)
		sectRange := types.Range{Begin: at, End: at + length}
		if !(types.Range{Begin: 0, End: lc.fullRange.End}).ContainsRange(sectRange) {
			return ErrInvalidSection
		}
	} else {
		relative := types.Range{
			Begin: lc.availRange.Begin - lc.fullRange.Begin,
			End:   lc.fullRange.Size(),
		}
		sectRange := types.Range{Begin: uint64(offset), End: uint64(offset) + length}
		if !relative.ContainsRange(sectRange) {
			return ErrInvalidSection
		}
		at = lc.fullRange.Begin + uint64(offset)
	}

	var raw [types.ObjCImageInfoSize]byte
	if _, err := lc.r.ReadAt(raw[:], int64(at)); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}
	info := types.ObjCImageInfo{
		Version: lc.bo.Uint32(raw[0:]),
		Flags:   types.ObjCImageInfoFlag(lc.bo.Uint32(raw[4:])),
	}

	if !lc.flags.Has(IgnoreObjCConstraint) {
		constraint := ObjCConstraintRetainRelease
		switch {
		case info.Flags.RequiresGC():
			constraint = ObjCConstraintGC
		case info.Flags.SupportsGC():
			constraint = ObjCConstraintRetainReleaseOrGC
		case info.Flags.IsForSimulator():
			constraint = ObjCConstraintRetainReleaseForSimulator
		}

		if ci.ObjCConstraint != ObjCConstraintNone {
			if !lc.opts.Has(IgnoreConflictingFields) && ci.ObjCConstraint != constraint {
				return ErrConflictingObjCConstraint
			}
		} else {
			ci.ObjCConstraint = constraint
		}
	}

	if !lc.flags.Has(IgnoreSwiftVersion) {
		version := info.Flags.SwiftVersion()
		if *swiftVersion != 0 {
			if *swiftVersion != version {
				return ErrConflictingSwiftVersion
			}
		} else {
			*swiftVersion = version
		}
	}
	return nil
}
