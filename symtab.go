package tbd

import (
	"fmt"
	"strings"

	"github.com/appsworld/go-tbd/internal/guard"
	"github.com/appsworld/go-tbd/types"
)

// parseSymbolTable reads the slice's nlist and string tables and
// classifies every entry into exports or undefined imports.
func (lc *loadCmdContext) parseSymbolTable(ci *CreateInfo, symtab types.SymtabCmd) error {
	entrySize := uint64(types.Nlist32Size)
	if lc.is64 {
		entrySize = types.Nlist64Size
	}

	// With SectOffAbsolute in force (shared-cache images) the symtab
	// offsets address the enclosing file, not the slice.
	base := lc.fullRange.Begin
	limit := lc.fullRange.Size()
	if lc.opts.Has(SectOffAbsolute) {
		base = 0
		limit = lc.fullRange.End
	}

	symsSize, ok := guard.MulU64(entrySize, uint64(symtab.Nsyms))
	if !ok {
		return ErrInvalidSymbolTable
	}
	symsEnd, ok := guard.AddU64(uint64(symtab.Symoff), symsSize)
	if !ok || symsEnd > limit {
		return ErrInvalidSymbolTable
	}
	strsEnd, ok := guard.AddU64(uint64(symtab.Stroff), uint64(symtab.Strsize))
	if !ok || strsEnd > limit {
		return ErrInvalidSymbolTable
	}

	if symtab.Nsyms == 0 || symtab.Strsize == 0 {
		return nil
	}

	symdat := make([]byte, symsSize)
	if _, err := lc.r.ReadAt(symdat, int64(base+uint64(symtab.Symoff))); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}
	strtab := make([]byte, symtab.Strsize)
	if _, err := lc.r.ReadAt(strtab, int64(base+uint64(symtab.Stroff))); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFail, err)
	}

	return lc.classifySymbols(ci, symdat, strtab, symtab.Nsyms, entrySize)
}

func (lc *loadCmdContext) classifySymbols(ci *CreateInfo, symdat, strtab []byte, nsyms uint32, entrySize uint64) error {
	for i := uint32(0); i < nsyms; i++ {
		entry := symdat[uint64(i)*entrySize:]
		strx := lc.bo.Uint32(entry[0:])
		ntype := types.NType(entry[4])
		desc := types.NDescFlag(lc.bo.Uint16(entry[6:8]))

		if ntype.IsDebugSym() {
			continue
		}

		undefined := false
		switch {
		case ntype.IsDefinedInSection():
			if !ntype.IsExternal() {
				if !ntype.IsPrivateExternal() || !lc.flags.Has(AllowPrivateSymbols) {
					continue
				}
			}
		case ntype.IsUndefined() && ntype.IsExternal() && lc.flags.Has(ParseUndefineds):
			undefined = true
		default:
			continue
		}

		if strx >= uint32(len(strtab)) {
			if lc.opts.Has(IgnoreInvalidFields) {
				continue
			}
			return ErrInvalidSymbolTable
		}

		name, length := boundedCString(strtab[strx:])
		if length == 0 {
			if lc.opts.Has(IgnoreInvalidFields) {
				continue
			}
			return ErrInvalidSymbolTable
		}

		typ, stored := ClassifySymbol(name, desc.IsWeakDefined())
		if undefined {
			ci.AddUndefined(lc.bit, typ, stored)
		} else {
			ci.AddExport(lc.bit, typ, stored)
		}
	}
	return nil
}

// ClassifySymbol buckets a symbol by prefix, first match winning,
// and returns the string the stub records (the bare class or ivar name
// for the Objective-C spellings, the full symbol otherwise).
func ClassifySymbol(name string, weak bool) (ExportType, string) {
	switch {
	case strings.HasPrefix(name, ".objc_class_name_"):
		return ExportObjCClass, name[len(".objc_class_name_"):]
	case strings.HasPrefix(name, "_OBJC_CLASS_$_"):
		return ExportObjCClass, name[len("_OBJC_CLASS_$_"):]
	case strings.HasPrefix(name, "_OBJC_METACLASS_$_"):
		return ExportObjCClass, name[len("_OBJC_METACLASS_$_"):]
	case strings.HasPrefix(name, "_OBJC_IVAR_$_"):
		return ExportObjCIvar, name[len("_OBJC_IVAR_$_"):]
	case strings.HasPrefix(name, "_$ld$"):
		return ExportWeakSymbol, name
	case weak:
		return ExportWeakSymbol, name
	}
	return ExportSymbol, name
}
