package tbd

// A ParseError is one of the fixed failure codes the parsers return.
// Errors travel up as values; callers match them with errors.Is even
// when wrapped with additional context.
type ParseError uint32

const (
	ErrNotMachO ParseError = iota + 1
	ErrNotCache
	ErrReadFail
	ErrSeekFail
	ErrStatFail
	ErrAllocFail
	ErrMmapFail
	ErrSizeTooSmall
	ErrTooManyArchitectures
	ErrNoArchitectures
	ErrNoValidArchitectures
	ErrInvalidArchitecture
	ErrOverlappingArchitectures
	ErrNoLoadCommands
	ErrInvalidLoadCommand
	ErrTooManyLoadCommands
	ErrLoadCommandsAreaTooSmall
	ErrTooManySections
	ErrInvalidSection
	ErrInvalidInstallName
	ErrInvalidReexport
	ErrInvalidClient
	ErrInvalidParentUmbrella
	ErrInvalidPlatform
	ErrInvalidSymbolTable
	ErrInvalidUUID
	ErrInvalidImages
	ErrInvalidMappings
	ErrOverlappingMappings
	ErrOverlappingRanges
	ErrUnsupportedCputype
	ErrMultipleArchsForCputype
	ErrConflictingPlatform
	ErrConflictingIdentification
	ErrConflictingParentUmbrella
	ErrConflictingUUID
	ErrConflictingObjCConstraint
	ErrConflictingSwiftVersion
	ErrConflictingFlags
	ErrNoIdentification
	ErrNoPlatform
	ErrNoSymbolTable
	ErrNoUUID
	ErrNoExports
	ErrArrayFail
)

var parseErrorStrings = map[ParseError]string{
	ErrNotMachO:                  "not a mach-o file",
	ErrNotCache:                  "not a dyld shared-cache file",
	ErrReadFail:                  "failed to read from file",
	ErrSeekFail:                  "failed to seek in file",
	ErrStatFail:                  "failed to stat file",
	ErrAllocFail:                 "failed to allocate memory",
	ErrMmapFail:                  "failed to map file into memory",
	ErrSizeTooSmall:              "file is too small",
	ErrTooManyArchitectures:      "file has too many architectures",
	ErrNoArchitectures:           "file has no architectures",
	ErrNoValidArchitectures:      "file has no valid architectures",
	ErrInvalidArchitecture:       "file has an invalid architecture",
	ErrOverlappingArchitectures:  "file has overlapping architectures",
	ErrNoLoadCommands:            "mach-o has no load-commands",
	ErrInvalidLoadCommand:        "mach-o has an invalid load-command",
	ErrTooManyLoadCommands:       "mach-o has too many load-commands",
	ErrLoadCommandsAreaTooSmall:  "mach-o load-commands area is too small",
	ErrTooManySections:           "segment has too many sections",
	ErrInvalidSection:            "segment has an invalid section",
	ErrInvalidInstallName:        "mach-o has an invalid install-name",
	ErrInvalidReexport:           "mach-o has an invalid re-export",
	ErrInvalidClient:             "mach-o has an invalid client",
	ErrInvalidParentUmbrella:     "mach-o has an invalid parent-umbrella",
	ErrInvalidPlatform:           "mach-o has an invalid platform",
	ErrInvalidSymbolTable:        "mach-o has an invalid symbol-table",
	ErrInvalidUUID:               "mach-o has an invalid uuid",
	ErrInvalidImages:             "shared-cache has an invalid image list",
	ErrInvalidMappings:           "shared-cache has an invalid mapping list",
	ErrOverlappingMappings:       "shared-cache has overlapping mappings",
	ErrOverlappingRanges:         "shared-cache has overlapping ranges",
	ErrUnsupportedCputype:        "mach-o has an unsupported cputype",
	ErrMultipleArchsForCputype:   "file has multiple architectures for one cputype",
	ErrConflictingPlatform:       "architectures disagree on platform",
	ErrConflictingIdentification: "architectures disagree on identification",
	ErrConflictingParentUmbrella: "architectures disagree on parent-umbrella",
	ErrConflictingUUID:           "architectures disagree on uuid",
	ErrConflictingObjCConstraint: "architectures disagree on objc-constraint",
	ErrConflictingSwiftVersion:   "architectures disagree on swift-version",
	ErrConflictingFlags:          "architectures disagree on header flags",
	ErrNoIdentification:          "mach-o has no identification (LC_ID_DYLIB)",
	ErrNoPlatform:                "mach-o has no platform",
	ErrNoSymbolTable:             "mach-o has no symbol-table",
	ErrNoUUID:                    "mach-o has no uuid",
	ErrNoExports:                 "file has no exported symbols",
	ErrArrayFail:                 "internal array operation failed",
}

func (e ParseError) Error() string {
	if s, ok := parseErrorStrings[e]; ok {
		return s
	}
	return "unknown parse failure"
}
