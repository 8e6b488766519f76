package tbd

// ParseFlags select what a whole-file parse collects. Any ignored field
// is neither validated nor required afterwards.
type ParseFlags uint64

const (
	IgnorePlatform ParseFlags = 1 << iota
	IgnoreCurrentVersion
	IgnoreCompatVersion
	IgnoreInstallName
	IgnoreReexports
	IgnoreClients
	IgnoreParentUmbrella
	IgnoreSymbols
	IgnoreUUID
	IgnoreObjCConstraint
	IgnoreSwiftVersion
	IgnoreMissingExports

	// ParseUndefineds also records undefined external imports, which
	// flat-namespace stubs list alongside exports.
	ParseUndefineds

	// AllowPrivateSymbols keeps symbols whose only external marking is
	// the private-external bit.
	AllowPrivateSymbols
)

func (f ParseFlags) Has(flag ParseFlags) bool { return f&flag != 0 }

// Options tune the parser's strictness and addressing, independent of
// which fields are collected.
type Options uint64

const (
	// IgnoreInvalidFields downgrades field-level anomalies (zero-length
	// strings, offsets inside a command's fixed part, unknown
	// platforms) from failures to skips of the containing command.
	IgnoreInvalidFields Options = 1 << iota

	// IgnoreConflictingFields keeps the first value of a field and
	// ignores later cross-slice mismatches.
	IgnoreConflictingFields

	// SkipInvalidArchitectures drops fat slices whose mach-o cannot be
	// parsed instead of failing the whole file.
	SkipInvalidArchitectures

	// SectOffAbsolute treats section offsets as absolute within the
	// enclosing file rather than relative to the mach-o slice; shared
	// cache images store cache-absolute offsets.
	SectOffAbsolute

	// DontParseSymbolTable stops after the load-command walk, leaving
	// only the symbol-table location behind.
	DontParseSymbolTable
)

func (o Options) Has(opt Options) bool { return o&opt != 0 }
