package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	tbd "github.com/appsworld/go-tbd"
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/pkg/dyld"
)

var (
	createOutput         string
	createRecurse        string
	createArchs          []string
	createSkipInvalid    bool
	createAllowMissing   bool
	createLenient        bool
	createIgnoreConflict bool
	createIgnored        []string
)

var ignoreFlagNames = map[string]tbd.ParseFlags{
	"platform":              tbd.IgnorePlatform,
	"current-version":       tbd.IgnoreCurrentVersion,
	"compatibility-version": tbd.IgnoreCompatVersion,
	"install-name":          tbd.IgnoreInstallName,
	"reexports":             tbd.IgnoreReexports,
	"clients":               tbd.IgnoreClients,
	"parent-umbrella":       tbd.IgnoreParentUmbrella,
	"symbols":               tbd.IgnoreSymbols,
	"uuid":                  tbd.IgnoreUUID,
	"objc-constraint":       tbd.IgnoreObjCConstraint,
	"swift-version":         tbd.IgnoreSwiftVersion,
}

var createCmd = &cobra.Command{
	Use:   "create <path>...",
	Short: "Write .tbd stubs for Mach-O libraries or a dyld shared cache",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createOutput, "output", "o", "", "output file or directory (default: next to input)")
	createCmd.Flags().StringSliceVarP(&createArchs, "archs", "a", nil, "architectures to record instead of the ones in the mach-o (i386, x86_64, arm64, ...)")
	createCmd.Flags().StringVarP(&createRecurse, "recurse", "r", "", "recurse directories: once or all")
	createCmd.Flags().Lookup("recurse").NoOptDefVal = "all"
	createCmd.Flags().BoolVar(&createSkipInvalid, "skip-invalid-archs", false, "don't fail a fat file on one bad slice")
	createCmd.Flags().BoolVar(&createAllowMissing, "ignore-missing-exports", false, "allow libraries exporting nothing")
	createCmd.Flags().BoolVar(&createLenient, "ignore-invalid-fields", false, "skip malformed load-commands instead of failing")
	createCmd.Flags().BoolVar(&createIgnoreConflict, "ignore-conflicting-fields", false, "keep the first value when slices disagree")
	createCmd.Flags().StringSliceVar(&createIgnored, "ignore", nil, "fields to skip (platform, symbols, uuid, ...)")
}

func createParseConfig() (tbd.ParseFlags, tbd.Options, error) {
	var flags tbd.ParseFlags
	for _, name := range createIgnored {
		flag, ok := ignoreFlagNames[name]
		if !ok {
			return 0, 0, fmt.Errorf("unrecognized field %q for --ignore", name)
		}
		flags |= flag
	}
	if createAllowMissing {
		flags |= tbd.IgnoreMissingExports
	}

	var opts tbd.Options
	if createSkipInvalid {
		opts |= tbd.SkipInvalidArchitectures
	}
	if createLenient {
		opts |= tbd.IgnoreInvalidFields
	}
	if createIgnoreConflict {
		opts |= tbd.IgnoreConflictingFields
	}
	return flags, opts, nil
}

// resolveArchOverride maps the --archs names onto their arch-table
// bits; an empty flag means "record what the binary carries".
func resolveArchOverride() (arch.Set, error) {
	var set arch.Set
	for _, name := range createArchs {
		info := arch.ForName(name)
		if info == nil {
			return 0, fmt.Errorf("unrecognized architecture %q for --archs", name)
		}
		set.Add(arch.Index(info))
	}
	return set, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	flags, opts, err := createParseConfig()
	if err != nil {
		return err
	}
	override, err := resolveArchOverride()
	if err != nil {
		return err
	}

	var paths []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if createRecurse == "" {
				return fmt.Errorf("%s is a directory; use --recurse to walk it", arg)
			}
			found, err := collectLibraries(arg, createRecurse == "once")
			if err != nil {
				return err
			}
			paths = append(paths, found...)
		} else {
			paths = append(paths, arg)
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to parse")
	}

	var bar *progressbar.ProgressBar
	if len(paths) > 1 {
		bar = progressbar.Default(int64(len(paths)), "creating stubs")
	}

	failed := 0
	for _, path := range paths {
		if err := createOne(path, flags, opts, override); err != nil {
			log.WithError(err).WithField("path", path).Error("failed to create stub")
			failed++
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

// collectLibraries walks dir for regular files that look like Mach-O or
// cache inputs, descending into subdirectories unless once is set.
func collectLibraries(dir string, once bool) ([]string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if once && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.Size() < 4 {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Debug("skipping unreadable file")
			return nil
		}
		defer f.Close()

		var magic [dyld.MagicLen]byte
		if _, err := f.ReadAt(magic[:], 0); err != nil {
			return nil
		}
		if isMachOMagic(magic[:4]) || dyld.IsCache(magic[:]) {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

func isMachOMagic(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	switch {
	case b[0] == 0xfe && b[1] == 0xed && b[2] == 0xfa: // big-endian thin
		return true
	case b[3] == 0xfe && b[2] == 0xed && b[1] == 0xfa: // little-endian thin
		return true
	case b[0] == 0xca && b[1] == 0xfe && b[2] == 0xba: // fat
		return true
	case b[3] == 0xca && b[2] == 0xfe && b[1] == 0xba: // fat, swapped
		return true
	}
	return false
}

func createOne(path string, flags tbd.ParseFlags, opts tbd.Options, override arch.Set) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var magic [dyld.MagicLen]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return fmt.Errorf("%w: %v", tbd.ErrReadFail, err)
	}

	if dyld.IsCache(magic[:]) {
		return createFromCache(path, flags, opts, override)
	}

	ci, err := tbd.ParseFile(f, flags, opts)
	if err != nil {
		return err
	}
	if !override.Empty() {
		ci.OverrideArchs(override)
	}
	log.WithFields(log.Fields{
		"path":  path,
		"archs": strings.Join(ci.Archs.Names(), ", "),
	}).Debug("parsed mach-o")

	return writeStub(stubPath(path, ci), ci)
}

// createFromCache emits one stub per cache image, under the output
// directory when one is given.
func createFromCache(path string, flags tbd.ParseFlags, opts tbd.Options, override arch.Set) error {
	cache, err := dyld.Open(path, dyld.VerifyImagePathOffsets)
	if err != nil {
		return err
	}
	defer cache.Close()

	outDir := createOutput
	if outDir == "" {
		outDir = path + ".tbds"
	}

	var firstErr error
	cache.EachImage(func(img *dyld.ImageInfo, imagePath string) bool {
		ci := tbd.NewCreateInfo()
		if err := cache.ParseImage(ci, img, flags, opts); err != nil {
			log.WithError(err).WithField("image", imagePath).Warn("skipping image")
			return true
		}
		if !override.Empty() {
			ci.OverrideArchs(override)
		}

		out := filepath.Join(outDir, imagePath+".tbd")
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			firstErr = err
			return false
		}
		if err := writeStub(out, ci); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	return firstErr
}

func stubPath(input string, ci *tbd.CreateInfo) string {
	switch {
	case createOutput == "-":
		return "-"
	case createOutput == "":
		return filepath.Join(filepath.Dir(input), tbd.Filename(ci))
	case strings.HasSuffix(createOutput, ".tbd"):
		return createOutput
	default:
		return filepath.Join(createOutput, tbd.Filename(ci))
	}
}

func writeStub(path string, ci *tbd.CreateInfo) error {
	if path == "-" {
		return tbd.WriteTBD(os.Stdout, ci)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tbd.WriteTBD(f, ci); err != nil {
		return err
	}
	log.WithField("path", path).Info("wrote stub")
	return nil
}
