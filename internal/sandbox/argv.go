package sandbox

import (
	"fmt"
	"path"

	"github.com/standardbeagle/nit/internal/metadata"
)

// ExpandArgv renders an argv template against a batch. {files} splices the
// batch as one guest path per argv token, {file} is the single batch path
// (per-file mode only), {root} is the repository root as the module sees it.
func ExpandArgv(c metadata.Contract, files []string) ([]string, error) {
	argv := make([]string, 0, len(c.ArgvTemplate)+len(files))
	for _, tok := range c.ArgvTemplate {
		switch tok {
		case metadata.PlaceholderFiles:
			for _, f := range files {
				argv = append(argv, guestPath(f))
			}
		case metadata.PlaceholderFile:
			if c.Mode != metadata.ModePerFile {
				return nil, fmt.Errorf("%s placeholder outside %s mode", metadata.PlaceholderFile, metadata.ModePerFile)
			}
			if len(files) != 1 {
				return nil, fmt.Errorf("%s placeholder needs exactly one file, batch has %d", metadata.PlaceholderFile, len(files))
			}
			argv = append(argv, guestPath(files[0]))
		case metadata.PlaceholderRoot:
			argv = append(argv, GuestRoot)
		default:
			argv = append(argv, tok)
		}
	}
	return argv, nil
}

// guestPath maps a repository-relative path to its sandbox location.
func guestPath(rel string) string {
	return path.Join(GuestRoot, rel)
}
