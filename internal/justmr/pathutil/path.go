package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize resolves path to an absolute, symlink-free form - the
// building block §6's run-control location resolution ("produces an
// absolute canonical pair") is built on.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathutil: %q: %w", path, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// a not-yet-existing path (e.g. a location we are about to create)
		// is not an error: canonicalize as far as the filesystem allows.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("pathutil: %q: %w", path, err)
	}
	return real, nil
}

// StripPrefix removes prefix from path (without a leading "/" left behind).
// path must start with prefix - grounded on git-backup's util.go
// strip_prefix, generalized to return an error instead of panicking.
func StripPrefix(prefix, path string) (string, error) {
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("pathutil: %q has no prefix %q", path, prefix)
	}
	rest := path[len(prefix):]
	for strings.HasPrefix(rest, "/") {
		rest = rest[1:]
	}
	return rest, nil
}

// Reprefix rewrites path from one prefix to another - e.g. for substituting
// a fetched tree's source directory for the repo_path recorded against its
// TreeID. Grounded on util.go's reprefix.
func Reprefix(prefixFrom, prefixTo, path string) (string, error) {
	rest, err := StripPrefix(prefixFrom, path)
	if err != nil {
		return "", err
	}
	return filepath.Join(prefixTo, rest), nil
}

// TmpDir is a scoped, typed temporary directory: NewTmpDir creates it, Close
// removes it recursively. Every stage of §4.6 that needs working storage
// (the generator's working directory, a retrieve-to-CAS staging area, a
// fetch-via-tmp-repo checkout) asks for one of these rather than calling
// os.MkdirTemp directly, so cleanup is never forgotten on an error path.
type TmpDir struct {
	path string
}

// NewTmpDir creates a fresh temporary directory under parent (os.TempDir()
// if parent is empty) named after pattern, with its last "*" replaced by a
// random string (or the string appended if pattern has no "*"), per
// os.MkdirTemp's pattern syntax.
func NewTmpDir(parent, pattern string) (*TmpDir, error) {
	path, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return nil, fmt.Errorf("pathutil: create tempdir: %w", err)
	}
	return &TmpDir{path: path}, nil
}

// Path returns the temporary directory's filesystem path.
func (t *TmpDir) Path() string { return t.path }

// Close removes the temporary directory and everything under it. Safe to
// call more than once.
func (t *TmpDir) Close() error {
	if t.path == "" {
		return nil
	}
	err := os.RemoveAll(t.path)
	t.path = ""
	return err
}
