// Package gitstore implements the Git object store adapter: open, read,
// stage and keep-alive operations over a Git object database, built on
// internal/git2c the way the teacher builds git-backup's object handling
// on its own internal/git wrapper (gitobjects.go).
package gitstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/git2c"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/launcher"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// EntryKind is the translated on-disk file mode of a tree entry: 100644 ->
// File, 100755 -> Executable, 040000 -> Tree; any other mode is an error.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryExecutable
	EntryTree
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryExecutable:
		return "executable"
	case EntryTree:
		return "tree"
	default:
		return "unknown"
	}
}

func translateFilemode(m git2c.Filemode) (EntryKind, error) {
	switch m {
	case git2c.FilemodeBlob:
		return EntryFile, nil
	case git2c.FilemodeBlobExecutable:
		return EntryExecutable, nil
	case git2c.FilemodeTree:
		return EntryTree, nil
	default:
		return 0, fmt.Errorf("gitstore: unsupported filemode %o", m)
	}
}

// TreeEntry is one (name, kind) pairing for a child listed under a raw hash
// in a tree walk - a tree walk's result can list the same id under more than
// one name, when identical content is referenced from multiple places.
type TreeEntry struct {
	Name string
	Kind EntryKind
}

// registry shares one underlying git2c.Repository across concurrent opens of
// the same path: the library's repository_open has no thread-safety
// guarantee of its own, so every caller in this process is routed through
// the same handle, guarded by registryMu, instead of each opening its own.
var (
	registryMu sync.Mutex
	registry   = map[string]*refcountedRepo{}
)

type refcountedRepo struct {
	repo *git2c.Repository
	refs int
}

// Handle is a reference onto an open Git object store.
type Handle struct {
	path string
	repo *git2c.Repository
}

// Open returns a Handle onto the Git object store at path, or (nil, nil) if
// path is not a Git repository - not found is not itself an error.
func Open(path string) (*Handle, error) {
	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, err
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if rc, ok := registry[canon]; ok {
		rc.refs++
		return &Handle{path: canon, repo: rc.repo}, nil
	}

	repo, err := git2c.OpenRepository(canon)
	if err != nil {
		return nil, nil
	}
	registry[canon] = &refcountedRepo{repo: repo, refs: 1}
	return &Handle{path: canon, repo: repo}, nil
}

// Close releases this Handle's reference on the shared registry entry. The
// underlying git2go repository is never explicitly freed - like the
// teacher's own code, it is left for the garbage collector once the last
// reference drops.
func (h *Handle) Close() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if rc, ok := registry[h.path]; ok {
		rc.refs--
		if rc.refs <= 0 {
			delete(registry, h.path)
		}
	}
}

func toOid(id pathutil.TreeID) *git2c.Oid {
	raw := id.Raw()
	var oid git2c.Oid
	copy(oid[:], raw[:])
	return &oid
}

// ReadObject returns the raw payload of id, or (nil, nil) if id is absent.
func (h *Handle) ReadObject(id pathutil.TreeID) ([]byte, error) {
	odb, err := h.repo.Odb()
	if err != nil {
		return nil, fmt.Errorf("gitstore: odb: %w", err)
	}
	oid := toOid(id)
	if !odb.Exists(oid) {
		return nil, nil
	}
	obj, err := odb.Read(oid)
	if err != nil {
		return nil, nil
	}
	return obj.Data(), nil
}

// ReadHeader returns id's size and type without reading its body - cheaper
// than ReadObject when only the type or size is needed.
func (h *Handle) ReadHeader(id pathutil.TreeID) (size uint64, kind git2c.ObjectType, ok bool, err error) {
	odb, err := h.repo.Odb()
	if err != nil {
		return 0, 0, false, fmt.Errorf("gitstore: odb: %w", err)
	}
	oid := toOid(id)
	if !odb.Exists(oid) {
		return 0, 0, false, nil
	}
	size, kind, err = odb.ReadHeader(oid)
	if err != nil {
		return 0, 0, false, nil
	}
	return size, kind, true, nil
}

// ReadTree walks one level of the tree named by id, returning a map from
// each child's raw id to the (possibly several) (name, kind) entries listing
// it. Each entry's kind comes from its filemode, so one blob id can be
// listed both as a file and as an executable; a hash never straddles the
// tree and non-tree kinds, since the id addresses a single object type.
func (h *Handle) ReadTree(id pathutil.TreeID) (map[pathutil.TreeID][]TreeEntry, error) {
	tree, err := h.repo.LookupTree(toOid(id))
	if err != nil {
		return nil, nil
	}
	out := map[pathutil.TreeID][]TreeEntry{}
	for _, e := range tree.Entries() {
		kind, kerr := translateFilemode(e.Filemode)
		if kerr != nil {
			return nil, fmt.Errorf("gitstore: entry %q: %w", e.Name, kerr)
		}
		childID, err := pathutil.TreeIDFromRaw(e.Id[:])
		if err != nil {
			return nil, err
		}
		out[childID] = append(out[childID], TreeEntry{Name: e.Name, Kind: kind})
	}
	return out, nil
}

// CheckTreeExists reports whether id names a tree object already present in
// the store.
func (h *Handle) CheckTreeExists(id pathutil.TreeID) (bool, error) {
	size, kind, ok, err := h.ReadHeader(id)
	_ = size
	if err != nil || !ok {
		return false, err
	}
	return kind == git2c.ObjectTree, nil
}

// EnsureInit idempotently creates a repository at path - bare when bare is
// true - reporting whether it created one (false means a repository was
// already there). A content-import working directory (§4.6's generator
// working directory, an extracted archive) must use bare=false: InitialCommit
// stages path's own directory entries skipping only ".git", so the
// repository's own git-dir must live under a ".git" subdirectory rather than
// directly in path, or it would be staged as tree content itself.
func EnsureInit(path string, bare bool) (bool, error) {
	if h, err := Open(path); err == nil && h != nil {
		h.Close()
		return false, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, err
	}
	if _, err := git2c.InitRepository(path, bare); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureBareInit is EnsureInit(path, true) - the long-lived shared Git
// object store is always bare, since nothing ever stages a worktree there.
func EnsureBareInit(path string) (bool, error) {
	return EnsureInit(path, true)
}

// InitialCommit stages everything under path's own worktree into a tree and
// writes a parentless commit referencing it into path's own object
// database, returning the commit id. path must already be a (non-bare)
// repository - a fresh working repository created for this purpose.
func InitialCommit(path, message string) (pathutil.TreeID, error) {
	h, err := Open(path)
	if err != nil {
		return pathutil.TreeID{}, err
	}
	if h == nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: %s is not a Git repository", path)
	}
	defer h.Close()

	odb, err := h.repo.Odb()
	if err != nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: odb: %w", err)
	}

	treeOid, err := stageDir(h.repo, odb, path)
	if err != nil {
		return pathutil.TreeID{}, err
	}
	tree, err := h.repo.LookupTree(treeOid)
	if err != nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: lookup staged tree: %w", err)
	}

	sig, err := h.repo.DefaultSignature()
	if err != nil || sig == nil {
		sig = &git2c.Signature{Name: "just-mr", Email: "just-mr@localhost"}
	}

	commitOid, err := h.repo.CreateCommit("HEAD", sig, sig, message, tree)
	if err != nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: create commit: %w", err)
	}
	return pathutil.TreeIDFromRaw(commitOid[:])
}

// stageDir recursively writes dir's contents as blob/tree objects into odb,
// skipping the repository's own ".git" directory, and returns the new
// tree's id.
func stageDir(repo *git2c.Repository, odb *git2c.Odb, dir string) (*git2c.Oid, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("gitstore: read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tb, err := repo.TreeBuilder()
	if err != nil {
		return nil, fmt.Errorf("gitstore: tree builder: %w", err)
	}

	for _, ent := range entries {
		if ent.Name() == ".git" {
			continue
		}
		full := filepath.Join(dir, ent.Name())
		info, err := ent.Info()
		if err != nil {
			return nil, fmt.Errorf("gitstore: stat %s: %w", full, err)
		}

		switch {
		case ent.IsDir():
			childOid, err := stageDir(repo, odb, full)
			if err != nil {
				return nil, err
			}
			if err := tb.Insert(ent.Name(), childOid, git2c.FilemodeTree); err != nil {
				return nil, err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return nil, fmt.Errorf("gitstore: readlink %s: %w", full, err)
			}
			oid, err := odb.Write([]byte(target), git2c.ObjectBlob)
			if err != nil {
				return nil, err
			}
			if err := tb.Insert(ent.Name(), oid, git2c.FilemodeLink); err != nil {
				return nil, err
			}
		default:
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, fmt.Errorf("gitstore: read %s: %w", full, err)
			}
			oid, err := odb.Write(data, git2c.ObjectBlob)
			if err != nil {
				return nil, err
			}
			mode := git2c.FilemodeBlob
			if info.Mode()&0o111 != 0 {
				mode = git2c.FilemodeBlobExecutable
			}
			if err := tb.Insert(ent.Name(), oid, mode); err != nil {
				return nil, err
			}
		}
	}

	return tb.Write()
}

// KeepTag writes an annotated tag object referencing commitID, named
// refs/keep/<hex> (libgit2 places the ref under refs/tags/, giving
// refs/tags/refs/keep/<hex>), so the commit's reachable tree stays protected from
// garbage collection.
func KeepTag(path string, commitID pathutil.TreeID, message string) error {
	h, err := Open(path)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("gitstore: %s is not a Git repository", path)
	}
	defer h.Close()

	commit, err := h.repo.LookupCommit(toOid(commitID))
	if err != nil {
		return fmt.Errorf("gitstore: lookup commit %s: %w", commitID, err)
	}
	sig, err := h.repo.DefaultSignature()
	if err != nil || sig == nil {
		sig = &git2c.Signature{Name: "just-mr", Email: "just-mr@localhost"}
	}
	refname := "refs/keep/" + commitID.String()
	if _, err := h.repo.Tags.Create(refname, commit, sig, message); err != nil {
		return fmt.Errorf("gitstore: keep tag %s: %w", refname, err)
	}
	return nil
}

// CommitTreeID returns the tree id a commit references - used by treefetch's
// verify-tree-id step (S9) to confirm a freshly imported commit actually
// produced the declared tree.
func (h *Handle) CommitTreeID(commitID pathutil.TreeID) (pathutil.TreeID, error) {
	commit, err := h.repo.LookupCommit(toOid(commitID))
	if err != nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: lookup commit %s: %w", commitID, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: tree of commit %s: %w", commitID, err)
	}
	return pathutil.TreeIDFromRaw(tree.Id()[:])
}

// LookupRef resolves a ref name (e.g. "HEAD" or "refs/heads/main") to the
// commit id it points at.
func (h *Handle) LookupRef(name string) (pathutil.TreeID, error) {
	ref, err := h.repo.References.Lookup(name)
	if err != nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: lookup ref %q: %w", name, err)
	}
	target := ref.Target()
	if target == nil {
		return pathutil.TreeID{}, fmt.Errorf("gitstore: ref %q is symbolic, not direct", name)
	}
	return pathutil.TreeIDFromRaw(target[:])
}

// CreateRef creates or force-updates a direct ref name to point at id.
func (h *Handle) CreateRef(name string, id pathutil.TreeID, force bool, message string) error {
	if _, err := h.repo.References.Create(name, toOid(id), force, message); err != nil {
		return fmt.Errorf("gitstore: create ref %q: %w", name, err)
	}
	return nil
}

// FetchViaTmpRepo runs `git fetch` from srcPath into a disposable tmpPath
// working repository whose object database is actually storePath, by
// pointing GIT_OBJECT_DIRECTORY at storePath's objects directory - this is
// how the shared store acquires objects reachable from another local store
// without importing that store's refs. gitBin overrides the "git" argv0
// (empty means "git"); prefix is the generator-command launcher prefix.
func FetchViaTmpRepo(ctx context.Context, storePath, tmpPath, srcPath, refspec, gitBin string, prefix []string) error {
	if gitBin == "" {
		gitBin = "git"
	}
	if err := os.MkdirAll(tmpPath, 0o755); err != nil {
		return err
	}

	initArgv := []string{gitBin, "init", "--bare", "-q", tmpPath}
	if res, err := launcher.Run(ctx, initArgv, launcher.Options{Prefix: prefix}); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return &launcher.Error{Argv: res.Argv, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	}

	objDir, err := pathutil.Canonicalize(filepath.Join(storePath, "objects"))
	if err != nil {
		return err
	}
	env := append(os.Environ(), "GIT_OBJECT_DIRECTORY="+objDir)

	fetchArgv := []string{gitBin, "fetch", srcPath}
	if refspec != "" {
		fetchArgv = append(fetchArgv, refspec)
	}
	res, err := launcher.Run(ctx, fetchArgv, launcher.Options{Dir: tmpPath, Env: env, Prefix: prefix})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &launcher.Error{Argv: res.Argv, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	}
	return nil
}
