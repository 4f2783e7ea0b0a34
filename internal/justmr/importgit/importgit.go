// Package importgit implements the Import-to-Git map of spec.md §2 item 5:
// given archived content already resolved in cas, extract it, stage it into
// a fresh commit, fetch the result into the shared Git object store, and
// keep-tag it - deduplicated by content identity, the same "compute runs at
// most once" contract asyncmap gives cas's blob fetch (§4.5) and treefetch's
// tree resolution (§4.6), so that two repositories whose `repository.content`
// names the same archive extract and commit it exactly once between them.
//
// Grounded on treefetch's importAndVerify (S8-S11: ensure-init and
// initial-commit of the working directory, verify, fetch-into-shared-store,
// keep-tag) and on setup's own
// former inline materializeContent, which this package replaces; the
// extraction logic is treefetch's untar generalized with archive/zip for the
// zip case spec.md §6 lists alongside tar.gz - no example-pack library
// covers archive extraction (see DESIGN.md), so this remains one of the few
// standard-library-only components.
package importgit

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/asyncmap"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/gitop"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/gitstore"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// Key identifies one archive's extracted-and-committed content. ContentHash
// (the same digest cas.Key carries) and Subdir together determine the
// resulting tree deterministically, so they alone are the dedup key -
// Origin varies per referencing repository and is deliberately excluded:
// two repositories with different names but identical content+subdir must
// still coalesce onto one compute call.
type Key struct {
	ContentHash string
	Subdir      string
}

func (k Key) cacheKey() string {
	return k.ContentHash + "\x00" + k.Subdir
}

// Value is a completed import: the resulting tree identifier and the
// repo_path within it a `["git tree", ...]` root should report.
type Value struct {
	TreeID   pathutil.TreeID
	RepoPath string
}

// request holds the non-comparable data behind one Ensure call, stashed out
// of band the way treefetch.Store keys its reqs table - the asyncmap key
// itself must stay comparable and content-only.
type request struct {
	ArchivePath string
	Subdir      string
	Origin      string
}

// Store is the deduplicating import map.
type Store struct {
	storePath      string
	gitBin         string
	launcherPrefix []string
	gitops         *gitop.Map

	mu   sync.Mutex
	reqs map[Key]request

	am *asyncmap.Map[Key, Value]
}

// New creates a Store that fetches completed imports into storePath.
func New(storePath string, gitops *gitop.Map, gitBin string, launcherPrefix []string) *Store {
	s := &Store{
		storePath:      storePath,
		gitBin:         gitBin,
		launcherPrefix: launcherPrefix,
		gitops:         gitops,
		reqs:           map[Key]request{},
	}
	s.am = asyncmap.New[Key, Value]("importgit", Key.cacheKey, s.compute)
	return s
}

// Ensure extracts archivePath (a path cas.Ensure already resolved locally)
// into a fresh commit and returns its tree identifier, computing at most
// once per distinct (contentHash, subdir) regardless of how many concurrent
// or later callers name the same content under different origins.
func (s *Store) Ensure(ctx context.Context, contentHash, archivePath, subdir, origin string) (Value, *errctx.Diagnostic) {
	key := Key{ContentHash: contentHash, Subdir: subdir}
	s.mu.Lock()
	s.reqs[key] = request{ArchivePath: archivePath, Subdir: subdir, Origin: origin}
	s.mu.Unlock()
	return s.am.Get(ctx, key, nil)
}

// PendingKeys reports the number of distinct (contentHash, subdir) dedup
// keys Ensure has ever been called with - exposed for tests asserting that
// several repositories naming identical content collapse onto one key.
func (s *Store) PendingKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *Store) compute(ctx context.Context, key Key) (Value, *errctx.Diagnostic) {
	s.mu.Lock()
	req, ok := s.reqs[key]
	s.mu.Unlock()
	if !ok {
		return Value{}, errctx.Fatalf("importgit: no pending request for key (internal error)")
	}

	extractDir, err := pathutil.NewTmpDir("", "justmr-archive-*")
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "importgit: %v", err)
	}
	defer extractDir.Close()

	if err := extractArchive(req.ArchivePath, extractDir.Path()); err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "importgit: extract %s: %v", req.Origin, err)
	}

	workDir := extractDir.Path()
	if req.Subdir != "" {
		workDir = filepath.Join(extractDir.Path(), req.Subdir)
	}

	if _, diag := s.gitops.Do(ctx, gitop.OpKey{TargetPath: workDir, OpType: gitop.OpEnsureInit}, nil); diag != nil {
		return Value{}, diag
	}
	committed, diag := s.gitops.Do(ctx, gitop.OpKey{
		TargetPath: workDir,
		OpType:     gitop.OpInitialCommit,
		Message:    "just-mr import: " + req.Origin,
	}, nil)
	if diag != nil {
		return Value{}, diag
	}

	wh, err := gitstore.Open(workDir)
	if err != nil || wh == nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "importgit: reopen extracted archive %s: %v", workDir, err)
	}
	treeID, err := wh.CommitTreeID(committed.ResultHash)
	wh.Close()
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "importgit: read archive tree id: %v", err)
	}

	fetchTmp, err := pathutil.NewTmpDir("", "justmr-archive-fetch-*")
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "importgit: %v", err)
	}
	defer fetchTmp.Close()
	if err := gitstore.FetchViaTmpRepo(ctx, s.storePath, fetchTmp.Path(), workDir, "", s.gitBin, s.launcherPrefix); err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "importgit: fetch archive into shared store: %v", err)
	}
	if _, diag := s.gitops.Do(ctx, gitop.OpKey{
		TargetPath: s.storePath,
		OpType:     gitop.OpKeepTag,
		GitHash:    committed.ResultHash,
		Message:    "just-mr keep: " + req.Origin,
	}, nil); diag != nil {
		return Value{}, diag
	}

	return Value{TreeID: treeID, RepoPath: "."}, nil
}

// extractArchive unpacks src (a tar, tar.gz, or zip file) into dstDir,
// selecting the format by content rather than by file extension.
func extractArchive(src, dstDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return err
	}

	if len(magic) >= 4 && magic[0] == 'P' && magic[1] == 'K' && magic[2] == 0x03 && magic[3] == 0x04 {
		return extractZip(src, dstDir)
	}
	return extractTar(br, dstDir)
}

func extractTar(r *bufio.Reader, dstDir string) error {
	magic, err := r.Peek(2)
	if err != nil && err != io.EOF {
		return err
	}

	var tarStream io.Reader = r
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		tarStream = gz
	}

	tr := tar.NewReader(tarStream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func extractZip(src, dstDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(dstDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}
