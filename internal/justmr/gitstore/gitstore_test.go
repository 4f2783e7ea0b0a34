package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/git2c"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

func TestEnsureBareInitIdempotent(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.git")

	created, err := EnsureBareInit(storePath)
	if err != nil {
		t.Fatalf("EnsureBareInit: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first call")
	}

	created, err = EnsureBareInit(storePath)
	if err != nil {
		t.Fatalf("EnsureBareInit (2nd): %v", err)
	}
	if created {
		t.Fatalf("expected created=false on second call")
	}
}

func TestInitialCommitAndReadBack(t *testing.T) {
	dir := t.TempDir()
	workPath := filepath.Join(dir, "work")
	if _, err := git2c.InitRepository(workPath, false); err != nil {
		t.Fatalf("init work repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(workPath, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "sub", "nested.txt"), []byte("nested\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	commitID, err := InitialCommit(workPath, "initial import")
	if err != nil {
		t.Fatalf("InitialCommit: %v", err)
	}
	if commitID.IsNull() {
		t.Fatalf("got null commit id")
	}

	h, err := Open(workPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h == nil {
		t.Fatalf("Open returned nil handle for a real repository")
	}
	defer h.Close()

	size, kind, ok, err := h.ReadHeader(commitID)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !ok || kind != git2c.ObjectCommit || size == 0 {
		t.Fatalf("ReadHeader = size=%d kind=%v ok=%v", size, kind, ok)
	}

	commit, err := h.repo.LookupCommit(toOid(commitID))
	if err != nil {
		t.Fatalf("LookupCommit: %v", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	treeID, err := pathutil.TreeIDFromRaw(tree.Id()[:])
	if err != nil {
		t.Fatal(err)
	}

	entries, err := h.ReadTree(treeID)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d distinct child ids, want 2", len(entries))
	}
	var sawFile, sawTree bool
	for _, listing := range entries {
		for _, e := range listing {
			switch e.Name {
			case "hello.txt":
				if e.Kind != EntryFile {
					t.Errorf("hello.txt kind = %v, want EntryFile", e.Kind)
				}
				sawFile = true
			case "sub":
				if e.Kind != EntryTree {
					t.Errorf("sub kind = %v, want EntryTree", e.Kind)
				}
				sawTree = true
			}
		}
	}
	if !sawFile || !sawTree {
		t.Fatalf("missing expected entries: file=%v tree=%v", sawFile, sawTree)
	}

	exists, err := h.CheckTreeExists(treeID)
	if err != nil || !exists {
		t.Fatalf("CheckTreeExists = %v, %v", exists, err)
	}
}

func TestOpenNonRepository(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h != nil {
		t.Fatalf("expected nil handle for a non-repository directory")
	}
}

func TestKeepTag(t *testing.T) {
	dir := t.TempDir()
	workPath := filepath.Join(dir, "work")
	if _, err := git2c.InitRepository(workPath, false); err != nil {
		t.Fatalf("init work repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	commitID, err := InitialCommit(workPath, "for keep-tag")
	if err != nil {
		t.Fatalf("InitialCommit: %v", err)
	}
	if err := KeepTag(workPath, commitID, "keep alive"); err != nil {
		t.Fatalf("KeepTag: %v", err)
	}
}

func TestFetchViaTmpRepoMissingSource(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "store.git")
	if _, err := EnsureBareInit(store); err != nil {
		t.Fatalf("EnsureBareInit: %v", err)
	}
	err := FetchViaTmpRepo(context.Background(), store, filepath.Join(dir, "tmp"), filepath.Join(dir, "no-such-src"), "", "", nil)
	if err == nil {
		t.Fatalf("expected error fetching from a nonexistent source")
	}
}
