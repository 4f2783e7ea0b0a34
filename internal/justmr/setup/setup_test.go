package setup

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/config"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/gitstore"
)

func newTestDriver(t *testing.T, cfg *config.RepositoryConfig) *Driver {
	t.Helper()
	dir := t.TempDir()
	return New(cfg, Options{
		StorePath: filepath.Join(dir, "store.git"),
		CASRoot:   filepath.Join(dir, "cas"),
	})
}

func TestSetupPassesThroughFileRoot(t *testing.T) {
	cfg, err := config.ParseRepositoryConfig([]byte(`{
		"main": "app",
		"repositories": {
			"app": {"repository": ["file", "/work/app"], "bindings": {}}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseRepositoryConfig: %v", err)
	}
	d := newTestDriver(t, cfg)

	out, err := d.Setup(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if out.Main != "app" {
		t.Fatalf("Main = %q", out.Main)
	}
	raw, ok := out.Repositories["app"].Get("repository")
	if !ok {
		t.Fatalf("missing repository field")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(arr) != 2 || arr[0] != "file" || arr[1] != "/work/app" {
		t.Fatalf("unexpected file root: %v", arr)
	}
}

func TestSetupMaterializesGeneratorIntoGitTree(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.git")
	if _, err := gitstore.EnsureBareInit(storePath); err != nil {
		t.Fatalf("EnsureBareInit: %v", err)
	}

	// Build a one-file work tree in a separate seed repository first, so this run's
	// declared tree_id is known without shelling out to git from the test.
	seedDir := filepath.Join(dir, "seed")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := gitstore.EnsureInit(seedDir, false); err != nil {
		t.Fatalf("init seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, "generated.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	commitID, err := gitstore.InitialCommit(seedDir, "seed")
	if err != nil {
		t.Fatalf("InitialCommit: %v", err)
	}
	sh, err := gitstore.Open(seedDir)
	if err != nil || sh == nil {
		t.Fatalf("open seed: %v", err)
	}
	treeID, err := sh.CommitTreeID(commitID)
	sh.Close()
	if err != nil {
		t.Fatalf("CommitTreeID: %v", err)
	}

	cfg, err := config.ParseRepositoryConfig([]byte(`{
		"main": "gen",
		"repositories": {
			"gen": {"repository": {
				"type": "git tree",
				"command": ["sh", "-c", "printf hi > generated.txt"],
				"tree_id": "` + treeID.String() + `"
			}}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseRepositoryConfig: %v", err)
	}

	d := New(cfg, Options{StorePath: storePath, CASRoot: filepath.Join(dir, "cas")})
	out, err := d.Setup(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	raw, ok := out.Repositories["gen"].Get("repository")
	if !ok {
		t.Fatalf("missing repository field")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(arr) != 3 || arr[0] != "git tree" || arr[1] != treeID.String() || arr[2] != "." {
		t.Fatalf("unexpected git tree root: %v", arr)
	}
}

// TestSetupDeduplicatesIdenticalArchiveContentAcrossRepositories covers
// spec.md §2 item 5 end to end: two repositories whose archive roots name
// the same content must resolve to the same tree, and the import step
// (extract + commit) must run at most once between them - only the
// dedicated importgit.Store key (content hash, subdir), not each
// repository's own name, decides whether a fresh import happens.
func TestSetupDeduplicatesIdenticalArchiveContentAcrossRepositories(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.git")
	if _, err := gitstore.EnsureBareInit(storePath); err != nil {
		t.Fatalf("EnsureBareInit: %v", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("shared archive payload\n")
	if err := tw.WriteHeader(&tar.Header{Name: "payload.txt", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	archiveData := buf.Bytes()
	sum := sha256.Sum256(archiveData)
	contentHash := hex.EncodeToString(sum[:])

	casRoot := filepath.Join(dir, "cas")
	casDir := filepath.Join(casRoot, contentHash[:2])
	if err := os.MkdirAll(casDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(casDir, contentHash[2:]), archiveData, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.ParseRepositoryConfig([]byte(`{
		"main": "x",
		"repositories": {
			"x": {"repository": {"type": "archive", "content": "` + contentHash + `", "fetch": "https://example.invalid/a.tar"}, "bindings": {"y": "y"}},
			"y": {"repository": {"type": "archive", "content": "` + contentHash + `", "fetch": "https://example.invalid/b.tar"}}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseRepositoryConfig: %v", err)
	}

	d := New(cfg, Options{StorePath: storePath, CASRoot: casRoot})
	out, err := d.Setup(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	var trees [2]string
	for i, name := range []string{"x", "y"} {
		raw, ok := out.Repositories[name].Get("repository")
		if !ok {
			t.Fatalf("%s: missing repository field", name)
		}
		var arr []string
		if err := json.Unmarshal(raw, &arr); err != nil {
			t.Fatalf("%s: Unmarshal: %v", name, err)
		}
		if len(arr) != 3 || arr[0] != "git tree" {
			t.Fatalf("%s: unexpected git tree root: %v", name, arr)
		}
		trees[i] = arr[1]
	}
	if trees[0] != trees[1] {
		t.Fatalf("x and y imported different trees: %s vs %s", trees[0], trees[1])
	}
	if n := d.imports.PendingKeys(); n != 1 {
		t.Fatalf("importgit saw %d distinct dedup keys, want 1", n)
	}
}

func TestReachableDefaultsMainToLexicographicMinimum(t *testing.T) {
	cfg, err := config.ParseRepositoryConfig([]byte(`{
		"repositories": {
			"b": {"repository": ["file", "/b"]},
			"a": {"repository": ["file", "/a"], "bindings": {"dep": "b"}}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseRepositoryConfig: %v", err)
	}
	d := newTestDriver(t, cfg)
	main, toSetup, err := d.reachable("", false)
	if err != nil {
		t.Fatalf("reachable: %v", err)
	}
	if main != "a" {
		t.Fatalf("main = %q, want lexicographically smallest", main)
	}
	if len(toSetup) != 2 {
		t.Fatalf("toSetup = %v, want [a b]", toSetup)
	}
}

func TestReachableEmptyRepositoriesIsNotFatalUnlessOnlyMain(t *testing.T) {
	cfg, err := config.ParseRepositoryConfig([]byte(`{}`))
	if err != nil {
		t.Fatalf("ParseRepositoryConfig: %v", err)
	}
	d := newTestDriver(t, cfg)

	main, toSetup, err := d.reachable("", false)
	if err != nil || main != "" || len(toSetup) != 0 {
		t.Fatalf("reachable = %q, %v, %v", main, toSetup, err)
	}

	if _, _, err := d.reachable("", true); err == nil {
		t.Fatalf("expected an error when onlyMain demands a defined main")
	}
}
