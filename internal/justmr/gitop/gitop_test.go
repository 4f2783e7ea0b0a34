package gitop

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/git2c"
)

func TestEnsureInitThenInitialCommitThenKeepTag(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.git")
	m := New()

	_, diag := m.Do(context.Background(), OpKey{TargetPath: storePath, OpType: OpEnsureInit, InitBare: true}, nil)
	if diag != nil {
		t.Fatalf("ensure_init: %v", diag)
	}
	// Repeating the same key must not fail and must not re-run the op
	// (it is cached by full key per §4.4's "completed results are cached").
	_, diag = m.Do(context.Background(), OpKey{TargetPath: storePath, OpType: OpEnsureInit, InitBare: true}, nil)
	if diag != nil {
		t.Fatalf("ensure_init (2nd): %v", diag)
	}

	workPath := filepath.Join(dir, "work")
	if _, err := git2c.InitRepository(workPath, false); err != nil {
		t.Fatalf("init work repo: %v", err)
	}

	v, diag := m.Do(context.Background(), OpKey{
		TargetPath: workPath,
		OpType:     OpInitialCommit,
		Message:    "import",
	}, nil)
	if diag != nil {
		t.Fatalf("initial_commit: %v", diag)
	}
	if v.ResultHash.IsNull() {
		t.Fatalf("initial_commit returned a null commit id")
	}

	_, diag = m.Do(context.Background(), OpKey{
		TargetPath: workPath,
		OpType:     OpKeepTag,
		GitHash:    v.ResultHash,
		Message:    "keep alive",
	}, nil)
	if diag != nil {
		t.Fatalf("keep_tag: %v", diag)
	}
}

func TestGetHeadIDOnNonRepository(t *testing.T) {
	dir := t.TempDir()
	m := New()
	_, diag := m.Do(context.Background(), OpKey{TargetPath: dir, OpType: OpGetHeadID}, nil)
	if diag == nil || !diag.Fatal {
		t.Fatalf("expected a fatal diagnostic for a non-repository path, got %v", diag)
	}
}
