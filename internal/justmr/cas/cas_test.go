package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func hashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestEnsureLocalCASHit(t *testing.T) {
	root := t.TempDir()
	data := []byte("hello cas")
	digest := hashHex(data)

	dir := filepath.Join(root, digest[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, digest[2:]), data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(root, nil, nil)
	v, diag := s.Ensure(context.Background(), Key{ContentHash: digest})
	if diag != nil {
		t.Fatalf("Ensure: %v", diag)
	}
	if v.Path != filepath.Join(root, digest[:2], digest[2:]) {
		t.Fatalf("got %q", v.Path)
	}
}

func TestEnsureDistDirHit(t *testing.T) {
	root := t.TempDir()
	distDir := t.TempDir()
	data := []byte("archive content")
	digest := hashHex(data)

	if err := os.WriteFile(filepath.Join(distDir, "pkg.tar.gz"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(root, []string{distDir}, nil)
	v, diag := s.Ensure(context.Background(), Key{
		ContentHash: digest,
		FetchURL:    "https://example.invalid/pkg.tar.gz",
		Distfile:    "pkg.tar.gz",
	})
	if diag != nil {
		t.Fatalf("Ensure: %v", diag)
	}
	if got, err := os.ReadFile(v.Path); err != nil || string(got) != string(data) {
		t.Fatalf("CAS content mismatch: %v %q", err, got)
	}
}

func TestEnsureDistDirMismatchFallsBackToFetch(t *testing.T) {
	root := t.TempDir()
	distDir := t.TempDir()
	wrong := []byte("not it")
	right := []byte("the real content")
	digest := hashHex(right)

	if err := os.WriteFile(filepath.Join(distDir, "pkg.tar.gz"), wrong, 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(right)
	}))
	defer srv.Close()

	s := New(root, []string{distDir}, nil)
	v, diag := s.Ensure(context.Background(), Key{
		ContentHash: digest,
		FetchURL:    srv.URL + "/pkg.tar.gz",
		Distfile:    "pkg.tar.gz",
	})
	if diag != nil {
		t.Fatalf("Ensure: %v", diag)
	}
	got, err := os.ReadFile(v.Path)
	if err != nil || string(got) != string(right) {
		t.Fatalf("CAS content mismatch: %v %q", err, got)
	}
}

func TestEnsureNoSourceIsFatal(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil, nil)
	_, diag := s.Ensure(context.Background(), Key{ContentHash: "deadbeef"})
	if diag == nil || !diag.Fatal {
		t.Fatalf("expected a fatal diagnostic, got %v", diag)
	}
}

func TestEnsureFetchDigestMismatchIsFatal(t *testing.T) {
	root := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unexpected bytes"))
	}))
	defer srv.Close()

	s := New(root, nil, nil)
	_, diag := s.Ensure(context.Background(), Key{
		ContentHash: hashHex([]byte("expected bytes")),
		FetchURL:    srv.URL + "/blob",
	})
	if diag == nil || !diag.Fatal {
		t.Fatalf("expected a fatal digest-mismatch diagnostic, got %v", diag)
	}
}
