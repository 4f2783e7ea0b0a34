// Package cas implements the content-addressed fetch map of spec.md §4.5:
// given a declared content hash and a fetch URL (plus optional distfile and
// digest hints), ensure a matching blob is present in the local CAS,
// trying local CAS, then configured dist-dirs, then the network, in order.
//
// The local CAS layout (a two-level hash-prefix fan-out directory) is
// grounded on _examples/other_examples/0932b9fe_gruntwork-io-terragrunt__internal-cas-cas.go.go
// and _examples/other_examples/02b7f33d_dolthub-dolt__go-store-blobstore-internal-git-api.go.go,
// both of which lay out content-addressed blobs the same way. The network
// fetch uses github.com/hashicorp/go-retryablehttp, already an indirect
// dependency of the example pack's GitHub/GitLab/Vault clients and exactly
// the "retrying HTTP GET" shape this resolution step needs.
package cas

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/asyncmap"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
)

// Key names one archive content-acquisition request. ContentHash is the
// declared hex digest (sha256) the fetched content must match; SHA256Hint
// and SHA512Hint are the optional extra digests a repository config can
// supply for defense-in-depth verification.
type Key struct {
	ContentHash string
	FetchURL    string
	Distfile    string
	SHA256Hint  string
	SHA512Hint  string
}

func (k Key) cacheKey() string {
	return k.ContentHash + "\x00" + k.FetchURL + "\x00" + k.Distfile + "\x00" + k.SHA256Hint + "\x00" + k.SHA512Hint
}

// Value is the result of a successful resolution: the blob's path inside
// the local CAS.
type Value struct {
	Path string
}

// Logger receives non-fatal diagnostics (a dist-dir read error other than
// a missing file, a hash mismatch)
// that should be surfaced to the user but must not abort resolution.
type Logger func(msg string)

// Store is the local content-addressed store plus its fallback sources.
type Store struct {
	root     string
	distDirs []string
	client   *retryablehttp.Client
	log      Logger

	am *asyncmap.Map[Key, Value]
}

// New creates a Store rooted at root (created on demand), falling back in
// order to distDirs, then to network fetch. log may be nil (diagnostics are
// then simply discarded).
func New(root string, distDirs []string, log Logger) *Store {
	if log == nil {
		log = func(string) {}
	}
	client := retryablehttp.NewClient()
	client.Logger = nil

	s := &Store{root: root, distDirs: distDirs, client: client, log: log}
	s.am = asyncmap.New[Key, Value]("cas", Key.cacheKey, s.compute)
	return s
}

// Ensure resolves key, returning the local CAS path of its content.
func (s *Store) Ensure(ctx context.Context, key Key) (Value, *errctx.Diagnostic) {
	return s.am.Get(ctx, key, nil)
}

func (s *Store) localPath(contentHash string) (string, error) {
	if len(contentHash) < 3 {
		return "", fmt.Errorf("cas: content hash %q too short", contentHash)
	}
	return filepath.Join(s.root, contentHash[:2], contentHash[2:]), nil
}

func (s *Store) compute(ctx context.Context, key Key) (Value, *errctx.Diagnostic) {
	path, err := s.localPath(key.ContentHash)
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: %v", err)
	}

	// 1. local CAS lookup.
	if _, err := os.Stat(path); err == nil {
		return Value{Path: path}, nil
	}

	// 2. dist-dirs, in configured order.
	basename := key.Distfile
	if basename == "" {
		basename = filepath.Base(key.FetchURL)
	}
	for _, dir := range s.distDirs {
		candidate := filepath.Join(dir, basename)
		data, err := os.ReadFile(candidate)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log(fmt.Sprintf("cas: dist-dir %s: %v", candidate, err))
			}
			continue
		}
		if verifyErr := verifyAll(data, key); verifyErr != nil {
			s.log(fmt.Sprintf("cas: dist-dir %s did not match: %v", candidate, verifyErr))
			continue
		}
		if err := s.insert(path, data); err != nil {
			return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: insert from dist-dir %s: %v", candidate, err)
		}
		return Value{Path: path}, nil
	}

	// 3. network fetch.
	if key.FetchURL == "" {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: %s not found locally and no fetch url configured", key.ContentHash)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, key.FetchURL, nil)
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: build request for %s: %v", key.FetchURL, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: fetch %s: %v", key.FetchURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: fetch %s: http %d", key.FetchURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: read body of %s: %v", key.FetchURL, err)
	}
	if err := verifyAll(data, key); err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: fetched content from %s: %v", key.FetchURL, err)
	}
	if err := s.insert(path, data); err != nil {
		return Value{}, errctx.FatalfKind(errctx.KindFetch, "cas: insert fetched content: %v", err)
	}
	return Value{Path: path}, nil
}

// verifyAll checks data against every digest key declares.
func verifyAll(data []byte, key Key) error {
	if err := verifyDigest(data, "content", key.ContentHash, sha256.New); err != nil {
		return err
	}
	if key.SHA256Hint != "" {
		if err := verifyDigest(data, "sha256", key.SHA256Hint, sha256.New); err != nil {
			return err
		}
	}
	if key.SHA512Hint != "" {
		if err := verifyDigest(data, "sha512", key.SHA512Hint, sha512.New); err != nil {
			return err
		}
	}
	return nil
}

func verifyDigest(data []byte, name, wantHex string, newHash func() hash.Hash) error {
	if wantHex == "" {
		return nil
	}
	h := newHash()
	h.Write(data)
	got := hex.EncodeToString(h.Sum(nil))
	if got != wantHex {
		return fmt.Errorf("%s mismatch: got %s, want %s", name, got, wantHex)
	}
	return nil
}

// insert writes data at path, via a temp-file-then-rename so a reader never
// observes a partially-written blob - the local CAS is append-only and
// concurrent inserts of the same hash are idempotent by construction since
// content matching the same hash is identical.
func (s *Store) insert(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cas-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
