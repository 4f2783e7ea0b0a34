package remote

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

var exampleID = pathutil.MustParseTreeID("0123456789abcdef0123456789abcdef01234567")

func TestNoopDefaultsAreMisses(t *testing.T) {
	ok, err := NoCAS.HasTree(context.Background(), exampleID)
	if err != nil || ok {
		t.Fatalf("HasTree = %v, %v", ok, err)
	}
	ok, err = NoServe.ResolveTree(context.Background(), exampleID)
	if err != nil || ok {
		t.Fatalf("ResolveTree = %v, %v", ok, err)
	}
}

func TestHTTPCASRoundTrip(t *testing.T) {
	content := []byte("tree payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	c := NewHTTPCAS(srv.URL)
	ok, err := c.HasTree(context.Background(), exampleID)
	if err != nil || !ok {
		t.Fatalf("HasTree = %v, %v", ok, err)
	}

	var buf bytes.Buffer
	if err := c.FetchTree(context.Background(), exampleID, &buf); err != nil {
		t.Fatalf("FetchTree: %v", err)
	}
	if buf.String() != string(content) {
		t.Fatalf("got %q, want %q", buf.String(), content)
	}
}

func TestHTTPCASMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPCAS(srv.URL)
	ok, err := c.HasTree(context.Background(), exampleID)
	if err != nil || ok {
		t.Fatalf("HasTree = %v, %v", ok, err)
	}
}
