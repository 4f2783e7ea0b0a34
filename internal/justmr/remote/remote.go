// Package remote models the remote CAS and "serve" endpoints as typed
// interfaces, per spec.md §1: they are external collaborators this engine
// consults but does not own. The httpCAS binding is the one concrete
// implementation, grounded on github.com/hashicorp/go-retryablehttp the
// same way internal/justmr/cas uses it for archive fetches - the example
// pack has no gRPC client to ground a richer remote-execution-API binding
// on (see DESIGN.md).
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// CAS is the remote content-addressed tree store §4.6 S3 probes.
type CAS interface {
	HasTree(ctx context.Context, id pathutil.TreeID) (bool, error)
	FetchTree(ctx context.Context, id pathutil.TreeID, dst io.Writer) error
}

// Serve is the remote "serve" endpoint that can resolve a tree identifier
// on the engine's behalf without a local generator run.
type Serve interface {
	ResolveTree(ctx context.Context, id pathutil.TreeID) (bool, error)
}

// noopCAS and noopServe implement the "absence is a miss, not a failure"
// default (§4.6 S3) when no remote endpoint is configured.
type noopCAS struct{}

func (noopCAS) HasTree(context.Context, pathutil.TreeID) (bool, error)        { return false, nil }
func (noopCAS) FetchTree(context.Context, pathutil.TreeID, io.Writer) error { return fmt.Errorf("remote: no CAS configured") }

type noopServe struct{}

func (noopServe) ResolveTree(context.Context, pathutil.TreeID) (bool, error) { return false, nil }

// NoCAS is the nil-safe default CAS: every probe is a miss.
var NoCAS CAS = noopCAS{}

// NoServe is the nil-safe default Serve: every resolution attempt is a miss.
var NoServe Serve = noopServe{}

// httpCAS is an HTTP binding for CAS: HasTree does a HEAD, FetchTree a GET,
// against baseURL+"/"+id.
type httpCAS struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPCAS builds a CAS backed by a plain HTTP tree-content endpoint at
// baseURL (e.g. "https://cas.example.invalid/trees").
func NewHTTPCAS(baseURL string) CAS {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &httpCAS{baseURL: baseURL, client: client}
}

func (c *httpCAS) url(id pathutil.TreeID) string {
	return c.baseURL + "/" + id.String()
}

func (c *httpCAS) HasTree(ctx context.Context, id pathutil.TreeID) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, c.url(id), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *httpCAS) FetchTree(ctx context.Context, id pathutil.TreeID, dst io.Writer) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote: fetch tree %s: http %d", id, resp.StatusCode)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

// httpServe is an HTTP binding for Serve: a HEAD against baseURL+"/"+id that
// reports presence via status code alone, mirroring HasTree.
type httpServe struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPServe builds a Serve backed by a plain HTTP resolution endpoint.
func NewHTTPServe(baseURL string) Serve {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &httpServe{baseURL: baseURL, client: client}
}

func (s *httpServe) ResolveTree(ctx context.Context, id pathutil.TreeID) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/"+id.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
