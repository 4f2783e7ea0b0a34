// Package config parses and re-emits the two JSON documents this engine
// consumes: the repository configuration (§6, the multi-repository
// description) and the run-control configuration (local build root,
// checkout locations, dist-dirs, and so on). JSON is not a style choice
// here - it is the wire format the spec mandates - so this package is
// built on encoding/json rather than the gopkg.in/yaml.v3 several other
// pack repos reach for.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// RawObject is a JSON object that remembers the order its keys first
// appeared in and round-trips every field verbatim - §6's "unknown fields
// ... are accepted and preserved" and "field order is preserved where the
// input specified it".
type RawObject struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewRawObject returns an empty RawObject, ready for Set calls.
func NewRawObject() *RawObject {
	return &RawObject{values: map[string]json.RawMessage{}}
}

func (o *RawObject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("config: expected a JSON object")
	}
	o.keys = nil
	o.values = map[string]json.RawMessage{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("config: expected a string object key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if _, exists := o.values[key]; !exists {
			o.keys = append(o.keys, key)
		}
		o.values[key] = raw
	}
	return nil
}

func (o RawObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(o.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns field's raw value, if present.
func (o *RawObject) Get(field string) (json.RawMessage, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[field]
	return v, ok
}

// Set assigns field, appending it to the key order if new.
func (o *RawObject) Set(field string, value json.RawMessage) {
	if o.values == nil {
		o.values = map[string]json.RawMessage{}
	}
	if _, exists := o.values[field]; !exists {
		o.keys = append(o.keys, field)
	}
	o.values[field] = value
}

// Clone deep-copies o.
func (o *RawObject) Clone() *RawObject {
	c := &RawObject{keys: append([]string(nil), o.keys...), values: make(map[string]json.RawMessage, len(o.values))}
	for k, v := range o.values {
		c.values[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// Keys returns field names in first-seen order.
func (o *RawObject) Keys() []string { return append([]string(nil), o.keys...) }

// FileRoot is a resolved workspace root: either a plain filesystem path or
// a pinned Git tree within the shared store.
type FileRoot struct {
	Kind     string // "file" or "git tree"
	Path     string // set when Kind == "file"
	TreeID   string // set when Kind == "git tree"
	RepoPath string // set when Kind == "git tree"
}

// ParseFileRoot decodes a `["file", path]` or `["git tree", tree_id, repo_path]` array.
func ParseFileRoot(raw json.RawMessage) (*FileRoot, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("config: file root must be a JSON array: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("config: file root array is empty")
	}
	var tag string
	if err := json.Unmarshal(arr[0], &tag); err != nil {
		return nil, fmt.Errorf("config: file root tag must be a string: %w", err)
	}
	switch tag {
	case "file":
		if len(arr) < 2 {
			return nil, fmt.Errorf(`config: "file" root needs a path`)
		}
		var path string
		if err := json.Unmarshal(arr[1], &path); err != nil {
			return nil, err
		}
		return &FileRoot{Kind: "file", Path: path}, nil
	case "git tree":
		if len(arr) < 3 {
			return nil, fmt.Errorf(`config: "git tree" root needs a tree id and a repo path`)
		}
		var treeID, repoPath string
		if err := json.Unmarshal(arr[1], &treeID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(arr[2], &repoPath); err != nil {
			return nil, err
		}
		return &FileRoot{Kind: "git tree", TreeID: treeID, RepoPath: repoPath}, nil
	default:
		return nil, fmt.Errorf("config: unrecognized file root tag %q", tag)
	}
}

// MarshalJSON re-encodes a FileRoot in its array form.
func (r FileRoot) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case "file":
		return json.Marshal([]string{"file", r.Path})
	case "git tree":
		return json.Marshal([]string{"git tree", r.TreeID, r.RepoPath})
	default:
		return nil, fmt.Errorf("config: unknown file root kind %q", r.Kind)
	}
}

// RepoRootKind distinguishes the shapes a descriptor's `repository` field
// (or an overlay-root field) can take.
type RepoRootKind int

const (
	RootIndirect RepoRootKind = iota
	RootFile
	RootArchive
	RootGenerator
)

// RepoRoot is the parsed form of a `repository` (or overlay-root) field.
type RepoRoot struct {
	Kind RepoRootKind

	Indirect string // RootIndirect
	File     *FileRoot // RootFile

	// RootArchive
	Content  string
	Fetch    string
	Distfile string
	SHA256   string
	SHA512   string
	Subdir   string

	// RootGenerator
	Command    []string
	EnvVars    map[string]string
	InheritEnv []string
	TreeID     string
}

// ParseRepoRoot decodes a `repository`/overlay-root field: a bare string is
// an indirection to another repository name, a JSON array is a file root,
// and a JSON object is an archive or generator descriptor.
func ParseRepoRoot(raw json.RawMessage) (*RepoRoot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("config: missing repository root")
	}
	switch trimmed[0] {
	case '"':
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return &RepoRoot{Kind: RootIndirect, Indirect: name}, nil

	case '[':
		fr, err := ParseFileRoot(raw)
		if err != nil {
			return nil, err
		}
		return &RepoRoot{Kind: RootFile, File: fr}, nil

	case '{':
		var obj struct {
			Type       string            `json:"type"`
			Content    string            `json:"content"`
			Fetch      string            `json:"fetch"`
			Distfile   string            `json:"distfile"`
			SHA256     string            `json:"sha256"`
			SHA512     string            `json:"sha512"`
			Subdir     string            `json:"subdir"`
			Command    []string          `json:"command"`
			EnvVars    map[string]string `json:"env_vars"`
			InheritEnv []string          `json:"inherit_env"`
			TreeID     string            `json:"tree_id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		switch obj.Type {
		case "archive", "zip":
			if obj.Content == "" || obj.Fetch == "" {
				return nil, fmt.Errorf("config: archive descriptor requires content and fetch")
			}
			return &RepoRoot{
				Kind: RootArchive, Content: obj.Content, Fetch: obj.Fetch,
				Distfile: obj.Distfile, SHA256: obj.SHA256, SHA512: obj.SHA512, Subdir: obj.Subdir,
			}, nil
		case "git tree":
			if len(obj.Command) == 0 {
				return nil, fmt.Errorf(`config: "git tree" generator descriptor requires a command`)
			}
			return &RepoRoot{
				Kind: RootGenerator, Command: obj.Command, EnvVars: obj.EnvVars,
				InheritEnv: obj.InheritEnv, TreeID: obj.TreeID,
			}, nil
		default:
			return nil, fmt.Errorf("config: unrecognized repository root type %q", obj.Type)
		}

	default:
		return nil, fmt.Errorf("config: repository root must be a string, array, or object")
	}
}

// Bindings decodes descriptor's `bindings` field (default: empty).
func Bindings(descriptor *RawObject) (map[string]string, error) {
	raw, ok := descriptor.Get("bindings")
	if !ok {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: bindings: %w", err)
	}
	return m, nil
}

// OverlayRoots returns the repository names referenced by descriptor's
// target_root/rule_root/expression_root fields, when they are indirections.
func OverlayRoots(descriptor *RawObject) ([]string, error) {
	var names []string
	for _, field := range []string{"target_root", "rule_root", "expression_root"} {
		raw, ok := descriptor.Get(field)
		if !ok {
			continue
		}
		root, err := ParseRepoRoot(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", field, err)
		}
		if root.Kind == RootIndirect {
			names = append(names, root.Indirect)
		}
	}
	return names, nil
}

// RepositoryConfig is the parsed form of §6's repository configuration
// input document.
type RepositoryConfig struct {
	Main         string
	Repositories map[string]*RawObject
}

// ParseRepositoryConfig parses a repository configuration document.
func ParseRepositoryConfig(data []byte) (*RepositoryConfig, error) {
	var raw struct {
		Main         string                `json:"main"`
		Repositories map[string]*RawObject `json:"repositories"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if raw.Repositories == nil {
		raw.Repositories = map[string]*RawObject{}
	}
	return &RepositoryConfig{Main: raw.Main, Repositories: raw.Repositories}, nil
}

// Emit serializes c as the output document shape §6 describes: a JSON
// object with "main" always present, followed by "repositories".
func (c *RepositoryConfig) Emit() ([]byte, error) {
	out := struct {
		Main         string                `json:"main"`
		Repositories map[string]*RawObject `json:"repositories"`
	}{Main: c.Main, Repositories: c.Repositories}
	return json.MarshalIndent(out, "", "  ")
}

// Location is one entry of the run-control configuration's location
// fields: a root to resolve against, a path relative to it, and an
// optional base path override.
type Location struct {
	Root string `json:"root"`
	Path string `json:"path"`
	Base string `json:"base,omitempty"`
}

// Locations decodes either a single Location or a JSON array of them into
// a uniform slice - §6: "each a location or list of locations".
type Locations []Location

func (l *Locations) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []Location
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*l = arr
		return nil
	}
	var one Location
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = Locations{one}
	return nil
}

// RunControl is the parsed run-control configuration document.
type RunControl struct {
	LocalBuildRoot    Locations `json:"local build root,omitempty"`
	CheckoutLocations Locations `json:"checkout locations,omitempty"`
	DistDirs          Locations `json:"distdirs,omitempty"`
	JustArgs          []string  `json:"just args,omitempty"`
	ConfigLookupOrder Locations `json:"config lookup order,omitempty"`
}

// ParseRunControl parses a run-control configuration document.
func ParseRunControl(data []byte) (*RunControl, error) {
	var rc RunControl
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &rc, nil
}

// ResolveLocation resolves loc to an absolute canonical (path, base) pair.
// A workspace-rooted location is skipped (not fatal) when workspaceRoot is
// empty, per §6: "skipped with a warning when absent".
func ResolveLocation(loc Location, workspaceRoot, homeDir string) (path, base string, skip bool, warning string) {
	var rootDir string
	switch loc.Root {
	case "workspace":
		if workspaceRoot == "" {
			return "", "", true, fmt.Sprintf("location %q is rooted at workspace, but no workspace was detected", loc.Path)
		}
		rootDir = workspaceRoot
	case "home":
		rootDir = homeDir
	case "system":
		rootDir = string(filepath.Separator)
	default:
		return "", "", true, fmt.Sprintf("location %q has unrecognized root %q", loc.Path, loc.Root)
	}

	baseDir := rootDir
	if loc.Base != "" {
		baseDir = filepath.Join(rootDir, loc.Base)
	}

	canonPath, err := pathutil.Canonicalize(filepath.Join(rootDir, loc.Path))
	if err != nil {
		return "", "", true, fmt.Sprintf("location %q: %v", loc.Path, err)
	}
	canonBase, err := pathutil.Canonicalize(baseDir)
	if err != nil {
		return "", "", true, fmt.Sprintf("location %q base: %v", loc.Path, err)
	}
	return canonPath, canonBase, false, ""
}
