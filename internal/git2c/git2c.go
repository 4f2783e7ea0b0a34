// Copyright (C) 2025  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package git2c wraps package git2go, providing unconditional safety.
//
// For example git2go.Object.Data() returns []byte that aliases unsafe memory
// that can go away from under []byte if the original Object is garbage
// collected. The following code snippet is thus _not_ correct:
//
//	obj = odb.Read(id)
//	data = obj.Data()
//	... use data
//
// because obj can be garbage-collected right after `data = obj.Data()` but
// before `use data`, leading to either crashes or memory corruption. A
// runtime.KeepAlive(obj) needs to be added after `use data` to make that
// snippet correct.
//
// Given that obj.Data() does not "speak" by itself as unsafe, and that there
// are many similar methods, it is easy to miss which places need special
// attention. For this reason the places interacting with git2go are
// localized to this one package, which exposes only safe things to the
// rest of the tree: data is copied out on read, and writes accept plain
// []byte, so callers never have to reason about object lifetime.
package git2c

import (
	"runtime"

	git2go "github.com/libgit2/git2go/v31"
)

// constants are safe to propagate as is.
const (
	ObjectAny     = git2go.ObjectAny
	ObjectInvalid = git2go.ObjectInvalid
	ObjectCommit  = git2go.ObjectCommit
	ObjectTree    = git2go.ObjectTree
	ObjectBlob    = git2go.ObjectBlob
	ObjectTag     = git2go.ObjectTag

	FilemodeTree           = git2go.FilemodeTree
	FilemodeBlob           = git2go.FilemodeBlob
	FilemodeBlobExecutable = git2go.FilemodeBlobExecutable
	FilemodeLink           = git2go.FilemodeLink
	FilemodeCommit         = git2go.FilemodeCommit
)

// types that are safe to propagate as is.
type (
	ObjectType = git2go.ObjectType // int
	Oid        = git2go.Oid        // [20]byte ; cloned when retrieved
	Filemode   = git2go.Filemode   // int32
	Signature  = git2go.Signature  // struct with strings ; strings are cloned when retrieved
)

// TreeEntry is our own clone of git2go.TreeEntry - all fields are
// independent copies, safe to keep past the Tree they came from.
type TreeEntry struct {
	Name     string
	Id       *Oid
	Type     ObjectType
	Filemode Filemode
}

// types that we wrap to provide safety.

// Repository provides a safe wrapper over git2go.Repository.
type Repository struct {
	repo       *git2go.Repository
	References *ReferenceCollection
	Tags       *TagCollection
}

// ReferenceCollection provides a safe wrapper over git2go.ReferenceCollection.
type ReferenceCollection struct {
	r *Repository
}

// TagCollection provides a safe wrapper over git2go.TagsCollection, used to
// write annotated tag objects (as opposed to the plain refs References
// creates) under an arbitrary namespace.
type TagCollection struct {
	r *Repository
}

// Reference provides a safe wrapper over git2go.Reference.
type Reference struct {
	ref *git2go.Reference
}

// Commit provides a safe wrapper over git2go.Commit.
type Commit struct {
	commit *git2go.Commit
}

// Tree provides a safe wrapper over git2go.Tree.
type Tree struct {
	tree *git2go.Tree
}

// TreeBuilder provides a safe wrapper over git2go.TreeBuilder.
type TreeBuilder struct {
	tb *git2go.TreeBuilder
}

// Odb provides a safe wrapper over git2go.Odb.
type Odb struct {
	odb *git2go.Odb
}

// OdbObject provides a safe wrapper over git2go.OdbObject.
type OdbObject struct {
	obj *git2go.OdbObject
}

// function and methods to navigate the object hierarchy from Repository to
// e.g. OdbObject or Commit.

func InitRepository(path string, isBare bool) (*Repository, error) {
	repo, err := git2go.InitRepository(path, isBare)
	if err != nil {
		return nil, err
	}
	return wrapRepository(repo), nil
}

func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, err
	}
	return wrapRepository(repo), nil
}

func OpenRepositoryExtended(path string, flags git2go.RepositoryOpenFlag, ceilingDirs string) (*Repository, error) {
	repo, err := git2go.OpenRepositoryExtended(path, flags, ceilingDirs)
	if err != nil {
		return nil, err
	}
	return wrapRepository(repo), nil
}

func wrapRepository(repo *git2go.Repository) *Repository {
	r := &Repository{repo: repo}
	r.References = &ReferenceCollection{r}
	r.Tags = &TagCollection{r}
	return r
}

// Create writes an annotated tag object referencing commit, with its ref at
// refs/tags/<name> (for name "refs/keep/<hex>": refs/tags/refs/keep/<hex>),
// returning the new tag object's id.
func (tc *TagCollection) Create(name string, commit *Commit, tagger *Signature, message string) (*Oid, error) {
	oid, err := tc.r.repo.Tags.Create(name, commit.commit, tagger, message)
	return oidClone(oid), err
}

func (rdb *ReferenceCollection) Create(name string, id *Oid, force bool, msg string) (*Reference, error) {
	ref, err := rdb.r.repo.References.Create(name, id, force, msg)
	if err != nil {
		return nil, err
	}
	return &Reference{ref}, nil
}

func (rdb *ReferenceCollection) Lookup(name string) (*Reference, error) {
	ref, err := rdb.r.repo.References.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Reference{ref}, nil
}

func (ref *Reference) Target() *Oid {
	id := oidClone(ref.ref.Target())
	runtime.KeepAlive(ref)
	return id
}

func (r *Repository) LookupCommit(id *Oid) (*Commit, error) {
	commit, err := r.repo.LookupCommit(id)
	if err != nil {
		return nil, err
	}
	return &Commit{commit}, nil
}

func (r *Repository) LookupTree(id *Oid) (*Tree, error) {
	tree, err := r.repo.LookupTree(id)
	if err != nil {
		return nil, err
	}
	return &Tree{tree}, nil
}

func (c *Commit) Tree() (*Tree, error) {
	tree, err := c.commit.Tree()
	if err != nil {
		return nil, err
	}
	return &Tree{tree}, nil
}

func (r *Repository) Odb() (*Odb, error) {
	odb, err := r.repo.Odb()
	if err != nil {
		return nil, err
	}
	return &Odb{odb}, nil
}

func (o *Odb) Read(oid *Oid) (*OdbObject, error) {
	obj, err := o.odb.Read(oid)
	if err != nil {
		return nil, err
	}
	return &OdbObject{obj}, nil
}

func (o *Odb) ReadHeader(oid *Oid) (size uint64, otype ObjectType, err error) {
	size, otype, err = o.odb.ReadHeader(oid)
	runtime.KeepAlive(o)
	return size, otype, err
}

func (o *Odb) Exists(oid *Oid) bool {
	exists := o.odb.Exists(oid)
	runtime.KeepAlive(o)
	return exists
}

func (r *Repository) TreeBuilder() (*TreeBuilder, error) {
	tb, err := r.repo.TreeBuilder()
	if err != nil {
		return nil, err
	}
	return &TreeBuilder{tb}, nil
}

func (tb *TreeBuilder) Insert(filename string, id *Oid, filemode Filemode) error {
	return tb.tb.Insert(filename, id, filemode)
}

func (tb *TreeBuilder) Write() (*Oid, error) {
	oid, err := tb.tb.Write()
	return oidClone(oid), err
}

func (r *Repository) CreateCommit(refname string, author, committer *Signature, message string,
	tree *Tree, parents ...*Commit) (*Oid, error) {

	parentv := make([]*git2go.Commit, 0, len(parents))
	for _, p := range parents {
		parentv = append(parentv, p.commit)
	}
	oid, err := r.repo.CreateCommit(refname, author, committer, message, tree.tree, parentv...)
	return oidClone(oid), err
}

// wrappers over safe methods

func (c *Commit) ParentCount() uint   { return c.commit.ParentCount() }
func (o *OdbObject) Type() ObjectType { return o.obj.Type() }

// wrappers over unsafe, or potentially unsafe methods

func (r *Repository) Path() string {
	path := stringsClone(r.repo.Path())
	runtime.KeepAlive(r)
	return path
}

func (r *Repository) IsBare() bool {
	bare := r.repo.IsBare()
	runtime.KeepAlive(r)
	return bare
}

func (r *Repository) DefaultSignature() (*Signature, error) {
	s, err := r.repo.DefaultSignature()
	if s != nil {
		s = &Signature{
			Name:  stringsClone(s.Name),
			Email: stringsClone(s.Email),
			When:  s.When,
		}
	}
	runtime.KeepAlive(r)
	return s, err
}

func (c *Commit) Message() string {
	msg := stringsClone(c.commit.Message())
	runtime.KeepAlive(c)
	return msg
}

func (c *Commit) ParentId(n uint) *Oid {
	pid := oidClone(c.commit.ParentId(n))
	runtime.KeepAlive(c)
	return pid
}

func (t *Tree) Id() *Oid {
	id := oidClone(t.tree.Id())
	runtime.KeepAlive(t)
	return id
}

func (t *Tree) EntryByName(filename string) *TreeEntry {
	e := t.tree.EntryByName(filename)
	te := cloneEntry(e)
	runtime.KeepAlive(t)
	return te
}

func (t *Tree) EntryCount() uint64 {
	n := t.tree.EntryCount()
	runtime.KeepAlive(t)
	return n
}

// Entries returns all direct children of the tree, fully cloned - safe to
// use after the Tree has been garbage collected.
func (t *Tree) Entries() []TreeEntry {
	n := t.tree.EntryCount()
	entries := make([]TreeEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		e := t.tree.EntryByIndex(i)
		entries = append(entries, *cloneEntry(e))
	}
	runtime.KeepAlive(t)
	return entries
}

func (o *Odb) Write(data []byte, otype ObjectType) (*Oid, error) {
	oid, err := o.odb.Write(data, otype)
	oid = oidClone(oid)
	runtime.KeepAlive(o)
	return oid, err
}

func (o *OdbObject) Id() *Oid {
	id := oidClone(o.obj.Id())
	runtime.KeepAlive(o)
	return id
}

func (o *OdbObject) Data() []byte {
	data := bytesClone(o.obj.Data())
	runtime.KeepAlive(o)
	return data
}

// misc

func cloneEntry(e *git2go.TreeEntry) *TreeEntry {
	if e == nil {
		return nil
	}
	return &TreeEntry{
		Name:     stringsClone(e.Name),
		Id:       oidClone(e.Id),
		Type:     e.Type,
		Filemode: e.Filemode,
	}
}

func oidClone(oid *Oid) *Oid {
	if oid == nil {
		return nil
	}
	var oid2 Oid
	copy(oid2[:], oid[:])
	return &oid2
}

func stringsClone(s string) string {
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}

func bytesClone(b []byte) []byte {
	b2 := make([]byte, len(b))
	copy(b2, b)
	return b2
}
