// Package gitstore exposes the registry's backing git repository as an
// atomic "read head / write tree / fast-forward ref" content store. All
// writes go through Commit, which merges a file set into the head tree and
// advances the branch only if it has not moved since the caller read it.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

var (
	// ErrNotExist is returned when a path is absent from the tree at the
	// requested snapshot, or is not the kind of entry the caller asked for.
	ErrNotExist = errors.New("path does not exist")

	// ErrConflict is returned when the branch moved between reading the head
	// and the fast-forward ref update. The partially written objects stay
	// unreferenced; git treats them as collectable garbage.
	ErrConflict = errors.New("branch has moved concurrently")

	// ErrBadPath is returned for file paths that would escape the tree.
	ErrBadPath = errors.New("invalid file path")
)

// Hash identifies a snapshot (commit) of the content tree.
type Hash = plumbing.Hash

// Entry describes one node of a tree listing. Size is the blob size for
// files and the recursive blob total for directories.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Store is a branch-bound handle to one git repository. It is resolved once
// at startup and injected into the package repository; a missing repo is a
// boot failure, not a per-request condition.
type Store struct {
	storer storage.Storer
	branch plumbing.ReferenceName
	author func() object.Signature
}

// Open binds to the bare repository at path. The branch is created with an
// empty root commit when absent, so every later write has a parent to
// compare-and-swap against.
func Open(path, branch, committerName, committerEmail string) (*Store, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return New(repo, branch, committerName, committerEmail)
}

// New binds to an already opened repository. Used directly by tests with an
// in-memory storer.
func New(repo *git.Repository, branch, committerName, committerEmail string) (*Store, error) {
	s := &Store{
		storer: repo.Storer,
		branch: plumbing.NewBranchReferenceName(branch),
		author: func() object.Signature {
			return object.Signature{Name: committerName, Email: committerEmail, When: time.Now()}
		},
	}
	if err := s.ensureBranch(); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureBranch seeds a missing branch with an empty root commit.
func (s *Store) ensureBranch() error {
	_, err := s.storer.Reference(s.branch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("resolve branch %s: %w", s.branch, err)
	}
	treeHash, err := s.writeTree(nil)
	if err != nil {
		return err
	}
	commitHash, err := s.writeCommit("initial commit", treeHash, nil)
	if err != nil {
		return err
	}
	return s.storer.SetReference(plumbing.NewHashReference(s.branch, commitHash))
}

// Head returns the current commit of the bound branch.
func (s *Store) Head(ctx context.Context) (Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	ref, err := s.storer.Reference(s.branch)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve branch %s: %w", s.branch, err)
	}
	return ref.Hash(), nil
}

// List returns the entries of the directory at path in the given snapshot.
func (s *Store) List(ctx context.Context, head Hash, path string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := s.rootTree(head)
	if err != nil {
		return nil, err
	}
	dir := root
	if path != "" {
		dir, err = root.Tree(path)
		if err != nil {
			return nil, ErrNotExist
		}
	}
	entries := make([]Entry, 0, len(dir.Entries))
	for _, te := range dir.Entries {
		e := Entry{Name: te.Name, IsDir: te.Mode == filemode.Dir}
		if e.IsDir {
			sub, err := object.GetTree(s.storer, te.Hash)
			if err != nil {
				return nil, fmt.Errorf("load tree %s: %w", te.Name, err)
			}
			if e.Size, err = s.treeSize(sub); err != nil {
				return nil, err
			}
		} else {
			if e.Size, err = s.storer.EncodedObjectSize(te.Hash); err != nil {
				return nil, fmt.Errorf("size of %s: %w", te.Name, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Read returns the contents of the file at path in the given snapshot.
// Directories and missing paths report ErrNotExist alike.
func (s *Store) Read(ctx context.Context, head Hash, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := s.rootTree(head)
	if err != nil {
		return nil, err
	}
	f, err := root.File(path)
	if err != nil {
		return nil, ErrNotExist
	}
	r, err := f.Blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Commit writes one blob per file (paths are repo-relative), removes the
// directory at replacePrefix (empty for none) before merging the blobs into
// the parent's root tree, records a commit on top of parent and
// fast-forwards the branch. The ref update is the sole linearization point:
// if the branch moved since parent was read, ErrConflict is returned and
// nothing written becomes reachable.
func (s *Store) Commit(ctx context.Context, parent Hash, message string, files map[string][]byte, replacePrefix string) (Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	add, err := buildAdds(files)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var remove []string
	if replacePrefix != "" {
		remove = strings.Split(replacePrefix, "/")
	}

	parentCommit, err := object.GetCommit(s.storer, parent)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("load parent commit: %w", err)
	}
	root, err := parentCommit.Tree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("load parent tree: %w", err)
	}
	rootHash, err := s.updateTree(root, add, remove)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := s.writeCommit(message, rootHash, []plumbing.Hash{parent})
	if err != nil {
		return plumbing.ZeroHash, err
	}

	old := plumbing.NewHashReference(s.branch, parent)
	next := plumbing.NewHashReference(s.branch, commitHash)
	if err := s.storer.CheckAndSetReference(next, old); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return plumbing.ZeroHash, ErrConflict
		}
		return plumbing.ZeroHash, fmt.Errorf("update branch %s: %w", s.branch, err)
	}
	return commitHash, nil
}

// ─── tree plumbing ─────────────────────────────────────────────────────────

// dirNode is a pending set of additions under one directory.
type dirNode struct {
	blobs map[string][]byte
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{blobs: map[string][]byte{}, dirs: map[string]*dirNode{}}
}

func buildAdds(files map[string][]byte) (*dirNode, error) {
	root := newDirNode()
	for path, content := range files {
		segs := strings.Split(path, "/")
		node := root
		for i, seg := range segs {
			if seg == "" || seg == "." || seg == ".." || strings.ContainsRune(seg, '\\') {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
			}
			if i == len(segs)-1 {
				node.blobs[seg] = content
				continue
			}
			child, ok := node.dirs[seg]
			if !ok {
				child = newDirNode()
				node.dirs[seg] = child
			}
			node = child
		}
	}
	return root, nil
}

// updateTree returns the hash of base (nil for an empty directory) with the
// path at remove dropped and every addition in add merged in. A directory
// that is both removed and re-added is rebuilt from scratch, which is what
// gives package publishes their full-replace semantics.
func (s *Store) updateTree(base *object.Tree, add *dirNode, remove []string) (plumbing.Hash, error) {
	entries := map[string]object.TreeEntry{}
	if base != nil {
		for _, te := range base.Entries {
			entries[te.Name] = te
		}
	}
	if len(remove) == 1 {
		delete(entries, remove[0])
	}
	if add == nil {
		add = newDirNode()
	}

	for name, content := range add.blobs {
		hash, err := s.writeBlob(content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash}
	}

	recurse := map[string]bool{}
	for name := range add.dirs {
		recurse[name] = true
	}
	if len(remove) > 1 {
		recurse[remove[0]] = true
	}
	for name := range recurse {
		var childBase *object.Tree
		if te, ok := entries[name]; ok && te.Mode == filemode.Dir {
			loaded, err := object.GetTree(s.storer, te.Hash)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("load tree %s: %w", name, err)
			}
			childBase = loaded
		}
		var childRemove []string
		if len(remove) > 1 && remove[0] == name {
			childRemove = remove[1:]
		}
		childAdd := add.dirs[name]
		if childBase == nil && childAdd == nil {
			continue // removal inside a directory that does not exist
		}
		hash, err := s.updateTree(childBase, childAdd, childRemove)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash}
	}

	flat := make([]object.TreeEntry, 0, len(entries))
	for _, te := range entries {
		flat = append(flat, te)
	}
	return s.writeTree(flat)
}

func (s *Store) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := s.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.storer.SetEncodedObject(obj)
}

func (s *Store) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sortTreeEntries(entries)
	tree := &object.Tree{Entries: entries}
	obj := s.storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.storer.SetEncodedObject(obj)
}

func (s *Store) writeCommit(message string, tree plumbing.Hash, parents []plumbing.Hash) (plumbing.Hash, error) {
	sig := s.author()
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := s.storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.storer.SetEncodedObject(obj)
}

func (s *Store) rootTree(head Hash) (*object.Tree, error) {
	commit, err := object.GetCommit(s.storer, head)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", head, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load root tree: %w", err)
	}
	return tree, nil
}

// treeSize sums the blob sizes of every file reachable from tree.
func (s *Store) treeSize(tree *object.Tree) (int64, error) {
	var total int64
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		_, entry, err := walker.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		size, err := s.storer.EncodedObjectSize(entry.Hash)
		if err != nil {
			return 0, err
		}
		total += size
	}
}

// sortTreeEntries orders entries the way git serializes trees: byte order of
// names, with directory names compared as if suffixed by "/".
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool { return key(entries[i]) < key(entries[j]) })
}
