// Package registry is the read/write façade over the package content tree:
// list packages, fetch manifests, read the ban list and publish bundles as
// single atomic commits.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcjsscripts/jspm-registry/gitstore"
	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/schema"
)

const (
	// PackagesPath is the top-level directory holding one subtree per package.
	PackagesPath = "packages"
	// ManifestFile is the metadata file required in every package.
	ManifestFile = "jspm.json"
	// EntryFile is the mandatory entry point at the package root.
	EntryFile = "index.js"
	// BanListFile holds the JSON array of banned publisher uuids.
	BanListFile = "blacklist.json"
)

// ErrNotFound is returned when a package or its manifest is absent.
var ErrNotFound = errors.New("package does not exist")

// Repo reads and writes the content tree through a branch-bound git store.
type Repo struct {
	store         *gitstore.Store
	publicURL     string // public browse URL of the backing repository
	banFailClosed bool   // treat an unreadable ban list as an error instead of empty
}

// New returns a Repo over the given store. publicURL is the base of the
// reference URLs handed back to clients.
func New(store *gitstore.Store, publicURL string, banFailClosed bool) *Repo {
	return &Repo{store: store, publicURL: publicURL, banFailClosed: banFailClosed}
}

// PackageURL returns the public reference URL for a package.
func (r *Repo) PackageURL(name string) string {
	return fmt.Sprintf("%s/%s/%s/", r.publicURL, PackagesPath, name)
}

// Stats enumerates the top-level package directories, skipping entries whose
// name is not a valid package name. A missing packages directory yields a
// nil result rather than an error.
func (r *Repo) Stats(ctx context.Context) (*model.RepoStats, error) {
	head, err := r.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := r.store.List(ctx, head, PackagesPath)
	if errors.Is(err, gitstore.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stats := &model.RepoStats{PackageNames: []string{}}
	for _, e := range entries {
		if !e.IsDir || !schema.ValidName(e.Name) {
			continue
		}
		stats.PackageCount++
		stats.Size += e.Size
		stats.PackageNames = append(stats.PackageNames, e.Name)
	}
	return stats, nil
}

// Manifest fetches the stored jspm.json of one package. Anything other than
// a plain file at the expected path reports ErrNotFound.
func (r *Repo) Manifest(ctx context.Context, name string) (*model.PackageMetadata, error) {
	head, err := r.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	content, err := r.store.Read(ctx, head, PackagesPath+"/"+name+"/"+ManifestFile)
	if errors.Is(err, gitstore.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.PackageMetadata{
		URL:     r.PackageURL(name) + ManifestFile,
		Content: content,
	}, nil
}

// BanList fetches the banned-uuid list, re-read on every call. By default an
// absent or malformed file reads as empty (fail-open); with banFailClosed
// set, it is surfaced as an error instead.
func (r *Repo) BanList(ctx context.Context) ([]string, error) {
	head, err := r.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	content, err := r.store.Read(ctx, head, BanListFile)
	if err != nil {
		if errors.Is(err, gitstore.ErrNotExist) && !r.banFailClosed {
			return []string{}, nil
		}
		if r.banFailClosed {
			return nil, fmt.Errorf("read %s: %w", BanListFile, err)
		}
		return []string{}, nil
	}
	var banned []string
	if err := json.Unmarshal(content, &banned); err != nil {
		if r.banFailClosed {
			return nil, fmt.Errorf("decode %s: %w", BanListFile, err)
		}
		return []string{}, nil
	}
	return banned, nil
}

// Publish commits the bundle as the new content of packages/<name>: one blob
// per file, one tree, one commit, one fast-forward ref update. A lost race
// against a concurrent publish surfaces as gitstore.ErrConflict.
func (r *Repo) Publish(ctx context.Context, name string, update bool, files []model.PackageFile) (string, error) {
	head, err := r.store.Head(ctx)
	if err != nil {
		return "", err
	}
	prefix := PackagesPath + "/" + name
	fileMap := make(map[string][]byte, len(files))
	for _, f := range files {
		fileMap[prefix+"/"+f.Path] = f.Content
	}
	message := fmt.Sprintf("Create package %s", name)
	if update {
		message = fmt.Sprintf("Update package %s", name)
	}
	if _, err := r.store.Commit(ctx, head, message, fileMap, prefix); err != nil {
		return "", err
	}
	return r.PackageURL(name), nil
}
