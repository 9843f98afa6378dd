package service

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"

	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/registry"
	"github.com/mcjsscripts/jspm-registry/schema"
)

// readBundle extracts a flat (path, bytes) file set from the uploaded zip
// archive. Directory entries are dropped; paths that would escape the
// package subtree are rejected.
func readBundle(body []byte) ([]model.PackageFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fail(ErrValidation, "Request body must be a zip file!")
	}
	files := make([]model.PackageFile, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !safeBundlePath(f.Name) {
			return nil, failf(ErrValidation, "Invalid file path in archive: %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fail(ErrValidation, "Request body must be a zip file!")
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fail(ErrValidation, "Request body must be a zip file!")
		}
		files = append(files, model.PackageFile{Path: f.Name, Content: content})
	}
	return files, nil
}

// bundleManifest parses and validates the root jspm.json of a bundle.
func bundleManifest(files []model.PackageFile) (*model.Manifest, error) {
	for _, f := range files {
		if f.Path == registry.ManifestFile {
			m, err := schema.ParseManifest(f.Content)
			if err != nil {
				return nil, fail(ErrValidation, err.Error())
			}
			return m, nil
		}
	}
	return nil, fail(ErrValidation, "Missing jspm.json file at root of package")
}

func safeBundlePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsRune(p, '\\') {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
