package model

import "time"

// Author identifies the publisher declared by a package manifest. UUID is the
// external game-account identifier; Name must match what the session server
// reports for that UUID.
type Author struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// VersionInfo carries the version fields of a manifest. Pkg is a semantic
// version and drives the update-ordering gate.
type VersionInfo struct {
	Pkg       string `json:"pkg"`
	Minecraft string `json:"minecraft"`
	JsScripts string `json:"jsscripts,omitempty"`
}

// Manifest is the parsed jspm.json of a package bundle.
type Manifest struct {
	Author      Author      `json:"author"`
	Version     VersionInfo `json:"version"`
	DisplayName string      `json:"displayName,omitempty"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Private     bool        `json:"private,omitempty"`
}

// Credential is a TTL-bound value (handshake nonce or session token) owned by
// one external identity. Expired credentials are indistinguishable from
// absent ones.
type Credential struct {
	OwnerID   string
	Value     string
	ExpiresAt time.Time
}

// ExpiresIn reports the remaining lifetime relative to now.
func (c Credential) ExpiresIn(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// PackageFile is one entry of an uploaded bundle. Path is relative to the
// package root, forward-slash separated.
type PackageFile struct {
	Path    string
	Content []byte
}

// RepoStats summarizes the top level of the package tree.
type RepoStats struct {
	PackageCount int
	Size         int64
	PackageNames []string
}

// PackageMetadata is the stored manifest of a published package.
type PackageMetadata struct {
	URL     string // public location of the manifest
	Content []byte // raw jspm.json bytes
}
