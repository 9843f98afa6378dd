// Package schema validates package names, manifests and version strings.
// Manifest shape is described declaratively in manifest.cue and evaluated
// with CUE; the format rules whose wording clients depend on (uuid, semver)
// are checked explicitly afterwards.
package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/mcjsscripts/jspm-registry/model"
)

//go:embed manifest.cue
var schemaFS embed.FS

// Package names may only use lowercase letters, hyphen, underscore and space.
var nameRE = regexp.MustCompile(`^[-_a-z ]+$`)

// semverRE mirrors the validity rule published to package authors:
// MAJOR.MINOR.PATCH with optional prerelease and build metadata.
var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-(?:0|[1-9A-Za-z-][0-9A-Za-z-]*)(?:\.(?:0|[1-9A-Za-z-][0-9A-Za-z-]*))*)?` +
	`(?:\+(?:0|[1-9A-Za-z-][0-9A-Za-z-]*)(?:\.(?:0|[1-9A-Za-z-][0-9A-Za-z-]*))*)?$`)

var (
	errBadUUID   = errors.New("`author.uuid` must be a UUID!")
	errBadSemver = errors.New("`version.pkg` must be a semantic version!")
)

// ValidName reports whether name is a well-formed package name.
func ValidName(name string) bool { return nameRE.MatchString(name) }

// ValidSemver reports whether s is a well-formed semantic version
// (no leading "v").
func ValidSemver(s string) bool { return semverRE.MatchString(s) }

// VersionGreater reports whether version a orders strictly after b under
// semantic-version precedence (prerelease aware, build metadata ignored).
// Both arguments must already be valid per ValidSemver.
func VersionGreater(a, b string) bool {
	return semver.Compare("v"+a, "v"+b) > 0
}

// ValidUUID reports whether s parses as an external account identifier.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

var (
	compileOnce sync.Once
	manifestDef cue.Value
)

func manifestSchema() cue.Value {
	compileOnce.Do(func() {
		src, err := schemaFS.ReadFile("manifest.cue")
		if err != nil {
			panic(fmt.Sprintf("schema: read manifest.cue: %v", err))
		}
		v := cuecontext.New().CompileBytes(src)
		if v.Err() != nil {
			panic(fmt.Sprintf("schema: compile manifest.cue: %v", v.Err()))
		}
		manifestDef = v.LookupPath(cue.ParsePath("#Manifest"))
		if manifestDef.Err() != nil {
			panic(fmt.Sprintf("schema: lookup #Manifest: %v", manifestDef.Err()))
		}
	})
	return manifestDef
}

// ParseManifest validates raw jspm.json bytes against the manifest schema and
// returns the decoded manifest. The returned error wording is part of the
// client contract.
func ParseManifest(data []byte) (*model.Manifest, error) {
	def := manifestSchema()

	// JSON is a valid CUE expression, so the raw bytes compile directly.
	val := def.Context().CompileBytes(data)
	if val.Err() != nil {
		return nil, fmt.Errorf("Invalid jspm.json: %v", val.Err())
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("Invalid jspm.json: %v", err)
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("Invalid jspm.json: %v", err)
	}
	if !ValidUUID(m.Author.UUID) {
		return nil, errBadUUID
	}
	if !ValidSemver(m.Version.Pkg) {
		return nil, errBadSemver
	}
	return &m, nil
}
