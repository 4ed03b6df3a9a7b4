// Package clean implements the directory reconciler (spec §4.C): making
// the on-disk layout under the data directory match the projected
// manifest before any block data is fetched.
package clean

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vbp1/pgrestore/internal/manifest"
)

// Resolver maps manifest-namespace names (prefixed by a path target's
// Name, per the manifest's own convention — see
// internal/manifest/load.go's fileBelongsToTarget) onto real filesystem
// paths.
type Resolver struct {
	m         *manifest.Manifest
	pgVersion string

	pathTargets []manifest.Target // sorted by Name length descending, for longest-prefix match
}

// NewResolver builds a Resolver over m's projected targets for a backup
// taken from a server running pgVersion (e.g. "14", "9.6").
func NewResolver(m *manifest.Manifest, pgVersion string) *Resolver {
	r := &Resolver{m: m, pgVersion: pgVersion}
	for _, t := range m.Targets {
		// A tablespace's mount point is a symlink (Type==TargetLink), but
		// its contents are a directory tree addressed by the same
		// name-prefix convention as a path target — see
		// internal/manifest/load.go's fileBelongsToTarget.
		if t.Type == manifest.TargetPath || t.IsTablespace() {
			r.pathTargets = append(r.pathTargets, t)
		}
	}
	sort.Slice(r.pathTargets, func(i, j int) bool { return len(r.pathTargets[i].Name) > len(r.pathTargets[j].Name) })
	return r
}

// TargetRoot returns the resolved filesystem directory a path target's
// own files live under, including the PostgreSQL major-version directory
// pgBackRest-style tablespaces use from 9.0 onward.
func (r *Resolver) TargetRoot(t manifest.Target) string {
	if t.IsTablespace() {
		return filepath.Join(t.Path, tablespaceVersionDir(r.pgVersion))
	}
	return t.Path
}

// tablespaceVersionDir names the catalog-version subdirectory PostgreSQL
// creates inside every tablespace directory from 9.0 onward. Real
// PostgreSQL appends a numeric catalog version this core has no way to
// know ahead of restore; the manifest's declared pgVersion string is used
// verbatim as a stand-in, which is enough to keep tablespace files
// isolated across restores of different major versions.
func tablespaceVersionDir(pgVersion string) string {
	return "PG_" + pgVersion
}

// findTarget returns the path target owning name under the manifest's
// prefix-namespace convention (longest prefix wins).
func (r *Resolver) findTarget(name string) (manifest.Target, bool) {
	for _, t := range r.pathTargets {
		if hasPathPrefix(name, t.Name) {
			return t, true
		}
	}
	return manifest.Target{}, false
}

// AbsPath resolves a manifest-namespace name (a FileEntry.Name or
// PathEntry.Name) to an absolute filesystem path.
func (r *Resolver) AbsPath(name string) (string, error) {
	t, ok := r.findTarget(name)
	if !ok {
		return "", fmt.Errorf("clean: %q matches no path target", name)
	}
	rel := strings.TrimPrefix(name, t.Name)
	rel = strings.TrimPrefix(rel, "/")
	return filepath.Join(r.TargetRoot(t), rel), nil
}

// AbsLinkPath resolves a link target's own on-disk location. Tablespace
// symlinks always live at the fixed PostgreSQL location
// <pg_data>/pg_tblspc/<oid>, regardless of where the tablespace itself is
// remapped to; other (user-requested) links resolve like any other
// manifest-namespace name, via their parent path target's root.
func (r *Resolver) AbsLinkPath(t manifest.Target) (string, error) {
	if t.IsTablespace() {
		return filepath.Join(r.m.BaseTarget().Path, "pg_tblspc", strconv.FormatUint(uint64(t.TablespaceID), 10)), nil
	}
	idx := strings.LastIndex(t.Name, "/")
	if idx < 0 {
		return "", fmt.Errorf("clean: link target %q has no parent", t.Name)
	}
	parent, base := t.Name[:idx], t.Name[idx+1:]
	parentAbs, err := r.AbsPath(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentAbs, base), nil
}

func hasPathPrefix(name, prefix string) bool {
	if name == prefix {
		return true
	}
	return len(name) > len(prefix) && strings.HasPrefix(name, prefix) && name[len(prefix)] == '/'
}
