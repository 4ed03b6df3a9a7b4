package manifest

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vbp1/pgrestore/internal/rerror"
	"github.com/vbp1/pgrestore/internal/restoreenv"
)

// ProjectOptions carries the CLI-visible remap inputs consumed by Project
// (spec §4.D).
type ProjectOptions struct {
	DataDir          string            // --pg-path equivalent; "" = no base remap
	TablespaceMap    map[string]string // id-or-name -> path
	TablespaceMapAll string            // prefix path; "" = unset
	LinkMap          map[string]string // link target name -> path
	LinkAll          bool
}

// Project runs the four manifest-projection steps in order: base remap,
// tablespace remap, link remap (+ sanity check), ownership normalization.
// It mutates m in place.
func Project(m *Manifest, opts ProjectOptions, env *restoreenv.Env) error {
	if err := projectBase(m, opts); err != nil {
		return err
	}
	if err := projectTablespaces(m, opts); err != nil {
		return err
	}
	if err := projectLinks(m, opts); err != nil {
		return err
	}
	if err := checkLinkSanity(m); err != nil {
		return err
	}
	normalizeOwnership(m, env)
	return nil
}

func projectBase(m *Manifest, opts ProjectOptions) error {
	if opts.DataDir == "" {
		return nil
	}
	for i := range m.Targets {
		if m.Targets[i].Name == "pg_data" {
			if m.Targets[i].Path != opts.DataDir {
				slog.Info("remapping base data directory", "from", m.Targets[i].Path, "to", opts.DataDir)
				m.Targets[i].Path = opts.DataDir
			}
			return nil
		}
	}
	return rerror.New(rerror.Format, "manifest has no pg_data base target")
}

// projectTablespaces applies --tablespace-map / --tablespace-map-all.
// Precedence: an explicit per-tablespace entry (matched by id or by name)
// beats the all-prefix. Contradictory id+name mappings, or unreferenced
// tablespace-map entries, are fatal.
func projectTablespaces(m *Manifest, opts ProjectOptions) error {
	used := make(map[string]bool, len(opts.TablespaceMap))

	for i := range m.Targets {
		t := &m.Targets[i]
		if !t.IsTablespace() {
			continue
		}
		idKey := strconv.FormatUint(uint64(t.TablespaceID), 10)
		nameKey := t.TablespaceName

		pathByID, hasID := opts.TablespaceMap[idKey]
		pathByName, hasName := opts.TablespaceMap[nameKey]
		if hasID {
			used[idKey] = true
		}
		if hasName {
			used[nameKey] = true
		}

		switch {
		case hasID && hasName && pathByID != pathByName:
			return rerror.New(rerror.TablespaceMap,
				"tablespace %d (%s) remapped by name and id with different paths", t.TablespaceID, t.TablespaceName)
		case hasID:
			t.Path = pathByID
		case hasName:
			t.Path = pathByName
		case opts.TablespaceMapAll != "":
			t.Path = filepath.Join(opts.TablespaceMapAll, idKey)
		}
	}

	for key := range opts.TablespaceMap {
		if !used[key] {
			return rerror.New(rerror.TablespaceMap, "tablespace-map entry %q does not match any tablespace in the manifest", key)
		}
	}
	return nil
}

// projectLinks applies --link-map / --link-all to named (non-tablespace)
// link targets.
func projectLinks(m *Manifest, opts ProjectOptions) error {
	used := make(map[string]bool, len(opts.LinkMap))
	var kept []Target

	for _, t := range m.Targets {
		if t.Type != TargetLink || t.IsTablespace() {
			kept = append(kept, t)
			continue
		}

		newPath, mapped := opts.LinkMap[t.Name]
		if mapped {
			used[t.Name] = true
			if t.File != "" {
				t.Path = filepath.Dir(newPath)
				t.File = filepath.Base(newPath)
			} else {
				t.Path = newPath
			}
			kept = append(kept, t)
			continue
		}

		if opts.LinkAll {
			kept = append(kept, t)
			continue
		}

		// Drop the link: restore it in place as a plain directory (dir
		// links) or as a regular file at the same location (file links).
		if t.File == "" {
			slog.Warn("link not in link-map: restoring as plain directory", "name", t.Name, "path", t.Path)
			t.Type = TargetPath
			kept = append(kept, t)
		} else {
			slog.Warn("link not in link-map: restoring as regular file", "name", t.Name, "path", filepath.Join(t.Path, t.File))
			// omit the target entirely; the file's own manifest entry
			// already carries its destination path.
		}
	}
	m.Targets = kept

	for key := range opts.LinkMap {
		if !used[key] {
			return rerror.New(rerror.LinkMap, "link-map entry %q does not match any link in the manifest", key)
		}
	}
	return nil
}

// checkLinkSanity ensures no two links resolve to the same destination and
// no link lives inside another link's destination.
func checkLinkSanity(m *Manifest) error {
	var dests []string
	for _, t := range m.Targets {
		if t.Type != TargetLink {
			continue
		}
		d := t.Path
		if t.File != "" {
			d = filepath.Join(t.Path, t.File)
		}
		dests = append(dests, filepath.Clean(d))
	}

	for i := range dests {
		for j := range dests {
			if i == j {
				continue
			}
			if dests[i] == dests[j] {
				return rerror.New(rerror.LinkMap, "two links resolve to the same destination %q", dests[i])
			}
			if isWithin(dests[i], dests[j]) {
				return rerror.New(rerror.LinkMap, "link destination %q lives inside link destination %q", dests[i], dests[j])
			}
		}
	}
	return nil
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// normalizeOwnership implements spec §4.D.5. If running as root, entries
// whose user/group cannot be resolved locally fall back to the data
// directory's owner/group. If not running as root, every entry's
// user/group is replaced by the current identity.
func normalizeOwnership(m *Manifest, env *restoreenv.Env) {
	warned := make(map[string]bool)
	warn := func(name string) {
		if name == "" || warned[name] {
			return
		}
		warned[name] = true
		slog.Warn("manifest ownership: could not resolve, substituting", "name", name)
	}

	if !env.IsRoot {
		curUser := m.Pool.Intern(env.CurrentUser)
		curGroup := m.Pool.Intern(env.CurrentGroup)
		for i := range m.Files {
			f := &m.Files[i]
			if old := m.UserName(f.User); old != env.CurrentUser {
				warn(old)
			}
			if old := m.GroupName(f.Group); old != env.CurrentGroup {
				warn(old)
			}
			f.User, f.Group = curUser, curGroup
		}
		for i := range m.Paths {
			m.Paths[i].User, m.Paths[i].Group = curUser, curGroup
		}
		for i := range m.Links {
			m.Links[i].User, m.Links[i].Group = curUser, curGroup
		}
		return
	}

	dataDirUID, dataDirGID := dataDirOwner(m.BaseTarget().Path)
	fallbackUser, fallbackGroup := Ref(NoRef), Ref(NoRef)
	if dataDirUID != "" {
		fallbackUser = m.Pool.Intern(dataDirUID)
	}
	if dataDirGID != "" {
		fallbackGroup = m.Pool.Intern(dataDirGID)
	}

	fixUser := func(r Ref) Ref {
		name := m.Pool.Get(r)
		if name == "" {
			return r
		}
		if _, ok := env.LookupUser(name); ok {
			return r
		}
		warn(name)
		if fallbackUser != NoRef {
			return fallbackUser
		}
		return r
	}
	fixGroup := func(r Ref) Ref {
		name := m.Pool.Get(r)
		if name == "" {
			return r
		}
		if _, ok := env.LookupGroup(name); ok {
			return r
		}
		warn(name)
		if fallbackGroup != NoRef {
			return fallbackGroup
		}
		return r
	}

	for i := range m.Files {
		m.Files[i].User = fixUser(m.Files[i].User)
		m.Files[i].Group = fixGroup(m.Files[i].Group)
	}
	for i := range m.Paths {
		m.Paths[i].User = fixUser(m.Paths[i].User)
		m.Paths[i].Group = fixGroup(m.Paths[i].Group)
	}
	for i := range m.Links {
		m.Links[i].User = fixUser(m.Links[i].User)
		m.Links[i].Group = fixGroup(m.Links[i].Group)
	}
}

// dataDirOwner stats the (already-remapped) base data directory to find
// its owning user/group names, for root fallback substitution. Returns
// ("", "") if the directory does not yet exist or ownership can't be
// resolved — the caller then leaves unresolvable entries untouched.
func dataDirOwner(path string) (user, group string) {
	info, err := os.Stat(path)
	if err != nil {
		return "", ""
	}
	return statOwner(info)
}
