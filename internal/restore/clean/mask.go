package clean

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/rerror"
)

// userObjectOIDThreshold is PostgreSQL's FirstNormalObjectId: built-in
// databases (template0, template1, postgres) always have OIDs below it
// and must never be zeroed, or the server will refuse to start.
const userObjectOIDThreshold = 16384

// versionSentinel is the per-database file PostgreSQL checks to validate
// a database directory; it is never zeroed so a masked database still
// looks structurally valid.
const versionSentinel = "PG_VERSION"

// SelectiveMask decides, per file, whether selective restore (spec
// §4.C.6) requires it to be produced as sparse zeroes instead of
// fetched.
type SelectiveMask struct {
	re *regexp.Regexp
}

// Masked reports whether fileName (a manifest-namespace file name) falls
// under a database masked out by the --db-include set.
func (s *SelectiveMask) Masked(fileName string) bool {
	if s == nil || s.re == nil {
		return false
	}
	if filepath.Base(fileName) == versionSentinel {
		return false
	}
	return s.re.MatchString(fileName)
}

// BuildSelectiveMask computes the mask for include, the set of database
// names the caller wants real data for. Every other non-built-in
// database is masked. A nil/empty include list masks nothing (the
// default, non-selective restore).
func BuildSelectiveMask(m *manifest.Manifest, include []string) (*SelectiveMask, error) {
	if len(include) == 0 {
		return &SelectiveMask{}, nil
	}

	wanted := make(map[string]bool, len(include))
	for _, name := range include {
		wanted[name] = true
	}

	byName := make(map[string]manifest.Db, len(m.Dbs))
	for _, db := range m.Dbs {
		byName[db.Name] = db
	}
	for _, name := range include {
		db, ok := byName[name]
		if !ok {
			return nil, rerror.New(rerror.DbMissing, "--db-include names unknown database %q", name)
		}
		if db.ID < userObjectOIDThreshold {
			return nil, rerror.New(rerror.DbInvalid, "--db-include names built-in database %q, which is always restored", name)
		}
	}

	var oids []uint32
	for _, db := range m.Dbs {
		if db.ID < userObjectOIDThreshold {
			continue // built-in: never zeroed
		}
		if wanted[db.Name] {
			continue // explicitly kept
		}
		oids = append(oids, db.ID)
	}
	if len(oids) == 0 {
		return &SelectiveMask{}, nil
	}

	parts := make([]string, len(oids))
	for i, oid := range oids {
		parts[i] = fmt.Sprintf("%d", oid)
	}
	// Matches base/<oid>/... and <tablespace-oid>/<oid>/... for any
	// masked database.
	pattern := fmt.Sprintf(`(^|/)(%s)/`, strings.Join(parts, "|"))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("clean: compile selective mask: %w", err)
	}
	return &SelectiveMask{re: re}, nil
}
