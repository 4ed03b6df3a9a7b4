// Package queue implements the per-partition job queues of spec §4.E: the
// base data directory and every tablespace form one partition each, and
// every partition orders its files size-descending so the largest files
// start first and the tail shrinks smoothly.
//
// The sort is grounded on internal/rsync/distribute.go's
// sort-by-size-descending idiom, simplified from that function's hybrid
// best-fit/round-robin worker bucketing (which balances load across a
// fixed worker count) down to one ordered queue per partition, since here
// partitioning is about locality — a worker biased toward one tablespace —
// not balance; the scheduler (§4.F) does the load distribution.
package queue

import (
	"sort"
	"strconv"
	"strings"

	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/rerror"
)

// Job is one unit of restore work: a single manifest file entry located
// under a given partition.
type Job struct {
	Partition int
	File      manifest.FileEntry
}

// Partition is one ordered queue of jobs sharing a manifest-namespace
// prefix (the base directory, or one tablespace).
type Partition struct {
	Name  string // manifest Target.Name this partition's files are prefixed by
	jobs  []Job
	next  int
	Total int64 // sum of File.Size across this partition, for the progress denominator
}

// Len reports the number of jobs remaining (not yet popped) in p.
func (p *Partition) Len() int { return len(p.jobs) - p.next }

// Peek returns the head job without removing it.
func (p *Partition) Peek() (Job, bool) {
	if p.next >= len(p.jobs) {
		return Job{}, false
	}
	return p.jobs[p.next], true
}

// Pop removes and returns the head job.
func (p *Partition) Pop() (Job, bool) {
	j, ok := p.Peek()
	if ok {
		p.next++
	}
	return j, ok
}

// Set holds one Partition per manifest target (base directory plus every
// tablespace) and the grand total size across all of them.
type Set struct {
	Partitions []*Partition
	TotalSize  int64
}

// Build partitions m's file list per spec §4.E: one partition per path
// target and tablespace target, each file assigned to the partition whose
// name prefixes it (longest match wins, mirroring
// internal/manifest/load.go's fileBelongsToTarget convention), sorted
// size-descending with ties broken by name ascending. pgVersion controls
// whether the tablespace_map control file is dropped from the base
// partition (PostgreSQL 12 and later materialize tablespaces from the
// control file itself, so the backup's captured copy is redundant and
// spec §4.E requires its omission — the reconciler already created the
// tablespace symlinks in §4.C).
func Build(m *manifest.Manifest, pgVersionMajor int) (*Set, error) {
	roots := partitionRoots(m)

	byRoot := make(map[string][]manifest.FileEntry, len(roots))
	for _, f := range m.Files {
		if pgVersionMajor >= 12 && isTablespaceMapFile(f.Name) {
			continue
		}
		root, ok := owningRoot(f.Name, roots)
		if !ok {
			return nil, rerror.New(rerror.Format, "%s: matches no path target or tablespace (manifest declares %d partition roots)", f.Name, len(roots))
		}
		byRoot[root] = append(byRoot[root], f)
	}

	// Partitions follow manifest target order (base first), while roots
	// stays longest-first for owningRoot's prefix scan.
	set := &Set{}
	for _, t := range m.Targets {
		if t.Type != manifest.TargetPath && !t.IsTablespace() {
			continue
		}
		root := t.Name
		files := byRoot[root]
		sort.Slice(files, func(i, j int) bool {
			if files[i].Size != files[j].Size {
				return files[i].Size > files[j].Size
			}
			return files[i].Name < files[j].Name
		})
		p := &Partition{Name: root}
		for _, f := range files {
			p.jobs = append(p.jobs, Job{Partition: len(set.Partitions), File: f})
			p.Total += f.Size
		}
		set.Partitions = append(set.Partitions, p)
		set.TotalSize += p.Total
	}
	return set, nil
}

// partitionRoots returns the manifest-namespace prefix for every partition
// (the base target and every tablespace target), longest-name-first so
// owningRoot's prefix scan resolves the most specific partition first.
func partitionRoots(m *manifest.Manifest) []string {
	var roots []string
	for _, t := range m.Targets {
		if t.Type == manifest.TargetPath || t.IsTablespace() {
			roots = append(roots, t.Name)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return len(roots[i]) > len(roots[j]) })
	return roots
}

// owningRoot returns the most specific partition root owning name, falling
// back to the most general one (the base partition, last in roots since
// they're sorted longest-first) for any file that matches no declared
// target prefix. ok is false only when roots itself is empty, which a
// validly loaded manifest's base-target invariant (internal/manifest/load.go)
// never produces — this is a last-resort guard against a malformed or
// hand-constructed manifest reaching Build.
func owningRoot(name string, roots []string) (string, bool) {
	for _, root := range roots {
		if name == root || strings.HasPrefix(name, root+"/") {
			return root, true
		}
	}
	if len(roots) == 0 {
		return "", false
	}
	return roots[len(roots)-1], true
}

// isTablespaceMapFile reports whether name is the manifest entry for
// PostgreSQL's tablespace_map control file, which always lives directly
// under the base target.
func isTablespaceMapFile(name string) bool {
	idx := strings.LastIndex(name, "/")
	base := name
	if idx >= 0 {
		base = name[idx+1:]
	}
	return base == "tablespace_map"
}

// ParseMajorVersion extracts the leading major version number from a
// PostgreSQL version string ("16.3" -> 16, "9.6.24" -> 9). Returns 0 if it
// cannot be parsed, which Build treats as "below 12" (never omit the
// control file) — the conservative choice when the version is unknown.
func ParseMajorVersion(pgVersion string) int {
	idx := strings.IndexByte(pgVersion, '.')
	s := pgVersion
	if idx >= 0 {
		s = pgVersion[:idx]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
