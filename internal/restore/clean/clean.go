package clean

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/vbp1/pgrestore/internal/manifest"
	"github.com/vbp1/pgrestore/internal/rerror"
	"github.com/vbp1/pgrestore/internal/restoreenv"
)

// Options controls the reconciler's behavior (spec §4.C).
type Options struct {
	PGVersion          string
	Delta              bool
	Force              bool
	Preserve           bool   // type=preserve: keep a recovery-config sentinel in the base dir
	ManifestFile       string // sentinel name allowed in the base dir, default "backup.manifest"
	RecoveryConfigFile string // sentinel name allowed in the base dir when Preserve, default "recovery.signal"
}

func (o Options) manifestFile() string {
	if o.ManifestFile != "" {
		return o.ManifestFile
	}
	return "backup.manifest"
}

func (o Options) recoveryConfigFile() string {
	if o.RecoveryConfigFile != "" {
		return o.RecoveryConfigFile
	}
	return "recovery.signal"
}

// Reconciler runs the cleanup/creation pass described by spec §4.C.
type Reconciler struct {
	m        *manifest.Manifest
	env      *restoreenv.Env
	resolver *Resolver
	opts     Options

	expectDirs  map[string]manifest.PathEntry
	expectFiles map[string]manifest.FileEntry
	expectLinks map[string]manifest.Target

	seen map[string]bool
}

// New builds a Reconciler over an already-projected manifest.
func New(m *manifest.Manifest, env *restoreenv.Env, opts Options) *Reconciler {
	r := &Reconciler{
		m: m, env: env, opts: opts,
		resolver:    NewResolver(m, opts.PGVersion),
		expectDirs:  map[string]manifest.PathEntry{},
		expectFiles: map[string]manifest.FileEntry{},
		expectLinks: map[string]manifest.Target{},
		seen:        map[string]bool{},
	}
	return r
}

// Reconcile runs steps 1-5 of spec §4.C, in order.
func (r *Reconciler) Reconcile() error {
	if err := r.index(); err != nil {
		return err
	}
	if err := r.preflight(); err != nil {
		return err
	}
	if !r.opts.Delta && !r.opts.Force {
		if err := r.checkEmpty(); err != nil {
			return err
		}
	} else {
		if err := r.cleanup(); err != nil {
			return err
		}
	}
	if err := r.createMissing(); err != nil {
		return err
	}
	return nil
}

// index resolves every manifest Path/File/Link to its absolute filesystem
// location, building the lookup tables the walk and creation steps use.
func (r *Reconciler) index() error {
	for _, p := range r.m.Paths {
		abs, err := r.resolver.AbsPath(p.Name)
		if err != nil {
			return rerror.Wrap(rerror.Format, err, "resolve path %q", p.Name)
		}
		r.expectDirs[abs] = p
	}
	for _, f := range r.m.Files {
		abs, err := r.resolver.AbsPath(f.Name)
		if err != nil {
			return rerror.Wrap(rerror.Format, err, "resolve file %q", f.Name)
		}
		r.expectFiles[abs] = f
	}
	for _, t := range r.m.Targets {
		if t.Type != manifest.TargetLink {
			continue
		}
		abs, err := r.resolver.AbsLinkPath(t)
		if err != nil {
			return rerror.Wrap(rerror.Format, err, "resolve link %q", t.Name)
		}
		r.expectLinks[abs] = t
	}
	return nil
}

// preflight implements step 2: existing target roots must be owned by
// the running user (unless root) and must be rwx for the owner.
func (r *Reconciler) preflight() error {
	for _, t := range r.m.Targets {
		if t.Type != manifest.TargetPath && !t.IsTablespace() {
			continue
		}
		root := r.resolver.TargetRoot(t)
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return rerror.Wrap(rerror.PathOpen, err, "stat %s", root)
		}
		if info.Mode().Perm()&0o700 != 0o700 {
			return rerror.New(rerror.PathOpen, "%s is not readable/writable/executable by its owner", root)
		}
		if !r.env.IsRoot {
			owner := statOwner(info)
			if owner != "" && owner != r.env.CurrentUser {
				return rerror.New(rerror.FileOwner, "%s is owned by %s, not the running user %s", root, owner, r.env.CurrentUser)
			}
		}
	}
	return nil
}

// checkEmpty implements step 3: with neither delta nor force, every
// existing target directory must be empty save for known sentinels.
func (r *Reconciler) checkEmpty() error {
	base := r.m.BaseTarget()
	for _, t := range r.m.Targets {
		if t.Type != manifest.TargetPath && !t.IsTablespace() {
			continue
		}
		root := r.resolver.TargetRoot(t)
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return rerror.Wrap(rerror.PathOpen, err, "list %s", root)
		}
		isBase := t.Name == base.Name
		for _, e := range entries {
			if isBase && r.isAllowedSentinel(e.Name()) {
				continue
			}
			return rerror.New(rerror.PathNotEmpty, "%s is not empty (found %s) and neither --delta nor --force was given", root, e.Name())
		}
	}
	return nil
}

func (r *Reconciler) isAllowedSentinel(name string) bool {
	if name == r.opts.manifestFile() {
		return true
	}
	if r.opts.Preserve && name == r.opts.recoveryConfigFile() {
		return true
	}
	return false
}

// cleanup implements step 4: the depth-first cleanup walk over every
// existing target root.
func (r *Reconciler) cleanup() error {
	for _, t := range r.m.Targets {
		if t.Type != manifest.TargetPath && !t.IsTablespace() {
			continue
		}
		root := r.resolver.TargetRoot(t)
		base := r.m.BaseTarget()
		if err := r.walk(root, t.Name == base.Name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) walk(dir string, isBaseRoot bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rerror.Wrap(rerror.PathOpen, err, "list %s", dir)
	}
	for _, e := range entries {
		abs := filepath.Join(dir, e.Name())
		info, err := os.Lstat(abs)
		if err != nil {
			return rerror.Wrap(rerror.PathOpen, err, "lstat %s", abs)
		}
		r.seen[abs] = true

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := r.reconcileLink(abs); err != nil {
				return err
			}
		case info.IsDir():
			if pe, ok := r.expectDirs[abs]; ok {
				if err := r.walk(abs, false); err != nil {
					return err
				}
				if err := chownChmod(abs, r.m.UserName(pe.User), r.m.GroupName(pe.Group), pe.Mode, r.env); err != nil {
					return err
				}
				continue
			}
			if err := os.RemoveAll(abs); err != nil {
				return rerror.Wrap(rerror.PathOpen, err, "remove stray directory %s", abs)
			}
		case info.Mode().IsRegular():
			if fe, ok := r.expectFiles[abs]; ok {
				if err := chownChmod(abs, r.m.UserName(fe.User), r.m.GroupName(fe.Group), fe.Mode, r.env); err != nil {
					return err
				}
				continue
			}
			if isBaseRoot && r.isAllowedSentinel(e.Name()) {
				continue
			}
			if err := os.Remove(abs); err != nil {
				return rerror.Wrap(rerror.PathOpen, err, "remove stray file %s", abs)
			}
		default:
			// device, fifo or socket: always removed.
			if err := os.Remove(abs); err != nil {
				return rerror.Wrap(rerror.PathOpen, err, "remove special file %s", abs)
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileLink(abs string) error {
	t, ok := r.expectLinks[abs]
	if !ok {
		return os.Remove(abs)
	}
	dest, err := os.Readlink(abs)
	if err != nil {
		return rerror.Wrap(rerror.PathOpen, err, "readlink %s", abs)
	}
	if dest == t.Path {
		return nil
	}
	if err := os.Remove(abs); err != nil {
		return rerror.Wrap(rerror.PathOpen, err, "remove stale link %s", abs)
	}
	delete(r.seen, abs)
	return nil
}

// createMissing implements step 5: every expected directory or link the
// walk did not encounter on disk is created from scratch.
func (r *Reconciler) createMissing() error {
	dirs := make([]string, 0, len(r.expectDirs))
	for abs := range r.expectDirs {
		if !r.seen[abs] {
			dirs = append(dirs, abs)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) < len(dirs[j]) })
	for _, abs := range dirs {
		pe := r.expectDirs[abs]
		if err := os.MkdirAll(abs, os.FileMode(pe.Mode)); err != nil {
			return rerror.Wrap(rerror.PathOpen, err, "create %s", abs)
		}
		if err := chownChmod(abs, r.m.UserName(pe.User), r.m.GroupName(pe.Group), pe.Mode, r.env); err != nil {
			return err
		}
	}
	for abs, t := range r.expectLinks {
		if r.seen[abs] {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
			return rerror.Wrap(rerror.PathOpen, err, "create parent of %s", abs)
		}
		if err := os.Symlink(t.Path, abs); err != nil {
			return rerror.Wrap(rerror.PathOpen, err, "symlink %s -> %s", abs, t.Path)
		}
	}
	return nil
}

func chownChmod(path, user, group string, mode uint32, env *restoreenv.Env) error {
	if mode != 0 {
		if err := os.Chmod(path, os.FileMode(mode)); err != nil {
			return rerror.Wrap(rerror.FileOwner, err, "chmod %s", path)
		}
	}
	if env != nil && env.IsRoot {
		uid, uok := env.LookupUser(user)
		gid, gok := env.LookupGroup(group)
		if uok && gok {
			if err := os.Chown(path, uid, gid); err != nil {
				return rerror.Wrap(rerror.FileOwner, err, "chown %s", path)
			}
		}
	}
	return nil
}
