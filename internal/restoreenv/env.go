// Package restoreenv collects the process-wide facts (current user/group,
// whether we run as root) that would otherwise be read as globals, and
// threads them explicitly into the directory reconciler, manifest
// projector and file restorer, per spec §9's design note on avoiding global
// state.
package restoreenv

import (
	"os"
	"os/user"
	"strconv"
)

// Env is a snapshot of the restoring process's identity.
type Env struct {
	IsRoot     bool
	CurrentUser  string
	CurrentGroup string

	// LookupUser/LookupGroup resolve manifest-declared names to local
	// identities; overridable in tests.
	LookupUser  func(name string) (uid int, ok bool)
	LookupGroup func(name string) (gid int, ok bool)
}

// Discover inspects the running process and the local system's user/group
// databases.
func Discover() (*Env, error) {
	e := &Env{
		IsRoot:      os.Geteuid() == 0,
		LookupUser:  lookupUser,
		LookupGroup: lookupGroup,
	}
	if u, err := user.Current(); err == nil {
		e.CurrentUser = u.Username
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			e.CurrentGroup = g.Name
		}
	}
	return e, nil
}

func lookupUser(name string) (int, bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, false
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, false
	}
	return uid, true
}

func lookupGroup(name string) (int, bool) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, false
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, false
	}
	return gid, true
}
