package manifest

import (
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// statOwner resolves the uid/gid embedded in a FileInfo to user/group
// names, best-effort.
func statOwner(info os.FileInfo) (userName, groupName string) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", ""
	}
	if u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10)); err == nil {
		userName = u.Username
	}
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(st.Gid), 10)); err == nil {
		groupName = g.Name
	}
	return userName, groupName
}
