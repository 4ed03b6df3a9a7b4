package clean

import (
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// statOwner returns the user name owning info, best-effort.
func statOwner(info os.FileInfo) string {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10))
	if err != nil {
		return ""
	}
	return u.Username
}
