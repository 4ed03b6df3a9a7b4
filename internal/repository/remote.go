package repository

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/vbp1/pgrestore/internal/ssh"
)

// Remote is a repository reachable over SSH on another host — the natural
// generalization of the teacher's ssh.Client (originally used to run
// commands on a live replication primary) to pgBackRest's own notion of a
// "remote repository host" reached via SSH rather than a live object
// store. Paths are relative to Root on the remote filesystem.
type Remote struct {
	Client *ssh.Client
	Root   string
	ctx    context.Context
}

// NewRemote returns a Remote repository bound to an already-dialed SSH
// client and root directory. ctx bounds the lifetime of commands issued
// through Read/Exists/List.
func NewRemote(ctx context.Context, client *ssh.Client, root string) *Remote {
	return &Remote{Client: client, Root: root, ctx: ctx}
}

func (r *Remote) remotePath(p string) string {
	return path.Join(r.Root, p)
}

// Read streams [offset, offset+length) of path by shelling out to dd on
// the remote host; this avoids buffering the whole object in memory the
// way Client.Output would.
func (r *Remote) Read(p string, offset, length int64) (io.ReadCloser, error) {
	remote := r.remotePath(p)
	var cmd string
	switch {
	case length > 0:
		cmd = fmt.Sprintf("dd if=%s bs=1 skip=%d count=%d 2>/dev/null", shellQuote(remote), offset, length)
	case offset > 0:
		cmd = fmt.Sprintf("dd if=%s bs=1 skip=%d 2>/dev/null", shellQuote(remote), offset)
	default:
		cmd = fmt.Sprintf("cat %s", shellQuote(remote))
	}

	pr, pw := io.Pipe()
	go func() {
		err := r.Client.Run(r.ctx, cmd, pw, nil)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Exists implements Repository via `test -e`.
func (r *Remote) Exists(p string) (bool, error) {
	out, err := r.Client.Output(r.ctx, fmt.Sprintf("test -e %s && echo yes || echo no", shellQuote(r.remotePath(p))))
	if err != nil {
		return false, fmt.Errorf("repository(remote): exists %s: %w", p, err)
	}
	return strings.TrimSpace(string(out)) == "yes", nil
}

// List implements Repository via `ls -1`, filtering client-side by
// pattern (the remote shell's glob semantics are not regex-compatible).
func (r *Remote) List(p string, pattern string) ([]string, error) {
	out, err := r.Client.Output(r.ctx, fmt.Sprintf("ls -1 %s 2>/dev/null || true", shellQuote(r.remotePath(p))))
	if err != nil {
		return nil, fmt.Errorf("repository(remote): list %s: %w", p, err)
	}
	var re *regexp.Regexp
	if pattern != "" {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("repository(remote): bad pattern %q: %w", pattern, err)
		}
	}
	var names []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		if re != nil && !re.MatchString(line) {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// shellQuote wraps s in single quotes for safe interpolation into a
// remote shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
