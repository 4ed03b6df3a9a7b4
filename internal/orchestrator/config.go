package orchestrator

// Config collects the CLI-visible restore parameters (spec.md §6), kept
// as a standalone struct to avoid an import cycle between internal/cli
// and internal/orchestrator, the same separation the teacher draws
// between internal/cli.Config and internal/clone.Config.
type Config struct {
	DataDir      string // target PGDATA
	ManifestPath string // path to the backup.manifest to restore from
	BackupSet    string // --set: expected backup label; "" restores whichever manifest was loaded
	RepoRoot     string // local repository root; "" when RepoSSH is set
	RepoSSHHost  string // remote repository host; mutually exclusive with RepoRoot
	RepoSSHUser  string
	RepoSSHKey   string
	RepoPath     string // path under the repository root/remote home

	Delta bool
	Force bool
	Type  string // "default" | "preserve" — recovery-config sentinel handling

	TablespaceMap    map[string]string
	TablespaceMapAll string
	LinkMap          map[string]string
	LinkAll          bool

	DbInclude []string // --db-include, selective restore

	CipherPass string

	ProcessMax      int // process-max: worker count
	ProtocolTimeout int // seconds; inactivity timeout is half this

	Progress string // auto|bar|plain|none, mirrors the teacher's rsync progress modes
}
