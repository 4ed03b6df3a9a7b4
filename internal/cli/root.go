package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgrestore/internal/debug"
	"github.com/vbp1/pgrestore/internal/lock"
	"github.com/vbp1/pgrestore/internal/log"
	"github.com/vbp1/pgrestore/internal/orchestrator"
	"github.com/vbp1/pgrestore/internal/runctx"
	"github.com/vbp1/pgrestore/internal/util/signalctx"
)

// Config holds values of CLI flags, mirroring spec.md §6's option surface.
// All fields are exported so other packages can use them if needed.
type Config struct {
	DataDir      string
	ManifestPath string
	BackupSet    string
	RepoRoot     string
	RepoSSHHost  string
	RepoSSHUser  string
	RepoSSHKey   string
	RepoPath     string

	Delta bool
	Force bool
	Type  string

	TablespaceMap    map[string]string
	TablespaceMapAll string
	LinkMap          map[string]string
	LinkAll          bool

	DbInclude []string

	CipherPass string

	ProcessMax      int
	ProtocolTimeout int

	Progress   string
	Debug      bool
	Verbose    bool
	KeepRunTmp bool
}

var cfg = &Config{}

// RootCmd is the main entry point invoked from cmd/pgrestore.
var RootCmd = &cobra.Command{
	Use:           "pgrestore",
	Short:         "Restore a PostgreSQL data directory from a backup manifest and repository",
	SilenceUsage:  true, // do not show usage on error
	SilenceErrors: true, // let RunE handle logging
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize global logger once flags parsed
		slog.Debug("setting up logger")
		log.Setup(cfg.Debug, cfg.Verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("pgrestore starting")

		debug.StopIf("before-main")

		// per-run temp dir
		rc, err := runctx.New("pgrestore_run_", cfg.KeepRunTmp)
		if err != nil {
			return err
		}
		slog.Debug("run temp dir", "dir", rc.Dir)
		defer func() {
			if err := rc.Cleanup(); err != nil {
				slog.Warn("cleanup temp", "err", err)
			}
		}()

		// file lock on target PGDATA (must be provided at this point)
		if cfg.DataDir == "" {
			return fmt.Errorf("--pgdata required")
		}
		lk := lock.New(cfg.DataDir)
		ok, err := lk.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another pgrestore process is running for %s", cfg.DataDir)
		}
		defer func() { _ = lk.Unlock() }()

		// main context with signals
		ctx, cancel, _ := signalctx.WithSignals(context.Background())
		defer cancel()

		// build orchestrator config (avoid import cycle)
		orchCfg := &orchestrator.Config{
			DataDir:          cfg.DataDir,
			ManifestPath:     cfg.ManifestPath,
			BackupSet:        cfg.BackupSet,
			RepoRoot:         cfg.RepoRoot,
			RepoSSHHost:      cfg.RepoSSHHost,
			RepoSSHUser:      cfg.RepoSSHUser,
			RepoSSHKey:       cfg.RepoSSHKey,
			RepoPath:         cfg.RepoPath,
			Delta:            cfg.Delta,
			Force:            cfg.Force,
			Type:             cfg.Type,
			TablespaceMap:    cfg.TablespaceMap,
			TablespaceMapAll: cfg.TablespaceMapAll,
			LinkMap:          cfg.LinkMap,
			LinkAll:          cfg.LinkAll,
			DbInclude:        cfg.DbInclude,
			CipherPass:       cfg.CipherPass,
			ProcessMax:       cfg.ProcessMax,
			ProtocolTimeout:  cfg.ProtocolTimeout,
			Progress:         cfg.Progress,
		}

		if err := orchestrator.Run(ctx, orchCfg); err != nil {
			return err
		}

		slog.Info("pgrestore finished successfully")
		return nil
	},
}

// Execute parses flags and runs the root command.
func Execute() error { return RootCmd.Execute() }

func init() {
	// Define global flags mirroring spec.md §6
	f := RootCmd.Flags()
	f.StringVar(&cfg.DataDir, "pgdata", "", "Target PostgreSQL data directory (required)")
	f.StringVar(&cfg.ManifestPath, "manifest", "backup.manifest", "Path to the backup manifest to restore from")
	f.StringVar(&cfg.BackupSet, "set", "", "Backup label the loaded manifest must match (BackupSetInvalid if it doesn't)")
	f.StringVar(&cfg.RepoRoot, "repo-root", "", "Local repository root directory")
	f.StringVar(&cfg.RepoSSHHost, "repo-ssh-host", "", "Remote repository host (mutually exclusive with --repo-root)")
	f.StringVar(&cfg.RepoSSHUser, "repo-ssh-user", "", "Remote repository SSH user")
	f.StringVar(&cfg.RepoSSHKey, "repo-ssh-key", "", "Remote repository SSH private key file")
	f.StringVar(&cfg.RepoPath, "repo-path", "", "Path under the repository root/remote home")

	f.BoolVar(&cfg.Delta, "delta", false, "Reconcile and restore on top of an existing data directory")
	f.BoolVar(&cfg.Force, "force", false, "Allow restoring into a non-empty data directory; entries absent from the manifest are removed as with --delta, and existing files are rewritten without comparison")
	f.StringVar(&cfg.Type, "type", "default", "Restore type: default|preserve (preserve keeps the recovery-config sentinel)")

	f.StringToStringVar(&cfg.TablespaceMap, "tablespace-map", nil, "id-or-name=path tablespace remap, repeatable")
	f.StringVar(&cfg.TablespaceMapAll, "tablespace-map-all", "", "Prefix path remapping every tablespace not given an explicit --tablespace-map entry")
	f.StringToStringVar(&cfg.LinkMap, "link-map", nil, "name=path named-link remap, repeatable")
	f.BoolVar(&cfg.LinkAll, "link-all", false, "Keep every named link even without an explicit --link-map entry")

	f.StringSliceVar(&cfg.DbInclude, "db-include", nil, "Database names to restore with real data; all others are zeroed (selective restore)")

	f.StringVar(&cfg.CipherPass, "cipher-pass", "", "Cipher sub-passphrase for an encrypted repository (overrides the manifest's own sub-passphrase when set)")

	f.IntVar(&cfg.ProcessMax, "process-max", 1, "Number of parallel restore workers")
	f.IntVar(&cfg.ProtocolTimeout, "protocol-timeout", 60, "Worker timeout in seconds; a worker with no result for half this value is declared failed")

	f.StringVar(&cfg.Progress, "progress", "auto", "Progress display mode: auto|bar|plain|none")
	f.BoolVar(&cfg.Debug, "debug", false, "Enable debug trace output")
	f.BoolVar(&cfg.Verbose, "verbose", false, "Verbose output")
	f.BoolVar(&cfg.KeepRunTmp, "keep-run-tmp", false, "Preserve temporary run directory")

	_ = RootCmd.MarkFlagRequired("pgdata")
}
