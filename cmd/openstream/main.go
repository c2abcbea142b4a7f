// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// main contains the openstream CLI: the worker daemon that runs the build,
// deploy, and stop pipelines, plus operational subcommands for previewing
// Dockerfiles, inspecting status, and cleaning up orphaned resources.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sungreong/openstream-gallery/internal/config"
	"github.com/sungreong/openstream-gallery/internal/gitx"
	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/orchestrator"
	"github.com/sungreong/openstream-gallery/internal/pipeline"
	"github.com/sungreong/openstream-gallery/internal/reconcile"
	"github.com/sungreong/openstream-gallery/internal/store"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
	"github.com/sungreong/openstream-gallery/pkg/compose"
	"github.com/sungreong/openstream-gallery/pkg/container"
	"github.com/sungreong/openstream-gallery/pkg/nginx"
)

var engineKind string

var rootCmd = &cobra.Command{
	Use:   "openstream [subcommand]",
	Short: "Container lifecycle orchestrator for self-hosted Streamlit apps",
}

// deps is the assembled component graph shared by the subcommands.
type deps struct {
	cfg   config.Config
	store store.Store
	orc   *orchestrator.Orchestrator
	tasks *taskengine.Engine
}

func assemble(ctx context.Context) (*deps, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to catalog")
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, errors.Wrap(err, "migrating catalog schema")
		}
		st = pg
	} else {
		log.Printf("no OPENSTREAM_DATABASE_URL set, using in-memory catalog")
		st = store.NewMemory()
	}

	var engine container.Engine
	switch engineKind {
	case "cli":
		engine = container.NewCLIEngine(nil, cfg.DockerHost)
	case "docker":
		engine, err = container.NewDockerEngine(cfg.DockerHost)
		if err != nil {
			return nil, errors.Wrap(err, "creating docker client")
		}
	default:
		return nil, errors.Errorf("unknown engine %q (want cli or docker)", engineKind)
	}

	catalog, err := compose.LoadCatalog(cfg.BaseDockerfileDir)
	if err != nil {
		return nil, errors.Wrap(err, "loading base dockerfiles")
	}
	proxy := nginx.NewManager(cfg.FragmentDir, cfg.SystemFragments, cfg.NginxContainer, engine, cfg.ReloadTimeout)
	fetcher := gitx.NewFetcher(cfg.WorkspaceRoot)

	tasks := taskengine.New(st, cfg.Workers)
	pipes := pipeline.New(st, fetcher, catalog, engine, proxy, envCredentialSource(st), cfg)
	pipes.Register(tasks)
	rec := reconcile.New(st, engine, proxy)
	orc := orchestrator.New(st, engine, proxy, tasks, catalog, rec, cfg)
	return &deps{cfg: cfg, store: st, orc: orc, tasks: tasks}, nil
}

// envCredentialSource resolves credentials from the environment. The catalog
// stores only credential metadata; the secret material is injected through
// OPENSTREAM_GIT_TOKEN or OPENSTREAM_GIT_SSH_KEY_FILE and never persisted.
func envCredentialSource(st store.Store) pipeline.CredentialSource {
	return func(ctx context.Context, credentialID int64) (*model.Secret, error) {
		cred, err := st.GetCredential(ctx, credentialID)
		if err != nil {
			return nil, err
		}
		switch cred.AuthKind {
		case model.AuthToken:
			token := os.Getenv("OPENSTREAM_GIT_TOKEN")
			if token == "" {
				return nil, errors.Wrapf(model.ErrInvalidInput, "credential %q requires OPENSTREAM_GIT_TOKEN", cred.Name)
			}
			return &model.Secret{AuthKind: model.AuthToken, Token: token}, nil
		case model.AuthSSHKey:
			path := os.Getenv("OPENSTREAM_GIT_SSH_KEY_FILE")
			if path == "" {
				return nil, errors.Wrapf(model.ErrInvalidInput, "credential %q requires OPENSTREAM_GIT_SSH_KEY_FILE", cred.Name)
			}
			key, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrap(err, "reading ssh key")
			}
			return &model.Secret{AuthKind: model.AuthSSHKey, SSHKey: string(key)}, nil
		default:
			return nil, errors.Wrapf(model.ErrInvalidInput, "unknown auth kind %q", cred.AuthKind)
		}
	}
}

var workerCmd = &cobra.Command{
	Use:           "worker",
	Short:         "Run the pipeline worker pool and the periodic reconciliation sweep.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		d, err := assemble(ctx)
		if err != nil {
			return err
		}
		if !d.orc.DockerRunning(ctx) {
			log.Printf("container engine not reachable yet, pipelines will retry")
		}
		d.tasks.Start()
		log.Printf("worker started with %d workers", d.cfg.Workers)

		if d.cfg.ReconcileInterval > 0 {
			go func() {
				ticker := time.NewTicker(d.cfg.ReconcileInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := d.orc.SweepAndRepair(ctx); err != nil {
							log.Printf("reconciliation sweep: %v", err)
						}
					}
				}
			}()
		}

		<-ctx.Done()
		log.Printf("shutting down, waiting for in-flight tasks")
		d.tasks.Shutdown()
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:           "preview-dockerfile",
	Short:         "Render the Dockerfile that would be built for the given settings.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := assemble(cmd.Context())
		if err != nil {
			return err
		}
		entry, _ := cmd.Flags().GetString("entry-file")
		base, _ := cmd.Flags().GetString("base")
		customBase, _ := cmd.Flags().GetString("custom-base-image")
		reqFile, _ := cmd.Flags().GetString("requirements")
		var reqs string
		if reqFile != "" {
			b, err := os.ReadFile(reqFile)
			if err != nil {
				return errors.Wrap(err, "reading requirements")
			}
			reqs = string(b)
		}
		res, err := d.orc.PreviewDockerfile(orchestrator.PreviewInput{
			EntryFile:       entry,
			BaseChoice:      model.BaseImageChoice(base),
			CustomBaseImage: customBase,
			Requirements:    reqs,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStderr(), "# variant: %s\n# sha256: %s\n", res.Variant, res.Hash)
		fmt.Fprint(cmd.OutOrStdout(), res.Dockerfile)
		return nil
	},
}

var basesCmd = &cobra.Command{
	Use:           "bases",
	Short:         "List the bundled base Dockerfile variants.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := assemble(cmd.Context())
		if err != nil {
			return err
		}
		for _, v := range d.orc.ListBaseDockerfiles() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", v.Type, v.Description)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:           "status",
	Short:         "Print the reconciler's verdict for every app.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := assemble(cmd.Context())
		if err != nil {
			return err
		}
		statuses, err := d.orc.RealtimeStatus(cmd.Context())
		if err != nil {
			return err
		}
		for _, st := range statuses {
			line := fmt.Sprintf("app %d: declared=%s actual=%s", st.AppID, st.Declared, st.Actual)
			if st.Diagnostic != "" {
				line += " (" + firstLine(st.Diagnostic) + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [orphans|fragments]",
	Short: "Remove containers or proxy fragments with no cataloged app.",
}

var cleanupOrphansCmd = &cobra.Command{
	Use:           "orphans",
	Short:         "Remove platform-labeled containers whose app was deleted.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := assemble(cmd.Context())
		if err != nil {
			return err
		}
		removed, err := d.orc.CleanupOrphans(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", c.Name, c.ID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d orphaned containers removed\n", len(removed))
		return nil
	},
}

var cleanupFragmentsCmd = &cobra.Command{
	Use:           "fragments",
	Short:         "Remove proxy fragments whose subdomain has no cataloged app.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := assemble(cmd.Context())
		if err != nil {
			return err
		}
		removed, err := d.orc.CleanupAuto(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d fragments removed\n", len(removed))
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:           "reload-nginx",
	Short:         "Test and reload the proxy configuration.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := assemble(cmd.Context())
		if err != nil {
			return err
		}
		res, err := d.orc.ReloadNginx(cmd.Context())
		if err != nil {
			return err
		}
		if !res.Valid {
			return errors.Errorf("configuration invalid:\n%s", res.Errors)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid, proxy reloaded")
		return nil
	},
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func main() {
	rootCmd.PersistentFlags().StringVar(&engineKind, "engine", "cli", "container engine implementation [cli, docker]")
	previewCmd.Flags().String("entry-file", "app.py", "streamlit entry file")
	previewCmd.Flags().String("base", "auto", "base image choice [auto, minimal, py39, py310, py311]")
	previewCmd.Flags().String("custom-base-image", "", "custom base image overriding the bundled variants")
	previewCmd.Flags().String("requirements", "", "requirements.txt to classify for automatic base selection")
	cleanupCmd.AddCommand(cleanupOrphansCmd, cleanupFragmentsCmd)
	rootCmd.AddCommand(workerCmd, previewCmd, basesCmd, statusCmd, cleanupCmd, reloadCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
