package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/saworbit/ringtap/internal/version"
	"github.com/saworbit/ringtap/pkg/buildcache"
	"github.com/saworbit/ringtap/pkg/config"
	"github.com/saworbit/ringtap/pkg/scaffold"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "ringtap",
		Short:   "ringtap - build, load and trace perf-event BPF programs",
		Version: version.Version,
	}

	root.AddCommand(newNewCmd(), newAddCmd(), newBuildCmd(), newLoadCmd(), newTraceCmd())
	return root
}

func newNewCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "new <path>",
		Short: "Create a new ringtap project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scaffold.New(args[0], name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Project name (defaults to the directory name)")
	return cmd
}

func newAddCmd() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "add <program>",
		Short: "Add a program skeleton to an existing project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scaffold.Add(projectDir, args[0])
		},
	}

	cmd.Flags().StringVar(&projectDir, "project", ".", "Project directory")
	return cmd
}

func newBuildCmd() *cobra.Command {
	var projectDir string
	var watch bool

	cmd := &cobra.Command{
		Use:   "build [program ...]",
		Short: "Compile project programs, reusing cached objects when sources are unchanged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(projectDir, args, watch)
		},
	}

	cmd.Flags().StringVar(&projectDir, "project", ".", "Project directory")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rebuild whenever a source file changes")
	return cmd
}

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <object.o>",
		Short: "Load a compiled object, attach its programs and stream raw events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(args[0])
		},
	}
	return cmd
}

func newTraceCmd() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "trace <program>",
		Short: "Build one project program, then load it and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(projectDir, args[0])
		},
	}

	cmd.Flags().StringVar(&projectDir, "project", ".", "Project directory")
	return cmd
}

func runBuild(projectDir string, programs []string, watch bool) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	m, err := scaffold.LoadManifest(projectDir)
	if err != nil {
		return err
	}
	if len(programs) == 0 {
		for _, p := range m.Programs {
			programs = append(programs, p.Name)
		}
	}
	if len(programs) == 0 {
		return fmt.Errorf("project %s has no programs; run `ringtap add` first", m.Name)
	}

	store, err := openStore(projectDir, &cfg.Build)
	if err != nil {
		return err
	}
	defer store.Close()

	builder := buildcache.NewBuilder(&cfg.Build, store)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	buildAll := func() error {
		for _, name := range programs {
			sources, err := m.Sources(projectDir, name)
			if err != nil {
				return err
			}
			out := objectPath(projectDir, name)
			if err := builder.Build(ctx, name, sources, out); err != nil {
				return err
			}
		}
		return nil
	}

	if err := buildAll(); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	return watchAndRebuild(ctx, filepath.Join(projectDir, "src"), buildAll)
}

// watchAndRebuild reruns rebuild whenever a source file under root is
// created or written. Build failures are logged, not fatal, so a broken
// intermediate save does not end the session.
func watchAndRebuild(ctx context.Context, root string, rebuild func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchRecursive(watcher, root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}

	log.Printf("[Build] Watching %s", root)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-watcher.Events:
			if evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
				if evt.Op&fsnotify.Create != 0 {
					_ = watcher.Add(evt.Name)
				}
				continue
			}
			if !strings.HasSuffix(evt.Name, ".c") && !strings.HasSuffix(evt.Name, ".h") {
				continue
			}
			log.Printf("[Build] %s changed", evt.Name)
			if err := rebuild(); err != nil {
				log.Printf("[Build] rebuild failed: %v", err)
			}
		case err := <-watcher.Errors:
			log.Printf("[Build] watcher error: %v", err)
		}
	}
}

func addWatchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

func openStore(projectDir string, cfg *config.BuildConfig) (*buildcache.Store, error) {
	dir := cfg.CacheDir
	if dir == "" {
		dir = filepath.Join(projectDir, "target", "cache")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return buildcache.Open(dir)
}

func objectPath(projectDir, program string) string {
	return filepath.Join(projectDir, "target", program+".o")
}
