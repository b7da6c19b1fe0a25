package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/franz/datalog-merge/internal/merge"
	"github.com/franz/datalog-merge/internal/scan"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Merge continuously while the logger writes new files",
	Long: `Watch the source tree and merge whenever a session file is created or
grows. Bursts of changes are collapsed: a merge starts once the tree has been
quiet for the debounce interval. New subfolders are watched as they appear.

A merge runs once at startup. Stop with Ctrl+C.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("debounce", 2*time.Second, "Quiet period before a merge starts")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debounce, _ := cmd.Flags().GetDuration("debounce")
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	logger := newEventLogger()
	defer logger.Close()

	cfg, err := engineConfig(logger)
	if err != nil {
		return err
	}
	engine := merge.New(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, cfg.Source); err != nil {
		return err
	}

	sw := &sourceWatcher{
		watcher:  watcher,
		filter:   scan.New(&scan.Config{Destination: cfg.Dest}),
		debounce: debounce,
		run: func(ctx context.Context) {
			summary, err := engine.EnsureUpToDate(ctx, merge.Options{})
			printSummary(summary)
			if err != nil && !errors.Is(err, context.Canceled) {
				util.ErrorLog("Merge failed: %v", err)
			}
		},
	}

	util.InfoLog("Watching %s (debounce %v)", cfg.Source, debounce)
	sw.run(ctx)
	return sw.loop(ctx)
}

// sourceWatcher turns filesystem events into debounced merge runs
type sourceWatcher struct {
	watcher  *fsnotify.Watcher
	filter   *scan.Scanner
	debounce time.Duration
	run      func(context.Context)
}

// loop runs until ctx is cancelled or the watcher closes
func (sw *sourceWatcher) loop(ctx context.Context) error {
	timer := time.NewTimer(sw.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			util.InfoLog("Stopping watch")
			return nil

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if !sw.relevant(event) {
				continue
			}
			util.DebugLog("Change: %s %s", event.Op, event.Name)
			pending = true
			timer.Reset(sw.debounce)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			util.WarnLog("Watch error: %v", err)

		case <-timer.C:
			if pending {
				pending = false
				sw.run(ctx)
			}
		}
	}
}

// relevant reports whether event may change what a merge would copy.
// Newly created directories are added to the watch as a side effect.
func (sw *sourceWatcher) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addTree(sw.watcher, event.Name); err != nil {
				util.WarnLog("%v", err)
			}
			return true
		}
	}
	if !sw.filter.Matches(event.Name) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// addTree watches root and every directory below it
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("%w: cannot watch %s: %v", util.ErrNotFound, root, err)
			}
			util.WarnLog("Error accessing path %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
