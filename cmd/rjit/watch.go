package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chazu/rjit/pkg/traceparse"
)

// handleWatchCommand processes the `rjit watch` subcommand: the trace is
// optimized once and again after every change until interrupted.
func handleWatchCommand(e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rjit watch FILE")
	}
	path := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	reoptimize := func() {
		start := time.Now()
		p, err := parseFile(traceparse.NewNamespace(), path)
		if err != nil {
			fmt.Fprintln(e.out, err)
			return
		}
		res, err := optimize(e, p)
		if err != nil {
			fmt.Fprintf(e.out, "%s: %v\n", path, err)
			return
		}
		printResult(e.out, p, res, time.Since(start))
	}
	reoptimize()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			return err
		case <-watcher.Events:
			// Editors write in bursts; wait for the file to settle.
			for settled := false; !settled; {
				select {
				case <-watcher.Events:
				case <-time.After(50 * time.Millisecond):
					settled = true
				}
			}
			fmt.Fprintf(e.out, "\n# %s changed\n", path)
			reoptimize()
			// Editors that save by renaming drop the watch.
			watcher.Remove(path)
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
	}
}
