package main

import (
	"fmt"
	"io"
	"time"

	units "github.com/docker/go-units"

	"github.com/chazu/rjit/store"
)

// handleLogCommand processes the `rjit log` subcommand.
// Usage:
//
//	rjit log                  # list every compilation
//	rjit log show L           # operations and guards of loop L
//	rjit log show 3f2a9c1e    # same, by id prefix
//	rjit log prune 24h        # forget compilations older than a day
func handleLogCommand(e *env, args []string) error {
	l, err := e.openStore()
	if err != nil {
		return err
	}
	defer l.Close()

	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "list":
		return listLog(e.out, l)
	case "show":
		if len(args) != 1 {
			return fmt.Errorf("usage: rjit log show NAME|ID")
		}
		return showLog(e.out, l, args[0])
	case "prune":
		if len(args) != 1 {
			return fmt.Errorf("usage: rjit log prune AGE")
		}
		age, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		n, err := l.Prune(time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "pruned %d entries\n", n)
		return nil
	default:
		return fmt.Errorf("unknown log command %q (use list, show, prune)", sub)
	}
}

func listLog(w io.Writer, l *store.Log) error {
	entries, err := l.List()
	if err != nil {
		return err
	}
	for _, en := range entries {
		fmt.Fprintf(w, "%s  %s ago\n", en, units.HumanDuration(time.Since(en.CreatedAt)))
	}
	return nil
}

func showLog(w io.Writer, l *store.Log, key string) error {
	id, err := l.Lookup(key)
	if err != nil {
		return err
	}
	rec, err := l.Show(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s\n", rec.Entry)
	fmt.Fprintf(w, "# id %s, session %s\n", rec.ID, rec.Session)
	fmt.Fprint(w, rec.Ops)
	for _, g := range rec.Guards {
		fmt.Fprintf(w, "# %3d %s %s (%s): %s\n", g.Position, g.Op, g.Name, units.HumanSize(float64(g.BlobSize)), g.ResumeText)
	}
	return nil
}
