//go:build linux

package main

import (
	"dux/internal/rt"
	"dux/internal/simkernel"
	"dux/internal/vfs"

	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

func main() {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	cfg, err := rt.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(2)
	}
	level.Set(cfg.LogLevel)

	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}

	k, err := simkernel.Create(root, simkernel.Options{Task: 1})
	if err != nil {
		slog.Error("kernel", "root", root, "err", err)
		os.Exit(1)
	}
	r, err := rt.Init(k, cfg)
	if err != nil {
		var be *rt.BootError
		if errors.As(err, &be) {
			slog.Error("boot", "stage", be.Stage, "err", be.Err)
		} else {
			slog.Error("boot", "err", err)
		}
		k.Close()
		os.Exit(1)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := vfs.ReadDir(ctx, r, "")
	if err != nil {
		slog.Error("list", "root", k.Root(), "err", err)
		return
	}
	for _, e := range entries {
		slog.Info("entry", "name", e.Name, "size", e.Size, "uuid", e.UUID)
	}
	slog.Info("dux", "root", k.Root(), "entries", len(entries), "reserved", r.Table.Len())
}
