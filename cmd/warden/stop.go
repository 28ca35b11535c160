package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
)

// runStopCommand records a user stop request of the given kind. The daemon's
// supervisor observes the flag on its next poll and stops the attempt.
func runStopCommand(ctx context.Context, args []string, kind string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "%s: exactly one task id required\n", kind)
		return 2
	}
	taskID := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "warden.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 1
	}
	switch task.Status {
	case persistence.TaskStatusDone, persistence.TaskStatusFailed,
		persistence.TaskStatusCancelled, persistence.TaskStatusKilled,
		persistence.TaskStatusUnknown:
		fmt.Fprintf(os.Stderr, "%s: task is already %s\n", kind, task.Status)
		return 1
	}

	if err := store.RequestUserStop(ctx, taskID, kind); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 1
	}
	audit.Record("allow", "user_stop", kind, taskID)

	task, err = store.GetTask(ctx, taskID)
	if err == nil && task.UserStop != kind {
		fmt.Printf("task %s already has a %s request; kept the earlier one\n", shortID(taskID), task.UserStop)
		return 0
	}
	fmt.Printf("%s requested for task %s\n", kind, shortID(taskID))
	return 0
}
