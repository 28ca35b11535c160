package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
)

// runStatusCommand lists tasks, or with a task id argument prints one task
// and its attempt history.
func runStatusCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "warden.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if len(args) > 0 {
		return printTaskDetail(ctx, store, args[0])
	}
	return printTaskList(ctx, store)
}

func printTaskList(ctx context.Context, store *persistence.Store) int {
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFINALIZE\tEXIT\tAGE\tPROMPT")
	for _, task := range tasks {
		exit := "-"
		if task.ExitCode != nil {
			exit = fmt.Sprintf("%d", *task.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(task.ID),
			task.Status,
			task.FinalizationState,
			exit,
			time.Since(task.CreatedAt).Round(time.Second),
			truncate(task.Prompt, 48),
		)
	}
	w.Flush()
	return 0
}

func printTaskDetail(ctx context.Context, store *persistence.Store, taskID string) int {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	fmt.Printf("Task:         %s\n", task.ID)
	fmt.Printf("Status:       %s\n", task.Status)
	fmt.Printf("Finalization: %s\n", task.FinalizationState)
	if task.FinalizationError != "" {
		fmt.Printf("Finalize err: %s\n", task.FinalizationError)
	}
	if task.UserStop != "" {
		fmt.Printf("User stop:    %s\n", task.UserStop)
	}
	if task.ExitCode != nil {
		fmt.Printf("Exit code:    %d\n", *task.ExitCode)
	}
	if task.Error != "" {
		fmt.Printf("Error:        %s\n", task.Error)
	}
	if task.PRRef != "" {
		fmt.Printf("PR:           %s\n", task.PRRef)
	}
	fmt.Printf("Chain:        %s\n", task.AgentChain)
	if task.Prompt != "" {
		fmt.Printf("Prompt:       %s\n", truncate(task.Prompt, 120))
	}
	fmt.Printf("Created:      %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.FinishedAt != nil {
		fmt.Printf("Finished:     %s\n", task.FinishedAt.Format(time.RFC3339))
	}

	attempts, err := store.ListAttempts(ctx, task.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list attempts: %v\n", err)
		return 1
	}
	if len(attempts) == 0 {
		return 0
	}

	fmt.Println("\nAttempts:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  POS\tAGENT\tCONTAINER\tEXIT\tERROR")
	for _, a := range attempts {
		exit := "-"
		if a.ExitCode != nil {
			exit = fmt.Sprintf("%d", *a.ExitCode)
		}
		kind := a.ErrorKind
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n", a.Position, a.AgentID, a.ContainerName, exit, kind)
	}
	w.Flush()
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
