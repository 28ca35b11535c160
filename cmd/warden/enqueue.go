package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/warden/internal/agent"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
)

// runEnqueueCommand queues a task and prints its id. The daemon picks it
// up on its next dispatch wake.
func runEnqueueCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	agents := fs.String("agent", "", "comma-separated agent ids to try in order (default: configured default agent)")
	workdir := fs.String("workdir", "", "host directory mounted as the task workspace")
	repo := fs.String("repo", "", "repository root, marks the workspace as cloned")
	branch := fs.String("branch", "", "branch name for the cloned workspace")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "enqueue: a prompt is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	var primaries []string
	for _, id := range strings.Split(*agents, ",") {
		if id = strings.TrimSpace(id); id != "" {
			primaries = append(primaries, id)
		}
	}
	if len(primaries) == 0 && cfg.DefaultAgent != "" {
		primaries = []string{cfg.DefaultAgent}
	}
	for _, id := range primaries {
		if _, ok := cfg.AgentByID(id); !ok && len(cfg.Agents) > 0 {
			fmt.Fprintf(os.Stderr, "enqueue: unknown agent %q\n", id)
			return 2
		}
	}
	chain, err := agent.EncodeChain(agent.BuildChain(primaries, cfg.FallbackMap()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}

	workspaceKind := "adhoc"
	if *repo != "" {
		workspaceKind = "cloned"
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "warden.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	taskID, err := store.CreateTask(ctx, persistence.TaskSeed{
		AgentChain:    chain,
		Prompt:        prompt,
		Workdir:       *workdir,
		WorkspaceKind: workspaceKind,
		RepoRoot:      *repo,
		Branch:        *branch,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Println(taskID)
	return 0
}
