package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devloopfleet/devloop/internal/config"
	"github.com/devloopfleet/devloop/internal/memory"
	"github.com/devloopfleet/devloop/internal/runner"
	"github.com/devloopfleet/devloop/internal/state"
	"github.com/devloopfleet/devloop/internal/taskstore"
)

func newRunCmd() *cobra.Command {
	var once bool
	var maxIterations int
	var branch string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the iteration loop",
		Long:  "Execute the iteration loop until all tasks are done or limits are reached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, once, maxIterations, branch)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run only a single iteration")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "maximum iterations to run (0 uses config default)")
	cmd.Flags().StringVar(&branch, "branch", "", "override branch name (default: auto-generate from parent task)")

	return cmd
}

func runRun(cmd *cobra.Command, once bool, maxIterations int, branch string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	cfg, err := config.LoadConfigWithFile(workDir, GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	parentIDFile := filepath.Join(workDir, cfg.Tasks.ParentIDFile)
	parentIDBytes, err := os.ReadFile(parentIDFile)
	var parentTaskID string

	if err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No parent task set. Selecting a root task automatically...\n")

			autoInitID, autoErr := autoInitParentTask(cmd, workDir, cfg)
			if autoErr != nil {
				return autoErr
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Selected parent task: %s\n\n", autoInitID)
			parentTaskID = autoInitID
		} else {
			return fmt.Errorf("failed to read parent-task-id: %w", err)
		}
	} else {
		parentTaskID = string(parentIDBytes)
	}

	opts := runner.Options{
		Once:          once,
		MaxIterations: maxIterations,
		Branch:        branch,
		Stream:        cmd.Flags().Changed("stream"),
	}

	return runner.Run(cmd.Context(), workDir, cfg, parentTaskID, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// autoInitParentTask picks the single ready root task non-interactively. The
// interactive multi-option picker the loop used to fall back to is out of
// scope for an unattended orchestrator; ambiguity is now a hard error that
// tells the operator which root task ID to set explicitly.
func autoInitParentTask(cmd *cobra.Command, workDir string, cfg *config.Config) (string, error) {
	tasksPath := filepath.Join(workDir, cfg.Tasks.Path)
	store, err := taskstore.NewLocalStore(tasksPath)
	if err != nil {
		return "", fmt.Errorf("failed to open task store: %w", err)
	}

	rootTasks, err := store.ListByParent("")
	if err != nil {
		return "", fmt.Errorf("failed to list root tasks: %w", err)
	}

	var candidates []*taskstore.Task
	for _, t := range rootTasks {
		if err := runner.ValidateTaskHasReadyLeaves(store, t.ID); err == nil {
			candidates = append(candidates, t)
		}
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("no root task has a ready leaf task; set %s explicitly", cfg.Tasks.ParentIDFile)
	}
	if len(candidates) > 1 {
		var ids []string
		for _, t := range candidates {
			ids = append(ids, t.ID)
		}
		return "", fmt.Errorf("multiple root tasks are ready (%v); set %s explicitly", ids, cfg.Tasks.ParentIDFile)
	}

	selectedTask := candidates[0]

	if err := state.EnsureRalphDir(workDir); err != nil {
		return "", fmt.Errorf("failed to create .ralph directory: %w", err)
	}

	parentIDFile := filepath.Join(workDir, cfg.Tasks.ParentIDFile)
	if err := os.WriteFile(parentIDFile, []byte(selectedTask.ID), 0644); err != nil {
		return "", fmt.Errorf("failed to write parent-task-id: %w", err)
	}

	if err := state.SetStoredParentTaskID(workDir, selectedTask.ID); err != nil {
		return "", fmt.Errorf("failed to set stored parent task ID: %w", err)
	}

	progressPath := filepath.Join(workDir, cfg.Memory.ProgressFile)
	progressFile := memory.NewProgressFile(progressPath)
	if !progressFile.Exists() {
		if err := progressFile.Init(selectedTask.Title, selectedTask.ID); err != nil {
			return "", fmt.Errorf("failed to initialize progress file: %w", err)
		}
	}

	return selectedTask.ID, nil
}
