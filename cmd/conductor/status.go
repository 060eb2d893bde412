package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted task state",
	Long: `Display a summary of the task store: counts per lifecycle state
and the most recently updated tasks.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Store.Path == ":memory:" {
		fmt.Println("Store is in-memory; nothing persisted.")
		return nil
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		fmt.Println("No task store found. Run 'conductor run' to start.")
		return nil
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	tasks, err := db.List()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Printf("Task store: %s\n\n", cfg.Store.Path)

	if len(tasks) == 0 {
		fmt.Println("No tasks recorded.")
		return nil
	}

	counts := map[models.TaskState]int{}
	for _, t := range tasks {
		counts[t.State]++
	}

	stateColors := map[models.TaskState]*color.Color{
		models.TaskStatePending:   color.New(color.FgYellow),
		models.TaskStateQueued:    color.New(color.FgYellow),
		models.TaskStateRunning:   color.New(color.FgCyan),
		models.TaskStateCompleted: color.New(color.FgGreen),
		models.TaskStateFailed:    color.New(color.FgRed),
		models.TaskStateCancelled: color.New(color.Faint),
	}

	for _, state := range []models.TaskState{
		models.TaskStatePending, models.TaskStateQueued,
		models.TaskStateRunning, models.TaskStateCompleted,
		models.TaskStateFailed, models.TaskStateCancelled,
	} {
		if counts[state] == 0 {
			continue
		}
		stateColors[state].Printf("  %-10s %d\n", state, counts[state])
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Metadata.UpdatedAt.After(tasks[j].Metadata.UpdatedAt)
	})

	bold.Printf("\nRecent tasks:\n")
	limit := 10
	if len(tasks) < limit {
		limit = len(tasks)
	}
	for _, t := range tasks[:limit] {
		line := fmt.Sprintf("  %-24s %-10s agent=%s priority=%d",
			t.ID, t.State, t.AgentID, t.Priority)
		if t.Metadata.LastError != "" {
			line += " error=" + t.Metadata.LastError
		}
		if c, ok := stateColors[t.State]; ok {
			c.Println(line)
		} else {
			fmt.Println(line)
		}
	}

	return nil
}
