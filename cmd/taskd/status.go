// cmd/taskd/status.go
package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/session"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}
	bus := events.NewBus(cfg.Events.HistorySize, nil)
	defer bus.Close()

	sessions, err := session.NewManager(&session.Config{
		StaleAfter: cfg.Session.StaleAfter.Duration(),
	}, store, bus, nil)
	if err != nil {
		return err
	}

	sess, err := sessions.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	cmd.Printf("session:    %s\n", sess.ID)
	cmd.Printf("status:     %s\n", sess.Status)
	cmd.Printf("workspace:  %s\n", sess.Workspace)
	cmd.Printf("task list:  %s\n", sess.TaskListPath)
	cmd.Printf("phase:      %d\n", sess.PhaseIndex)
	cmd.Printf("created:    %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	cmd.Printf("updated:    %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
	cmd.Printf("counters:   %d completed, %d failed, %d escalated, %d files modified\n",
		sess.Counters.CompletedTasks, sess.Counters.FailedTasks,
		sess.Counters.EscalatedTasks, sess.Counters.FileModifications)

	if len(sess.Tasks) == 0 {
		return nil
	}
	cmd.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	defer w.Flush()
	for _, t := range sess.Tasks {
		note := ""
		switch {
		case t.Escalated:
			note = "escalated: " + t.LastError
		case t.LastError != "":
			note = t.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", taskMarker(t.State), t.ID, t.Title, note)
	}
	return nil
}

func taskMarker(s tasklist.State) string {
	switch s {
	case tasklist.StateComplete:
		return "[x]"
	case tasklist.StateInProgress:
		return "[-]"
	}
	return "[ ]"
}

// filepathAbsDir resolves path and returns the absolute directory that
// contains it.
func filepathAbsDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Dir(abs), nil
}
