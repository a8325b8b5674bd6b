package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/orchestration"
)

func newStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Inspect orchestration step tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a step table and list its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := orchestration.LoadTable(config.ResolvePath(args[0]))
			if err != nil {
				return err
			}
			return writeTableSummary(cmd.OutOrStdout(), table)
		},
	})
	return cmd
}

func writeTableSummary(out io.Writer, table *orchestration.Table) error {
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tFIRST STEP\tSTEPS\tMAX TOTAL\tMAX VISITS")
	for _, id := range table.TaskIDs() {
		task, _ := table.Task(id)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", id, task.FirstStep, stepNames(task), task.MaxTotalSteps, task.MaxStepVisits)
	}
	return w.Flush()
}

func stepNames(task orchestration.Task) string {
	names := make([]string, 0, len(task.Steps))
	names = append(names, task.FirstStep)
	for name := range task.Steps {
		if name != task.FirstStep {
			names = append(names, name)
		}
	}
	slices.Sort(names[1:])
	return strings.Join(names, ",")
}
