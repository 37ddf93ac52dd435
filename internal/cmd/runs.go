package cmd

import (
	"github.com/spf13/cobra"

	"github.com/HerbHall/tripscan/internal/history"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, hist, err := a.openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := hist.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), a.jsonOutput())
			if p.json {
				if runs == nil {
					runs = []history.Run{}
				}
				return p.encode(runs)
			}
			if len(runs) == 0 {
				p.printf("No runs recorded\n")
				return nil
			}
			p.runs(runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the events recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, hist, err := a.openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := hist.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := hist.ListEvents(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if events == nil {
				events = []telemetry.Event{}
			}

			p := newPrinter(cmd.OutOrStdout(), a.jsonOutput())
			if p.json {
				return p.encode(struct {
					Run    history.Run       `json:"run"`
					Events []telemetry.Event `json:"events"`
				}{run, events})
			}
			p.printf("Run %s (%s): %d samples, %d events\n", run.ID, run.Source, run.Samples, len(events))
			p.events(events)
			return nil
		},
	}
}
