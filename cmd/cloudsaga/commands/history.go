package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudsaga/cloudsaga/pkg/deploy"
)

func newHistoryCommand() *cobra.Command {
	var (
		flags deploymentFlags
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled runs",
		Long: `List the runs recorded in the state database, newest first.

The journal is an audit trail. It is never used to decide what a run
creates or deletes.`,
		Example: `  # Recent runs of one deployment
  cloudsaga history --service_base_name demo

  # Resources and events of one run
  cloudsaga history --run 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := readDeployment(ctx, cmd, &flags)
			if err != nil {
				return err
			}
			store, err := deploy.OpenStore(ctx, d)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID != "" {
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				resources, err := store.ListRunResources(ctx, runID)
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, &runID, nil, 1000, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, map[string]interface{}{
						"run":       run,
						"resources": resources,
						"events":    events,
					})
				}

				fmt.Fprintf(out, "%s %s %s: %s\n", run.ID, run.Action, run.ServiceBaseName, run.Status)
				if run.Error != nil {
					fmt.Fprintf(out, "error: %s\n", *run.Error)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tSTAGE\tKIND\tID\tOWNED")
				for _, r := range resources {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", r.Sequence, r.StageName, r.Kind, r.ResourceID, r.Owned)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Fprintf(out, "%s %-5s %-18s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Type, ev.Message)
				}
				return nil
			}

			var sbn *string
			if d.ServiceBaseName != "" {
				sbn = &d.ServiceBaseName
			}
			runs, err := store.ListRuns(ctx, sbn, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tACTION\tDEPLOYMENT\tPROVIDER\tSTATUS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Action, r.ServiceBaseName, r.Provider, r.Status, r.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	flags.bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the resources and events of one run")

	return cmd
}
