package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/deploy"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints the resource log of a run and, when compensation was
// incomplete, the resources that need manual cleanup.
func printResult(w io.Writer, res *deploy.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}

	fmt.Fprintf(w, "%s %s: %s", res.Action, res.ServiceBaseName, res.Status)
	if res.RunID != "" {
		fmt.Fprintf(w, " (run %s, %s)", res.RunID, res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	if res.Policy != nil {
		for _, v := range res.Policy.Warnings {
			fmt.Fprintf(w, "warning: %s\n", v)
		}
	}

	if len(res.Resources) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tKIND\tID\tOWNED")
		for _, h := range res.Resources {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", h.StageName, h.Kind, h.ID, h.Owned)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if res.Report != nil && !res.Report.Empty() {
		fmt.Fprintln(w, "manual cleanup required:")
		for _, item := range res.Report.Items {
			fmt.Fprintf(w, "  %s %s (%s): %s\n", item.Kind, item.ID, item.Stage, item.Error)
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
	return nil
}
