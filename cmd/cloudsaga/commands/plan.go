package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudsaga/cloudsaga/pkg/deploy"
)

// planStage is one row of the printed plan.
type planStage struct {
	Level        int      `json:"level"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	ResourceName string   `json:"resource_name"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var (
		flags deploymentFlags
		dot   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the stages a create would run",
		Long: `Show the stages a create would run, in execution order.

No cloud calls are made, so the plan lists every stage whether or not its
resource already exists.`,
		Example: `  # Print the plan
  cloudsaga plan -c deployment.yaml

  # Render the dependency graph
  cloudsaga plan -c deployment.yaml --dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := loadDeployment(ctx, cmd, &flags)
			if err != nil {
				return err
			}
			provider, err := deploy.NewProvider(ctx, d, quietLogger())
			if err != nil {
				return err
			}
			dep, err := deploy.New(d, provider)
			if err != nil {
				return err
			}
			plan, err := dep.Plan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dot {
				_, err := fmt.Fprintln(out, plan.ToDOT())
				return err
			}

			specs := make(map[string]deploy.StageSpec)
			for _, s := range dep.Stages() {
				specs[s.Name] = s
			}
			var rows []planStage
			for level, names := range plan.Levels() {
				for _, name := range names {
					s := specs[name]
					rows = append(rows, planStage{
						Level:        level + 1,
						Name:         s.Name,
						Kind:         string(s.Kind),
						ResourceName: s.ResourceName,
						DependsOn:    s.DependsOn,
					})
				}
			}
			if jsonOutput {
				return printJSON(out, rows)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "LEVEL\tSTAGE\tKIND\tNAME\tDEPENDS ON")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Level, r.Name, r.Kind, r.ResourceName, strings.Join(r.DependsOn, ","))
			}
			return tw.Flush()
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in Graphviz DOT format")

	return cmd
}
