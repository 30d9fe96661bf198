package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloudsaga/cloudsaga/pkg/deploy"
	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/telemetry"
)

const (
	actionCreate    = deploy.ActionCreate
	actionTerminate = deploy.ActionTerminate
)

func newRunCommand() *cobra.Command {
	var (
		flags  deploymentFlags
		action string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create or terminate a deployment",
		Long: `Create or terminate a deployment.

create provisions every stage that does not exist yet and rolls back what
it created when a stage fails. terminate deletes every resource carrying
the deployment's ownership tag.`,
		Example: `  # Provision from a config file
  cloudsaga run --action create -c deployment.yaml

  # Tear down, overriding the name
  cloudsaga run --action terminate -c deployment.yaml --service_base_name demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, &flags, action)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&action, "action", "", "create or terminate")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

// newActionCommand returns the create or terminate shorthand for run.
func newActionCommand(action string) *cobra.Command {
	var flags deploymentFlags

	cmd := &cobra.Command{
		Use:   action,
		Short: fmt.Sprintf("Shorthand for run --action %s", action),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, &flags, action)
		},
	}
	flags.bind(cmd)
	return cmd
}

func runAction(cmd *cobra.Command, flags *deploymentFlags, action string) error {
	ctx := cmd.Context()
	d, err := loadDeployment(ctx, cmd, flags)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, d)
	if err != nil {
		return err
	}
	defer s.close()

	s.journal(action)
	if !jsonOutput {
		s.tel.Events.Subscribe(progressPrinter(cmd.ErrOrStderr()), telemetry.FilterByType(
			engine.EventTypeStageCreated,
			engine.EventTypeStageAdopted,
			engine.EventTypeStageFailed,
			engine.EventTypeStageRolledBack,
			engine.EventTypeRollbackFailed,
			engine.EventTypeResourceDeleted,
		))
	}

	dep, err := s.deployer()
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("action", action).
		Str("cloud", d.Cloud).
		Str("region", d.Region).
		Msg("Starting run")

	res, runErr := dep.Run(ctx, action)
	if res != nil {
		if err := printResult(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	return runErr
}

// progressPrinter prints one line per resource event as the run goes.
func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	return func(ev engine.Event) {
		switch {
		case ev.ResourceID != "":
			fmt.Fprintf(w, "  %-18s %-12s %-14s %s\n", ev.Type, ev.Stage, ev.Kind, ev.ResourceID)
		default:
			fmt.Fprintf(w, "  %-18s %-12s %s\n", ev.Type, ev.Stage, ev.Message)
		}
	}
}
