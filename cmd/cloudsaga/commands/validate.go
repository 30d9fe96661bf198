package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsaga/cloudsaga/pkg/deploy"
	"github.com/cloudsaga/cloudsaga/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		flags  deploymentFlags
		action string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a deployment config and run the policy gate",
		Long: `Validate a deployment config and run the policy gate.

This command:
  - Loads the config and applies flag overrides
  - Checks field constraints and CIDR containment
  - Checks the selected cloud supports every stage
  - Evaluates the preflight policies for the action

With --watch the checks run again whenever the config file or one of the
policy paths changes, until interrupted.`,
		Example: `  # Validate before creating
  cloudsaga validate -c deployment.yaml

  # Check teardown protection
  cloudsaga validate -c deployment.yaml --action terminate

  # Re-validate while editing
  cloudsaga validate -c deployment.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				return validateOnce(cmd, &flags, action)
			}
			if configPath == "" {
				return fmt.Errorf("--watch needs --config")
			}
			return watchValidate(cmd, &flags, action)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&action, "action", actionCreate, "action to evaluate policies for")
	cmd.Flags().BoolVar(&watch, "watch", false, "validate again on every change")

	return cmd
}

func validateOnce(cmd *cobra.Command, flags *deploymentFlags, action string) error {
	ctx := cmd.Context()
	d, err := loadDeployment(ctx, cmd, flags)
	if err != nil {
		return err
	}
	logger := quietLogger()
	provider, err := deploy.NewProvider(ctx, d, logger)
	if err != nil {
		return err
	}
	dep, err := deploy.New(d, provider, deploy.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := deploy.CheckKinds(dep.Stages(), provider); err != nil {
		return err
	}

	res, err := dep.Preflight(ctx, action)
	if res != nil && jsonOutput {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res == nil {
		fmt.Fprintf(out, "%s: valid (policy gate disabled)\n", sourceName())
		return nil
	}
	for _, v := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", v)
	}
	fmt.Fprintf(out, "%s: valid, %d policies passed\n", sourceName(), len(res.EvaluatedPolicies))
	return nil
}

// watchValidate reports each validation result and keeps going on failure.
func watchValidate(cmd *cobra.Command, flags *deploymentFlags, action string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	report := func() {
		if err := validateOnce(cmd, flags, action); err != nil {
			fmt.Fprintf(out, "%s: invalid: %v\n", sourceName(), err)
		}
	}
	report()

	paths := []string{configPath}
	if d, err := readDeployment(ctx, cmd, flags); err == nil {
		paths = append(paths, d.Policy.Paths...)
	}

	err := policy.NewLoader(quietLogger()).Watch(ctx, paths, func(path string) {
		fmt.Fprintf(out, "changed: %s\n", path)
		report()
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
