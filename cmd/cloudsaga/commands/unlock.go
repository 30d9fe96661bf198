package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/deploy"
	"github.com/cloudsaga/cloudsaga/pkg/stores"
)

func newUnlockCommand() *cobra.Command {
	var flags deploymentFlags

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Force-release a deployment lease",
		Long: `Force-release the lease of a deployment, whoever holds it.

Use this only when the holder is known to be gone, for example after a
crashed run on another host. A lease also expires on its own after its TTL.`,
		Example: `  cloudsaga unlock --service_base_name demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := readDeployment(ctx, cmd, &flags)
			if err != nil {
				return err
			}
			if d.ServiceBaseName == "" {
				return fmt.Errorf("service_base_name is required")
			}

			var store stores.Store
			if d.Lock.Backend == config.LockSQLite {
				s, err := deploy.OpenStore(ctx, d)
				if err != nil {
					return err
				}
				defer s.Close()
				store = s
			}

			locker, err := deploy.NewLocker(ctx, d, store, quietLogger())
			if err != nil {
				return err
			}
			if locker == nil {
				return fmt.Errorf("no lock backend configured")
			}
			if err := locker.ForceRelease(ctx, d.ServiceBaseName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released lease %s\n", d.ServiceBaseName)
			return nil
		},
	}

	flags.bind(cmd)
	return cmd
}
