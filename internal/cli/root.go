// Package cli provides the command-line interface for vmd.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmd/internal/api"
	"github.com/javanstorm/vmd/internal/config"
)

// env holds what every command shares: the loaded configuration and a way
// to reach the daemon.
type env struct {
	v         *viper.Viper
	cfg       *config.Config
	verbosity int
}

func (e *env) client() (*api.Client, error) {
	return api.NewClient(api.ClientOptions{
		Address: e.cfg.Address,
		Timeout: e.cfg.RequestTimeout,
	})
}

// NewRootCmd builds the vmd command tree.
func NewRootCmd() *cobra.Command {
	e := &env{v: viper.New()}

	root := &cobra.Command{
		Use:   "vmd",
		Short: "vmd - local virtual machines on demand",
		Long: `vmd launches and manages Ubuntu virtual machines on this host.

Run "vmd serve" to start the daemon; every other command is a client
that talks to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.LoadWith(e.v)
			if err != nil {
				return err
			}
			e.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().String("address", config.DefaultAddress, "daemon address (host:port)")
	root.PersistentFlags().CountVarP(&e.verbosity, "verbose", "v", "increase logging verbosity")
	bindFlags(e.v, root.PersistentFlags(), map[string]string{"address": "address"})

	root.AddCommand(
		newServeCmd(e),
		newCreateCmd(e, false),
		newCreateCmd(e, true),
		newStartCmd(e),
		newStopCmd(e),
		newRestartCmd(e),
		newSuspendCmd(e),
		newRecoverCmd(e),
		newDeleteCmd(e),
		newPurgeCmd(e),
		newListCmd(e),
		newInfoCmd(e),
		newFindCmd(e),
		newSSHInfoCmd(e),
		newMountCmd(e),
		newUmountCmd(e),
		newVersionCmd(e),
	)
	return root
}

// bindFlags ties viper keys to the named flags. Binding only fails for a
// flag that was never defined.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind --%s to %s: %v", name, key, err))
		}
	}
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
