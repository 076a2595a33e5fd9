package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmd/internal/api"
	"github.com/javanstorm/vmd/internal/daemon"
)

func newCreateCmd(e *env, launch bool) *cobra.Command {
	var (
		req       daemon.CreateRequest
		networks  []string
		cloudInit string
	)

	use, short, done := "create [image]", "Create an instance without starting it", "Created"
	if launch {
		use, short, done = "launch [image]", "Create and start an instance", "Launched"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The image is an alias such as "noble", a remote-qualified alias such as
"snapcraft:core22", a workflow name, or a file:// or http(s):// URL.
Without an image the current LTS release is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Image = args[0]
			}
			for _, n := range networks {
				opt, err := parseNetwork(n)
				if err != nil {
					return err
				}
				req.Networks = append(req.Networks, opt)
			}
			if cloudInit != "" {
				data, err := os.ReadFile(cloudInit)
				if err != nil {
					return fmt.Errorf("read cloud-init file: %w", err)
				}
				req.UserData = string(data)
			}
			req.Verbosity = e.verbosity

			c, err := e.client()
			if err != nil {
				return err
			}
			call := c.Create
			if launch {
				call = c.Launch
			}
			reply, err := call(cmd.Context(), req)
			if err != nil {
				return err
			}
			for _, w := range reply.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", done, reply.InstanceName)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&req.InstanceName, "name", "n", "", "instance name (generated when empty)")
	flags.IntVarP(&req.NumCores, "cpus", "c", 0, "number of CPUs (default 1)")
	flags.StringVarP(&req.MemSize, "memory", "m", "", "amount of memory, e.g. 2G (default 1G)")
	flags.StringVarP(&req.DiskSpace, "disk", "d", "", "disk size, e.g. 10G (default 5G or the image minimum)")
	flags.StringVar(&req.RemoteName, "remote", "", "remote to look the image up on")
	flags.StringArrayVar(&networks, "network", nil, "extra interface: <name> or name=<name>,mac=<mac>,mode=auto|manual (repeatable)")
	flags.StringVar(&cloudInit, "cloud-init", "", "cloud-init user data file")
	flags.IntVar(&req.Timeout, "timeout", 0, "seconds to wait for the operation (0 waits indefinitely)")
	return cmd
}

// namesCmd builds a command whose only input is a list of instance names.
func namesCmd(e *env, use, short, done string, call func(*api.Client, context.Context, daemon.InstanceNames) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.client()
			if err != nil {
				return err
			}
			if err := call(c, cmd.Context(), daemon.InstanceNames{InstanceNames: args, Verbosity: e.verbosity}); err != nil {
				return err
			}
			if done != "" {
				printDone(cmd, done, args)
			}
			return nil
		},
	}
}

func printDone(cmd *cobra.Command, done string, names []string) {
	if len(names) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s all instances\n", done)
		return
	}
	for _, n := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, n)
	}
}

func newStartCmd(e *env) *cobra.Command {
	return namesCmd(e, "start", "Start instances (all when none named)", "Started",
		func(c *api.Client, ctx context.Context, req daemon.InstanceNames) error {
			_, err := c.Start(ctx, req)
			return err
		})
}

func newRestartCmd(e *env) *cobra.Command {
	return namesCmd(e, "restart", "Restart instances (all when none named)", "Restarted",
		func(c *api.Client, ctx context.Context, req daemon.InstanceNames) error {
			_, err := c.Restart(ctx, req)
			return err
		})
}

func newSuspendCmd(e *env) *cobra.Command {
	return namesCmd(e, "suspend", "Suspend running instances (all when none named)", "Suspended",
		func(c *api.Client, ctx context.Context, req daemon.InstanceNames) error {
			_, err := c.Suspend(ctx, req)
			return err
		})
}

func newRecoverCmd(e *env) *cobra.Command {
	return namesCmd(e, "recover", "Recover deleted instances (all when none named)", "Recovered",
		func(c *api.Client, ctx context.Context, req daemon.InstanceNames) error {
			_, err := c.Recover(ctx, req)
			return err
		})
}

func newPurgeCmd(e *env) *cobra.Command {
	cmd := namesCmd(e, "purge", "Permanently remove all deleted instances", "",
		func(c *api.Client, ctx context.Context, req daemon.InstanceNames) error {
			_, err := c.Purge(ctx, req)
			return err
		})
	cmd.Use = "purge"
	cmd.Args = cobra.NoArgs
	return cmd
}

func newStopCmd(e *env) *cobra.Command {
	var req daemon.StopRequest
	cmd := &cobra.Command{
		Use:   "stop [name...]",
		Short: "Stop instances (all when none named)",
		Long: `Stop instances, all of them when none are named.

--time N delays the shutdown by N minutes; --cancel cancels a delayed
shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Cancel && req.TimeMinutes > 0 {
				return fmt.Errorf("--cancel and --time are mutually exclusive")
			}
			if req.TimeMinutes < 0 {
				return fmt.Errorf("--time must not be negative")
			}
			req.InstanceNames = args
			req.Verbosity = e.verbosity

			c, err := e.client()
			if err != nil {
				return err
			}
			if _, err := c.Stop(cmd.Context(), req); err != nil {
				return err
			}
			switch {
			case req.Cancel:
				printDone(cmd, "Cancelled shutdown of", args)
			case req.TimeMinutes > 0:
				printDone(cmd, fmt.Sprintf("Shutdown in %d minutes for", req.TimeMinutes), args)
			default:
				printDone(cmd, "Stopped", args)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&req.TimeMinutes, "time", "t", 0, "minutes to wait before shutting down")
	cmd.Flags().BoolVarP(&req.Cancel, "cancel", "c", false, "cancel a delayed shutdown")
	return cmd
}

func newDeleteCmd(e *env) *cobra.Command {
	var req daemon.DeleteRequest
	cmd := &cobra.Command{
		Use:   "delete [name...]",
		Short: "Delete instances (all when none named)",
		Long: `Delete instances, all of them when none are named.

Deleted instances keep their disks and can be recovered until purged.
--purge removes them permanently right away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.InstanceNames = args
			req.Verbosity = e.verbosity

			c, err := e.client()
			if err != nil {
				return err
			}
			if _, err := c.Delete(cmd.Context(), req); err != nil {
				return err
			}
			done := "Deleted"
			if req.Purge {
				done = "Purged"
			}
			printDone(cmd, done, args)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&req.Purge, "purge", "p", false, "purge the instances immediately")
	return cmd
}
