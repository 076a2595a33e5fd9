package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmd/internal/daemon"
)

func newMountCmd(e *env) *cobra.Command {
	var uidMaps, gidMaps []string
	cmd := &cobra.Command{
		Use:   "mount source instance[:path]...",
		Short: "Share a host directory with instances",
		Long: `Share a host directory with instances.

The path inside the instance defaults to the source path. Mounts of a
stopped instance take effect when it next starts.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := daemon.MountRequest{SourcePath: args[0], Verbosity: e.verbosity}
			for _, a := range args[1:] {
				t, err := parseTarget(a)
				if err != nil {
					return err
				}
				req.Targets = append(req.Targets, t)
			}
			var err error
			if req.UIDMappings, err = parseUIDMaps(uidMaps); err != nil {
				return err
			}
			if req.GIDMappings, err = parseGIDMaps(gidMaps); err != nil {
				return err
			}

			c, err := e.client()
			if err != nil {
				return err
			}
			if _, err := c.Mount(cmd.Context(), req); err != nil {
				return err
			}
			for _, t := range req.Targets {
				fmt.Fprintf(cmd.OutOrStdout(), "Mounted %s in %s\n", args[0], t.InstanceName)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&uidMaps, "uid-map", "u", nil, "user id mapping <host>:<instance> (repeatable)")
	cmd.Flags().StringArrayVarP(&gidMaps, "gid-map", "g", nil, "group id mapping <host>:<instance> (repeatable)")
	return cmd
}

func newUmountCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "umount instance[:path]...",
		Aliases: []string{"unmount"},
		Short:   "Remove mounts; without a path every mount of the instance goes",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := daemon.UmountRequest{Verbosity: e.verbosity}
			for _, a := range args {
				t, err := parseTarget(a)
				if err != nil {
					return err
				}
				req.Targets = append(req.Targets, t)
			}

			c, err := e.client()
			if err != nil {
				return err
			}
			_, err = c.Umount(cmd.Context(), req)
			return err
		},
	}
}
