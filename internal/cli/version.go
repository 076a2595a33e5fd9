package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmd/internal/version"
)

func newVersionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and daemon versions",
		Long:  "Print the client version and, when the daemon answers, the daemon version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client  %s\n", version.String())

			c, err := e.client()
			if err != nil {
				return err
			}
			reply, err := c.Version(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "daemon  unavailable: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "daemon  %s\n", reply.Version)
			return nil
		},
	}
}
