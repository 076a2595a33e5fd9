package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmd/internal/daemon"
	"github.com/javanstorm/vmd/internal/memsize"
)

func newListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.client()
			if err != nil {
				return err
			}
			reply, err := c.List(cmd.Context(), daemon.InstanceNames{Verbosity: e.verbosity})
			if err != nil {
				return err
			}
			return printList(cmd.OutOrStdout(), reply.Instances)
		},
	}
}

func printList(out io.Writer, instances []daemon.ListEntry) error {
	if len(instances) == 0 {
		fmt.Fprintln(out, "No instances found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Name\tState\tIPv4\tRelease")
	for _, i := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", i.Name, i.State, orDash(i.IPv4), orDash(i.Release))
	}
	return w.Flush()
}

func newInfoCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "info [name...]",
		Short: "Show details about instances (all when none named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.client()
			if err != nil {
				return err
			}
			reply, err := c.Info(cmd.Context(), daemon.InstanceNames{InstanceNames: args, Verbosity: e.verbosity})
			if err != nil {
				return err
			}
			return printInfo(cmd.OutOrStdout(), reply.Instances)
		},
	}
}

func printInfo(out io.Writer, instances []daemon.InstanceInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	for n, i := range instances {
		if n > 0 {
			fmt.Fprintln(w)
		}
		hash := i.ImageHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(w, "Name:\t%s\n", i.Name)
		fmt.Fprintf(w, "State:\t%s\n", i.State)
		fmt.Fprintf(w, "IPv4:\t%s\n", orDash(i.IPv4))
		fmt.Fprintf(w, "Release:\t%s\n", orDash(i.CurrentRelease))
		fmt.Fprintf(w, "Image hash:\t%s\n", orDash(hash))
		fmt.Fprintf(w, "CPUs:\t%d\n", i.NumCores)
		fmt.Fprintf(w, "Memory:\t%s\n", memsize.Size(i.MemSize).Human())
		fmt.Fprintf(w, "Disk:\t%s\n", memsize.Size(i.DiskSpace).Human())
		fmt.Fprintf(w, "MAC:\t%s\n", i.MACAddr)
		for _, iface := range i.ExtraInterfaces {
			fmt.Fprintf(w, "Interface:\t%s %s (%s)\n", iface.ID, iface.MACAddress, iface.Mode)
		}
		if len(i.Mounts) == 0 {
			fmt.Fprintf(w, "Mounts:\t--\n")
		}
		for k, m := range i.Mounts {
			label := ""
			if k == 0 {
				label = "Mounts:"
			}
			fmt.Fprintf(w, "%s\t%s => %s\n", label, m.SourcePath, m.TargetPath)
		}
	}
	return w.Flush()
}

func newFindCmd(e *env) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "find [remote:][search]",
		Short: "Search images and workflows",
		Long: `Search images and workflows.

Without arguments every image of every remote is listed, followed by the
workflows. "remote:" lists one remote.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := daemon.FindRequest{RemoteName: remote, Verbosity: e.verbosity}
			if len(args) == 1 {
				req.SearchString = args[0]
			}
			c, err := e.client()
			if err != nil {
				return err
			}
			reply, err := c.Find(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printFind(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "only search this remote")
	return cmd
}

func printFind(out io.Writer, reply *daemon.FindReply) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if len(reply.Images) > 0 {
		fmt.Fprintln(w, "Image\tAliases\tVersion\tDescription")
		for _, img := range reply.Images {
			name, aliases := img.Release, ""
			if len(img.Aliases) > 0 {
				name = img.Aliases[0]
				aliases = strings.Join(img.Aliases[1:], ",")
			}
			if img.Remote != "" {
				name = img.Remote + ":" + name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, aliases, img.Version, img.ReleaseTitle)
		}
	}
	if len(reply.Workflows) > 0 {
		if len(reply.Images) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "Workflow\tDescription")
		workflows := append([]daemon.FindEntry(nil), reply.Workflows...)
		sort.Slice(workflows, func(i, j int) bool { return firstAlias(workflows[i]) < firstAlias(workflows[j]) })
		for _, wf := range workflows {
			fmt.Fprintf(w, "%s\t%s\n", firstAlias(wf), wf.ReleaseTitle)
		}
	}
	return w.Flush()
}

func newSSHInfoCmd(e *env) *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "ssh-info name...",
		Short: "Print SSH connection details for running instances",
		Long: `Print SSH connection details for running instances.

With --key-file the daemon's private key is written there (mode 0600)
so the printed ssh command can be used as is.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.client()
			if err != nil {
				return err
			}
			reply, err := c.SSHInfo(cmd.Context(), daemon.InstanceNames{InstanceNames: args, Verbosity: e.verbosity})
			if err != nil {
				return err
			}

			identity := "<key>"
			if keyFile != "" {
				if err := writeKey(keyFile, reply); err != nil {
					return err
				}
				identity = keyFile
			}
			for _, name := range args {
				info := reply.SSHInfo[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ssh -i %s -p %d %s@%s\n", name, identity, info.Port, info.Username, info.Host)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "write the private key to this file")
	return cmd
}

func writeKey(path string, reply *daemon.SSHInfoReply) error {
	for _, info := range reply.SSHInfo {
		key, err := base64.StdEncoding.DecodeString(info.PrivateKey)
		if err != nil {
			return fmt.Errorf("decode private key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		return os.WriteFile(path, key, 0600)
	}
	return nil
}

func firstAlias(e daemon.FindEntry) string {
	if len(e.Aliases) == 0 {
		return e.Release
	}
	return e.Aliases[0]
}

func orDash(s string) string {
	if s == "" {
		return "--"
	}
	return s
}
