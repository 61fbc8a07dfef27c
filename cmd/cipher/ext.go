package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/extension"
	"github.com/cipher-editor/cipher/internal/task"
)

func extCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ext",
		Short: "Inspect and toggle installed extensions",
		Long: `ext edits extension manifests on disk. A running instance picks the
change up the next time it starts.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List installed extensions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				reg, err := scanRegistry(cmd)
				if err != nil {
					return err
				}
				return printExtensions(cmd.OutOrStdout(), reg.Infos())
			},
		},
		toggleCmd("enable", true),
		toggleCmd("disable", false),
	)
	for _, sub := range cmd.Commands() {
		addConfigFlags(sub)
	}
	return cmd
}

func toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: fmt.Sprintf("Mark an extension %sd", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := scanRegistry(cmd)
			if err != nil {
				return err
			}
			inst, ok := reg.Lookup(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", extension.ErrNotFound, args[0])
			}
			if err := inst.Manifest().SetEnabled(enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", inst.Name(), use)
			return nil
		},
	}
}

// scanRegistry reads the configured extensions directory without loading
// anything.
func scanRegistry(cmd *cobra.Command) (*extension.Registry, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	sched := task.New()
	bus := event.NewBus(sched)
	reg := extension.NewRegistry(cfg.ExtensionsDir(), extension.NewLoader(bus), sched, bus)
	if _, err := reg.Scan(); err != nil {
		return nil, err
	}
	return reg, nil
}

func printExtensions(w io.Writer, infos []extension.Info) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no extensions installed")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tNAME\tENABLED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", info.Folder, info.Name, info.Enabled)
	}
	return tw.Flush()
}
