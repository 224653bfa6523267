package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openpower/optest/pkg/harness"
	"github.com/openpower/optest/pkg/system"
)

func (a *app) gotoCommand() *cobra.Command {
	var resting []string
	for _, s := range system.States() {
		if s.Resting() {
			resting = append(resting, s.String())
		}
	}

	return &cobra.Command{
		Use:   "goto <STATE>",
		Short: "Move the machine to a target state",
		Long: fmt.Sprintf(`Drives the machine hop by hop through the boot state graph until it
reaches STATE, one of %s.

Without --known-state the machine starts in UNKNOWN and is powered off first.`, strings.Join(resting, ", ")),
		Args:      cobra.ExactArgs(1),
		ValidArgs: resting,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := system.ParseState(args[0])
			if err != nil {
				return err
			}
			return a.locked(cmd, true, func(h *harness.Harness) error {
				if err := h.System.GotoState(cmd.Context(), target); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), h.System.GetState())
				return nil
			})
		},
	}
}

func (a *app) stateCommand() *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the boot state graph",
	}

	stateCmd.AddCommand(&cobra.Command{
		Use:   "graph",
		Short: "Print the state transition graph in DOT format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), h.System.Graph())
			return nil
		},
	})

	stateCmd.AddCommand(&cobra.Command{
		Use:         "list",
		Short:       "List the states; goto accepts the ones marked resting",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range system.States() {
				kind := "transient"
				if s.Resting() {
					kind = "resting"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", s, kind)
			}
			return nil
		},
	})

	return stateCmd
}
