package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openpower/optest/pkg/config"
)

func (a *app) configCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:         "schema",
		Short:       "Print the JSON schema of the config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.SchemaJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after environment and --set overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if !showSecrets {
				redact(&cfg.BMC.Password)
				redact(&cfg.BMC.IPMIPassword)
				redact(&cfg.Host.Password)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print passwords in clear")
	configCmd.AddCommand(showCmd)

	return configCmd
}

func redact(s *string) {
	if *s != "" {
		*s = "****"
	}
}
