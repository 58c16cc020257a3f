package main

import (
	"github.com/spf13/cobra"
)

func newConfigCommand(c *cli) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration after merging defaults, the config file and
PHONECHECK_ environment variables. The SIP password is masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if check {
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return cfg.Redacted().Write(cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&check, "validate", false, "fail when the configuration is not usable for a call")
	return cmd
}
