package main

import (
	"fmt"
	"io"

	"github.com/opd-ai/phonecheck/config"
	"github.com/opd-ai/phonecheck/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries the state shared by the subcommands of one invocation.
type cli struct {
	configFile string
	viper      *viper.Viper
	logCloser  io.Closer
}

func newRootCommand() *cobra.Command {
	c := &cli{viper: config.New()}

	root := &cobra.Command{
		Use:   "phonecheck",
		Short: "phonecheck - outbound SIP call checker",
		Long: `phonecheck places an outbound call through a SIP server, listens to the
answered call's G.711 audio for a fixed window and hangs up.

Settings come from a YAML file (--config) and PHONECHECK_ environment
variables, e.g. PHONECHECK_SIP_PASSWORD. Flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "",
		"config file path (YAML)")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (text or json)")
	_ = c.viper.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = c.viper.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newCallCommand(c))
	root.AddCommand(newSTUNCommand(c))
	root.AddCommand(newMonitorCommand(c))
	root.AddCommand(newConfigCommand(c))

	return root
}

// load reads the configuration and applies its log settings.
func (c *cli) load() (*config.Config, error) {
	cfg, err := config.LoadFrom(c.viper, c.configFile)
	if err != nil {
		return nil, err
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	c.logCloser = closer
	return cfg, nil
}
