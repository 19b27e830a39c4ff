// Package commands holds the cobra commands of the stenv CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/najoast/stenv/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
}

// NewRootCommand creates the root command for the stenv CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "stenv",
		Short: "stenv - single-worker environment infrastructure",
		Long:  "Runs agents grouped in coops on a single worker goroutine fed by a multi-producer event queue.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default: search stenv.yaml/config.yaml)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// loadConfig loads the file named by --config or discovers one.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.NewLoader().Load(o.ConfigFile)
}
