package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/najoast/stenv/bootstrap"
	"github.com/najoast/stenv/examples/pingpong"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Rounds int
	Tick   time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ping-pong demo",
		Long: `Launch the environment and run a pinger and a ponger agent until the
requested number of rounds has been exchanged. SIGINT or SIGTERM stops the
environment early.

Example:
  stenv run --rounds 1000 --tick 10ms
  stenv run --config ./stenv.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPingPong(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Rounds, "rounds", 100, "number of ping/pong exchanges")
	cmd.Flags().DurationVar(&opts.Tick, "tick", 0, "period of the tick timer (0 disables it)")

	return cmd
}

func runPingPong(cmd *cobra.Command, opts *RunOptions) error {
	builder := bootstrap.NewApplicationBuilder()
	if opts.ConfigFile != "" {
		builder.WithConfigFile(opts.ConfigFile)
	} else {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		builder.WithConfig(cfg)
	}

	app, err := builder.Build()
	if err != nil {
		return err
	}

	var res pingpong.Result
	start := time.Now()
	if err := app.Run(cmd.Context(), pingpong.Init(pingpong.Options{Rounds: opts.Rounds, Tick: opts.Tick}, &res)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s elapsed=%s\n", res.String(), time.Since(start).Round(time.Microsecond))
	return nil
}
