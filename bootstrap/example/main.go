// Example demonstrating the stenv bootstrap system
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/najoast/stenv/bootstrap"
	"github.com/najoast/stenv/config"
	"github.com/najoast/stenv/core"
)

func main() {
	cfg := config.DefaultConfig()
	cfg.App.Name = "bootstrap-example"
	cfg.Env.ActivityTracking = true

	app, err := bootstrap.NewApplicationBuilder().
		WithConfig(cfg).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = app.Run(ctx, func(env core.Environment) error {
		coop := env.MakeCoop(core.CoopHandle{}, nil)
		coop.SetName("greeter")

		greeter := core.NewAgent("greeter").
			On("greet", func(msg *core.Message) error {
				fmt.Printf("hello, %v\n", msg.Data)
				env.Stop()
				return nil
			})
		greeter.OnStart(func() error {
			env.SingleTimer(core.NewMessage("greet", "world"), greeter, 100*time.Millisecond)
			return nil
		})

		if err := coop.AddAgent(greeter); err != nil {
			return err
		}
		_, err := env.RegisterCoop(coop)
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	stats := app.Infrastructure().ActivityStats()
	fmt.Printf("worker waited %s, worked %s\n", stats.WaitDuration, stats.WorkDuration)
}
