package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tickforge/replay/internal/backtest/engine"
	enginev1 "github.com/tickforge/replay/internal/backtest/engine/engine_v1"
	"github.com/tickforge/replay/internal/feeder"
	"github.com/tickforge/replay/internal/logger"
	"github.com/tickforge/replay/internal/trade"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// runAction replays a tick file through the engine and writes the results.
func runAction(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	dataGlob := cmd.String("data")
	symbol := cmd.String("symbol")
	output := cmd.String("output")

	config, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	backtester := enginev1.NewBacktesterV1()
	if err := backtester.Initialize(string(config)); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := backtester.SetResultsFolder(output); err != nil {
		return err
	}

	feedLogger, err := logger.NewLogger()
	if err != nil {
		return err
	}

	source, err := feeder.NewCSVFeeder(symbol, dataGlob, feedLogger)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar

	onStart := engine.OnRunStartCallback(func(totalTicks int) error {
		bar = progressbar.New(totalTicks)

		return nil
	})
	onData := engine.OnProcessDataCallback(func(current, total int) error {
		return bar.Add(1)
	})

	callbacks := engine.LifecycleCallbacks{
		OnRunStart:    &onStart,
		OnProcessData: &onData,
		OnRunEnd:      nil,
	}

	if err := backtester.Run(ctx, source, callbacks); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	// Flatten whatever is still open so the trade list is complete.
	if err := backtester.CloseAllTrades(trade.CloseReasonEndOfSession); err != nil {
		return err
	}

	backtester.DropAllStopOrders()

	if err := backtester.WriteResults(); err != nil {
		return err
	}

	stats, err := backtester.Stats()
	if err != nil {
		return err
	}

	summary, err := yaml.Marshal(stats)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s", summary)

	return nil
}

// schemaAction prints the JSON schema of the engine configuration.
func schemaAction(ctx context.Context, cmd *cli.Command) error {
	backtester := enginev1.NewBacktesterV1()

	schema, err := backtester.GetConfigSchema()
	if err != nil {
		return err
	}

	fmt.Println(schema)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "replay",
		Usage: "Deterministic tick replay and trade execution",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Replay a tick data set through the engine",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the YAML engine configuration",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "Glob of tick CSV files (timestamp,price,volume)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "symbol",
						Aliases:  []string{"s"},
						Usage:    "Symbol the data files belong to",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Results output directory",
						Value:   "results",
					},
				},
				Action: runAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema of the engine configuration",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
