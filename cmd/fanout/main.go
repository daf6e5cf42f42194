// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/poiesic/fanout/backfill"
	"github.com/poiesic/fanout/config"
	"github.com/poiesic/fanout/search"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fanout",
		Usage: "Dual-write event ingestion with asynchronous embedding",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file (default: ./fanout.yaml or ~/.config/fanout/fanout.yaml)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides log.level",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Set log format (text, json); overrides log.format",
			},
		},
		Before: func(c *cli.Context) error {
			if err := loadConfig(c); err != nil {
				return err
			}
			return setupLogger(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Consume the events topic into the analytical store",
				Action: ingestCommand,
			},
			{
				Name:   "embed",
				Usage:  "Consume the embedding jobs topic into the vector index",
				Action: embedCommand,
			},
			{
				Name:      "emit",
				Usage:     "Dual-write events read from a file or stdin, one per line",
				ArgsUsage: "[file]",
				Action:    emitCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "session",
						Usage: "Session id for plain-text lines",
						Value: "cli",
					},
					&cli.StringFlag{
						Name:  "user",
						Usage: "User id for plain-text lines",
						Value: "cli",
					},
					&cli.StringFlag{
						Name:  "project",
						Usage: "metadata.project_id for plain-text lines",
					},
					&cli.DurationFlag{
						Name:  "drain-timeout",
						Usage: "How long to wait for in-process workers to finish",
						Value: 30 * time.Second,
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Semantic search over embedded messages",
				ArgsUsage: "<query text>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "project", Usage: "Filter by project_id"},
					&cli.StringFlag{Name: "severity", Usage: "Filter by severity"},
					&cli.StringFlag{Name: "service", Usage: "Filter by service"},
					&cli.StringFlag{Name: "log-type", Usage: "Filter by log_type"},
					&cli.StringFlag{Name: "source-table", Usage: "Filter by source_table"},
					&cli.IntFlag{Name: "http-status", Usage: "Filter by http_status"},
					&cli.IntFlag{Name: "hours-back", Usage: "Only match records from the last N hours"},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of hits",
						Value:   search.DefaultLimit,
					},
					&cli.Float64Flag{Name: "threshold", Usage: "Minimum score (0 disables)"},
					&cli.IntFlag{Name: "ef", Usage: "Search candidate list size (0 uses the index default)"},
					&cli.BoolFlag{Name: "exact", Usage: "Force an exhaustive search"},
					&cli.BoolFlag{Name: "verbatim", Usage: "Require every query word in the preview"},
					&cli.BoolFlag{Name: "json", Usage: "Print hits as JSON"},
				},
			},
			{
				Name:      "trace",
				Usage:     "List embedded records sharing a trace id",
				ArgsUsage: "<trace id>",
				Action:    traceCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of records",
						Value: search.DefaultTraceLimit,
					},
					&cli.BoolFlag{Name: "json", Usage: "Print records as JSON"},
				},
			},
			{
				Name:      "delete-project",
				Usage:     "Delete every vector of a project",
				ArgsUsage: "<project id>",
				Action:    deleteProjectCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "async",
						Usage: "Publish a delete_project job instead of deleting in-process",
					},
				},
			},
			{
				Name:   "backfill",
				Usage:  "Publish embedding jobs for user messages already in the analytical store",
				Action: backfillCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of rows to process in each batch",
						Value: backfill.DefaultBatchSize,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N rows",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum publish attempts per job",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: time.Second,
					},
					&cli.TimestampFlag{
						Name:   "since",
						Usage:  "Skip events before this time (RFC3339)",
						Layout: time.RFC3339,
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Count eligible messages without publishing",
					},
					&cli.DurationFlag{
						Name:  "drain-timeout",
						Usage: "How long to wait for in-process workers to finish",
						Value: 5 * time.Minute,
					},
				},
			},
		},
	}
}

func loadConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func configFrom(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func setupLogger(c *cli.Context) error {
	cfg := configFrom(c)

	levelStr := cfg.Log.Level
	if c.IsSet("log-level") {
		levelStr = c.String("log-level")
	}
	format := cfg.Log.Format
	if c.IsSet("log-format") {
		format = c.String("log-format")
	}

	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		handler = slog.NewTextHandler(c.App.ErrWriter, opts)
	case "json":
		handler = slog.NewJSONHandler(c.App.ErrWriter, opts)
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
