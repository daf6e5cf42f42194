package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/fanout"
	"github.com/poiesic/fanout/backfill"
	"github.com/poiesic/fanout/channel/memory"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/embedding"
	"github.com/poiesic/fanout/search"
	"github.com/urfave/cli/v2"
)

// withSystem opens the system for one command and logs its counters on exit.
func withSystem(c *cli.Context, fn func(ctx context.Context, sys *fanout.System) error) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := fanout.Open(ctx, configFrom(c))
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	defer sys.Close()

	runErr := fn(ctx, sys)
	logMetrics(sys)
	return runErr
}

func logMetrics(sys *fanout.System) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := sys.Metrics().Snapshot(ctx)
	if err != nil {
		slog.Warn("failed to collect metrics", "err", err)
		return
	}
	if len(snap) == 0 {
		return
	}
	attrs := make([]any, 0, 2*len(snap))
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		attrs = append(attrs, k, snap[k])
	}
	slog.Info("metrics", attrs...)
}

// inline runs the workers in this process when the channel is in-memory,
// since nothing else can consume it. The returned function waits for the bus
// to drain and stops them.
func inline(ctx context.Context, sys *fanout.System, drain time.Duration) func() error {
	bus, ok := sys.Bus().(*memory.Bus)
	if !ok {
		return func() error { return nil }
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sys.RunWorkers(runCtx) }()

	return func() error {
		waitCtx, waitCancel := context.WithTimeout(ctx, drain)
		defer waitCancel()
		idleErr := bus.WaitIdle(waitCtx)
		cancel()
		if err := <-done; err != nil {
			return err
		}
		if idleErr != nil {
			return fmt.Errorf("workers did not drain: %w", idleErr)
		}
		return nil
	}
}

func ingestCommand(c *cli.Context) error {
	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		topic := sys.Config().Channel.EventsTopic
		slog.Info("ingesting", "topic", topic)
		return sys.IngestionWorker().Run(ctx, sys.Bus(), topic)
	})
}

func embedCommand(c *cli.Context) error {
	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		topic := sys.Config().Channel.JobsTopic
		slog.Info("embedding", "topic", topic)
		return sys.EmbeddingWorker().Run(ctx, sys.Bus(), topic)
	})
}

func emitCommand(c *cli.Context) error {
	var in io.Reader = c.App.Reader
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	defaults := lineDefaults{
		session: c.String("session"),
		user:    c.String("user"),
		project: c.String("project"),
	}

	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		stop := inline(ctx, sys, c.Duration("drain-timeout"))
		o := sys.Orchestrator()

		var written, rejected int
		for line, err := range lines(in) {
			if err != nil {
				stop()
				return err
			}
			rec, err := parseLine(line, defaults)
			if err != nil {
				slog.Warn("skipping line", "err", err)
				rejected++
				continue
			}
			var ok bool
			switch {
			case rec == nil:
				continue
			case rec.event != nil:
				ok = o.WriteEvent(ctx, rec.event)
			default:
				ok = o.WriteToolInvocation(ctx, rec.invocation)
			}
			if ok {
				written++
			} else {
				rejected++
			}
		}

		if err := stop(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "emitted %d records (%d rejected)\n", written, rejected)
		return nil
	})
}

func searchCommand(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("query text is required")
	}

	q := search.Query{
		Text:        text,
		ProjectID:   c.String("project"),
		Severity:    c.String("severity"),
		Service:     c.String("service"),
		LogType:     c.String("log-type"),
		SourceTable: c.String("source-table"),
		HTTPStatus:  c.Int("http-status"),
		HoursBack:   c.Int("hours-back"),
		Limit:       c.Int("limit"),
		Verbatim:    c.Bool("verbatim"),
	}
	q.Params.Ef = c.Int("ef")
	q.Params.Exact = c.Bool("exact")
	if c.IsSet("threshold") {
		threshold := float32(c.Float64("threshold"))
		q.ScoreThreshold = &threshold
	}

	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		searcher, err := sys.Searcher()
		if err != nil {
			return err
		}
		hits, err := searcher.Search(ctx, q)
		if err != nil {
			return err
		}
		return printHits(c, hits)
	})
}

func traceCommand(c *cli.Context) error {
	traceID := c.Args().First()
	if traceID == "" {
		return errors.New("trace id is required")
	}
	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		searcher, err := sys.Searcher()
		if err != nil {
			return err
		}
		hits, err := searcher.SearchByTrace(ctx, traceID, c.Int("limit"))
		if err != nil {
			return err
		}
		return printHits(c, hits)
	})
}

func printHits(c *cli.Context, hits []*core.SearchHit) error {
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}
	fmt.Fprintf(c.App.Writer, "Found %d hits\n", len(hits))
	for i, hit := range hits {
		fmt.Fprintf(c.App.Writer, "%d: [%0.3f] %s (%v, %v)\n", i, hit.Score,
			hit.Payload[embedding.FieldContentPreview],
			hit.Payload[embedding.FieldProjectID],
			hit.Payload[embedding.FieldTimestamp])
	}
	return nil
}

func deleteProjectCommand(c *cli.Context) error {
	project := c.Args().First()
	if project == "" {
		return errors.New("project id is required")
	}
	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		if c.Bool("async") {
			id, err := sys.Producer().DeleteProject(ctx, project).Get(ctx)
			if err != nil {
				return fmt.Errorf("failed to publish delete job: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "published delete_project job %s\n", id)
			return nil
		}
		res, err := sys.EmbeddingWorker().Process(ctx, &core.EmbeddingJob{
			Action:    core.ActionDeleteProject,
			ProjectID: project,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("delete failed: %s", res.Error)
		}
		fmt.Fprintf(c.App.Writer, "deleted %d vectors of project %s\n", res.Deleted, project)
		return nil
	})
}

func backfillCommand(c *cli.Context) error {
	cfg := configFrom(c)
	bcfg := &backfill.Config{
		Table:          cfg.Analytics.EventsTable,
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
		MaxRetryDelay:  30 * time.Second,
		DefaultProject: cfg.Embedding.DefaultProject,
		DryRun:         c.Bool("dry-run"),
	}
	if since := c.Timestamp("since"); since != nil {
		bcfg.Since = *since
	}

	if bcfg.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if bcfg.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if bcfg.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	return withSystem(c, func(ctx context.Context, sys *fanout.System) error {
		b, err := backfill.New(sys.Analytics(), sys.Producer(), bcfg,
			backfill.WithProgress(c.App.ErrWriter),
			backfill.WithMetrics(sys.Recorder()))
		if err != nil {
			return err
		}

		stop := func() error { return nil }
		if !bcfg.DryRun {
			stop = inline(ctx, sys, c.Duration("drain-timeout"))
		}
		report, err := b.Run(ctx)
		if stopErr := stop(); err == nil {
			err = stopErr
		}
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "scanned %d, unique %d, eligible %d, published %d, failed %d\n",
			report.Scanned, report.Unique, report.Eligible, report.Published, report.Failed)
		return nil
	})
}
