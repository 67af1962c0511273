package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/ocmcp/internal/archive"
	"github.com/zjrosen/ocmcp/internal/config"
	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/mcp"
	"github.com/zjrosen/ocmcp/internal/pool"
	"github.com/zjrosen/ocmcp/internal/pubsub"
	"github.com/zjrosen/ocmcp/internal/runner"
	"github.com/zjrosen/ocmcp/internal/store"
	"github.com/zjrosen/ocmcp/internal/task"
	"github.com/zjrosen/ocmcp/internal/tracing"
)

// shutdownTimeout bounds the final flush of store, archive and tracing.
const shutdownTimeout = 30 * time.Second

// statusBufferSize is the per-subscriber buffer for status fan-out.
// Observers that fall further behind lose transitions rather than block the
// manager's sink.
const statusBufferSize = 128

// runServe is the root command: the MCP supervisor on stdio.
func runServe(cmd *cobra.Command, _ []string) error {
	debug := os.Getenv("OCMCP_DEBUG") != "" || debugFlag
	if logPath := logDestination(cfg, debug); logPath != "" {
		cleanup, err := log.Init(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		} else {
			defer cleanup()
			log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
		}
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	baseDir, err := resolveBaseDir(cfg)
	if err != nil {
		return err
	}

	log.Info(log.CatConfig, "Supervisor starting",
		"version", version, "baseDir", baseDir, "configFile", viper.ConfigFileUsed())

	st := store.New(baseDir)
	if err := st.Init(); err != nil {
		// Memory-only mode: every write fails and is logged, reads find
		// nothing. Tasks still run.
		fmt.Fprintf(os.Stderr, "warning: persistence disabled: %v\n", err)
		log.ErrorErr(log.CatStore, "Store init failed; running memory-only", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// The sink is bound after the runner exists; the manager only emits
	// once workers produce events, well after wiring completes.
	var onStatus task.StatusSink
	manager := task.NewManager(task.Config{
		OnStatusChange: func(change task.StatusChange) {
			if onStatus != nil {
				onStatus(change)
			}
		},
	})
	manager.Start(ctx)

	pl := pool.New(cfg.Pool.MaxConcurrent)
	rn := runner.New(runner.Config{BinPath: cfg.Worker.Command}, manager, st, pl)

	var arc *archive.Archive
	if cfg.Archive.IsEnabled() {
		arc, err = archive.Open(effectiveArchivePath(cfg, baseDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: task history disabled: %v\n", err)
			log.ErrorErr(log.CatArchive, "Archive open failed; history disabled", err)
			arc = nil
		}
	}
	recorder := archive.NewRecorder(arc, manager.TaskMetadata)

	provider, err := tracing.NewProvider(tracingConfig(cfg, baseDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: tracing disabled: %v\n", err)
		log.ErrorErr(log.CatTrace, "Tracing init failed", err)
		provider, _ = tracing.NewProvider(tracing.Config{})
	}
	observer := tracing.NewObserver(provider, manager.TaskMetadata)

	// Persistence happens synchronously in the sink; observers follow the
	// broker so a slow exporter can never block a worker's event stream.
	statusBroker := pubsub.NewBrokerWithBuffer[task.StatusChange](statusBufferSize)
	onStatus = func(change task.StatusChange) {
		rn.PersistStatusChange(change)
		statusBroker.Publish(pubsub.StatusEvent, change)
	}

	var drains sync.WaitGroup
	drainStatus(ctx, &drains, statusBroker, "trace", observer.StatusChanged)
	drainStatus(ctx, &drains, statusBroker, "archive", recorder.StatusChanged)

	srv := mcp.NewTaskServer(mcp.Deps{
		Manager:       manager,
		Runner:        rn,
		Pool:          pl,
		PrimaryModel:  cfg.Model,
		FallbackModel: cfg.FallbackModel,
		DefaultAgent:  cfg.Defaults.Agent,
	}, version)
	drainToolCalls(ctx, &drains, srv, observer)

	var reloader *config.Reloader
	if path := viper.ConfigFileUsed(); path != "" {
		reloader, err = config.Watch(path,
			func() (config.Config, error) { return loadConfigFile(path) },
			func(next config.Config) {
				pl.SetPoolSize(next.Pool.MaxConcurrent)
				log.SetMinLevel(log.ParseLevel(next.Log.Level))
			})
		if err != nil {
			log.Warn(log.CatConfig, "Config watcher unavailable", "error", err.Error())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(os.Stdin, os.Stdout) }()

	log.Info(log.CatMCP, "Supervisor ready on stdio")

	select {
	case sig := <-sigCh:
		log.Info(log.CatMCP, "Shutting down on signal", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorErr(log.CatMCP, "Transport closed with error", err)
		} else {
			log.Info(log.CatMCP, "Transport closed")
		}
	}

	// Shutdown order: stop admitting, kill children (their exits flush the
	// final transitions through the sink), stop timers, then let the
	// observers drain before anything they write to is closed.
	pl.Close()
	rn.StopAll()
	manager.Cleanup()
	if reloader != nil {
		reloader.Stop()
	}
	srv.Stop()
	statusBroker.Close()
	drains.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFlush()

	g, _ := errgroup.WithContext(flushCtx)
	g.Go(st.Close)
	g.Go(func() error {
		if arc != nil {
			return arc.Close()
		}
		return nil
	})
	g.Go(func() error {
		observer.Shutdown()
		return provider.Shutdown(flushCtx)
	})
	if err := g.Wait(); err != nil {
		log.Warn(log.CatMCP, "Shutdown flush incomplete", "error", err.Error())
	}

	log.Info(log.CatMCP, "Supervisor stopped")
	return nil
}

// tracingConfig maps the config section onto the tracing provider's input,
// deriving the default trace file under the storage root.
func tracingConfig(c config.Config, baseDir string) tracing.Config {
	tc := tracing.Config{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		FilePath:     c.Tracing.FilePath,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SampleRate:   c.Tracing.SampleRate,
		ServiceName:  "ocmcp",
	}
	if tc.Enabled && tc.Exporter == "file" && tc.FilePath == "" {
		tc.FilePath = config.DefaultTracesPath(baseDir)
	}
	return tc
}

// effectiveArchivePath resolves the history database location.
func effectiveArchivePath(c config.Config, baseDir string) string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return config.DefaultArchivePath(baseDir)
}

// drainStatus hands every status transition from one subscription to fn.
// The goroutine ends when the broker closes (or ctx cancels the
// subscription).
func drainStatus(ctx context.Context, wg *sync.WaitGroup, b *pubsub.Broker[task.StatusChange], name string, fn func(task.StatusChange)) {
	ch := b.Subscribe(ctx)
	wg.Add(1)
	log.SafeGo("status."+name, func() {
		defer wg.Done()
		for ev := range ch {
			fn(ev.Payload)
		}
	})
}

// drainToolCalls forwards completed tool invocations to the tracing
// observer. The event carries the completion time; the span start is backed
// out from the duration.
func drainToolCalls(ctx context.Context, wg *sync.WaitGroup, srv *mcp.TaskServer, observer *tracing.Observer) {
	ch := srv.Broker().Subscribe(ctx)
	wg.Add(1)
	log.SafeGo("trace.toolcalls", func() {
		defer wg.Done()
		for ev := range ch {
			e := ev.Payload
			errMsg := e.Err
			if errMsg == "" && e.IsError {
				errMsg = "tool returned an error result"
			}
			observer.ToolCall(e.ToolName, e.Timestamp.Add(-e.Duration), e.Duration, errMsg)
		}
	})
}
