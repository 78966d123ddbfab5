// Package main implements minerd, the GOCM construct mining daemon.
// It runs the worker pool, accepts start/stop requests over ZMQ and hands
// mined constructs to storage and Kafka.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gocm/internal/config"
	"github.com/bardlex/gocm/internal/control"
	"github.com/bardlex/gocm/internal/database"
	"github.com/bardlex/gocm/internal/messaging"
	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/pkg/errors"
	"github.com/bardlex/gocm/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"workers", cfg.WorkerCount,
		"storage_enabled", cfg.StorageEnabled,
		"kafka_enabled", cfg.KafkaEnabled,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := NewDaemon(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize minerd")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the daemon
	failed := make(chan error, 1)
	go func() {
		if err := daemon.Start(ctx); err != nil {
			failed <- err
		}
	}()

	// Wait for shutdown signal or a fatal start error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-failed:
		logger.WithError(err).Error("minerd failed")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("minerd stopped")
}

// Daemon wires the coordinator to its control plane and sinks
type Daemon struct {
	cfg         *config.Config
	logger      *log.Logger
	coordinator *miner.Coordinator
	storage     *database.Manager
	kafkaClient *messaging.KafkaClient
	listener    *control.Listener

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon connects the enabled sinks and builds the worker pool
func NewDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		logger: logger.WithComponent("minerd"),
	}

	var opts []miner.Option

	if cfg.StorageEnabled {
		storage, err := database.NewManager(ctx, cfg.Storage(), logger)
		if err != nil {
			return nil, err
		}
		d.storage = storage
		opts = append(opts, miner.WithResultHandler(storage), miner.WithStatusHandler(storage))
	}

	if cfg.KafkaEnabled {
		d.kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		publisher := messaging.NewPublisher(d.kafkaClient, logger)
		opts = append(opts, miner.WithResultHandler(publisher), miner.WithStatusHandler(publisher))
	}

	coordinator, err := miner.NewCoordinator(cfg.Mining(), logger, opts...)
	if err != nil {
		d.closeSinks()
		return nil, err
	}
	d.coordinator = coordinator

	if cfg.ControlAddr != "" {
		listener, err := control.NewListener(cfg.ControlAddr, logger)
		if err != nil {
			d.closeSinks()
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "control_listener",
				"failed to open control socket").
				WithContext("endpoint", cfg.ControlAddr)
		}
		d.listener = listener
	}

	return d, nil
}

// Start runs the coordinator and the control listener until ctx is done
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.coordinator.Run(runCtx); err != nil {
			d.logger.WithError(err).Error("coordinator failed")
		}
	}()

	if d.listener != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.listener.Listen(runCtx, d); err != nil && !stderrors.Is(err, context.Canceled) {
				d.logger.WithError(err).Error("control listener failed")
			}
		}()
	}

	if d.cfg.AutoStart {
		if _, err := d.StartRun(runCtx, control.StartRequest{}); err != nil {
			return err
		}
	}

	<-runCtx.Done()
	return nil
}

// StartRun resolves req against the configured defaults and starts a run
func (d *Daemon) StartRun(ctx context.Context, req control.StartRequest) (string, error) {
	r, targetHex, targetWork, err := d.resolve(req)
	if err != nil {
		return "", err
	}
	return d.coordinator.StartRun(ctx, r, targetHex, targetWork)
}

// StopRun stops the current run
func (d *Daemon) StopRun(ctx context.Context) error {
	return d.coordinator.StopRun(ctx)
}

// resolve fills unset request fields from the configuration
func (d *Daemon) resolve(req control.StartRequest) (record.Record, string, int, error) {
	if err := req.Validate(); err != nil {
		return record.Record{}, "", 0, err
	}

	pubkey := req.Pubkey
	if pubkey == "" {
		pubkey = d.cfg.MinerPubkey
	}
	if pubkey == "" {
		return record.Record{}, "", 0, errors.New(errors.ErrorTypeValidation, "start_run",
			"no pubkey in request and MINER_PUBKEY is not set")
	}

	targetHex := req.TargetHex
	if targetHex == "" {
		targetHex = d.cfg.TargetHex
	}

	targetWork := req.TargetWork
	if targetWork == 0 {
		targetWork = d.cfg.TargetWork
	}

	createdAt := req.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}

	return record.NewConstruct(pubkey, createdAt, targetHex), targetHex, targetWork, nil
}

// Shutdown stops the current run, waits for the workers and closes the sinks
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down minerd")

	if d.coordinator.Active() {
		if err := d.coordinator.StopRun(ctx); err != nil {
			d.logger.WithError(err).Warn("failed to stop run")
		} else if summary, err := d.coordinator.Wait(ctx); err != nil {
			d.logger.WithError(err).Warn("run did not stop in time")
		} else {
			d.logger.Info("run stopped", "run_id", summary.RunID, "outcome", string(summary.Outcome))
		}
	}

	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "shutdown", "workers did not exit in time")
	}

	if d.listener != nil {
		if err := d.listener.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close control socket")
		}
	}

	return d.closeSinks()
}

func (d *Daemon) closeSinks() error {
	var errs []error
	if d.kafkaClient != nil {
		if err := d.kafkaClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.storage != nil {
		if err := d.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
