package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/keeper-network/pkg/blockwatcher"
	"github.com/ava-labs/keeper-network/pkg/broadcast"
	"github.com/ava-labs/keeper-network/pkg/chain/evm"
	"github.com/ava-labs/keeper-network/pkg/jobrunner"
	"github.com/ava-labs/keeper-network/pkg/metrics"
	"github.com/ava-labs/keeper-network/pkg/protocol"
	"github.com/ava-labs/keeper-network/pkg/queue"
	"github.com/ava-labs/keeper-network/pkg/scheduler"
	"github.com/ava-labs/keeper-network/pkg/utils"
)

const (
	flushTimeoutOnClose    = 15 * time.Second
	shutdownTimeoutOnClose = 5 * time.Second
)

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config", cfg.logFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		EVMChainID:    cfg.ChainID,
		Network:       protocol.NetworkString(cfg.Network),
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	clientOpts := []evm.Option{evm.WithMetrics(m)}
	if cfg.RPCRateLimit > 0 {
		clientOpts = append(clientOpts, evm.WithRateLimit(cfg.RPCRateLimit, cfg.RPCBurst))
	}
	client, err := evm.Dial(ctx, cfg.RPCURL, cfg.Coordinator, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to dial rpc: %w", err)
	}
	defer client.Close()

	broadcaster, err := newBroadcaster(ctx, sugar.Named("broadcast"), cfg, client, m)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(ctx, sugar.Named("reports"), cfg.Kafka)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), flushTimeoutOnClose)
		defer cancel()
		publisher.Close(closeCtx)
	}()

	runner, err := jobrunner.New(sugar.Named("jobrunner"), client, broadcaster, jobrunner.Config{
		Network:       cfg.Network,
		Registry:      cfg.Registry,
		MaxConcurrent: cfg.MaxConcurrentJobs,
		ReportTopic:   cfg.Kafka.Topic,
		ReportTimeout: cfg.Kafka.PublishTimeout,
	}, jobrunner.WithMetrics(m), jobrunner.WithPublisher(publisher))
	if err != nil {
		return fmt.Errorf("failed to create job runner: %w", err)
	}

	state, err := protocol.NewState(sugar.Named("protocol"), client, cfg.Network,
		protocol.WithMetrics(m),
		protocol.WithJobObserver(runner),
		protocol.WithQueueCapacity(cfg.EventBuffer),
	)
	if err != nil {
		return fmt.Errorf("failed to create protocol state: %w", err)
	}

	events, err := evm.NewEventSource(sugar.Named("events"), client, cfg.Coordinator, state, m)
	if err != nil {
		return fmt.Errorf("failed to create event source: %w", err)
	}

	watcher, err := blockwatcher.New(sugar.Named("blocks"), client, cfg.EventBuffer)
	if err != nil {
		return fmt.Errorf("failed to create block watcher: %w", err)
	}

	sched, err := scheduler.New(sugar.Named("scheduler"), state, client, watcher, runner, scheduler.Config{
		AverageBlockTime: cfg.AverageBlockTime,
		Tolerance:        cfg.WindowTolerance,
		RetryBackoff:     cfg.RetryBackoff,
	}, m)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, sched)
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return state.Run(gctx)
	})
	g.Go(func() error {
		return events.Run(gctx, cfg.EventBuffer, cfg.RetryBackoff)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if cfg.ResyncInterval > 0 {
		g.Go(func() error {
			return scheduler.ResyncEvery(gctx, sugar.Named("resync"), state, cfg.ResyncInterval)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return err
			}
			return nil
		}
	})
	if kp, ok := publisher.(*queue.KafkaPublisher); ok {
		g.Go(func() error {
			watchReportErrors(gctx, sugar, kp.Errors())
			return nil
		})
	}

	err = g.Wait()
	sugar.Info("waiting for in-flight job attempts")
	runner.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutOnClose)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown failed", "error", shutdownErr)
	}

	switch {
	case errors.Is(err, scheduler.ErrNotWhitelisted):
		return fmt.Errorf("keeper halted: %w", err)
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	}
	sugar.Info("keeper stopped")
	return nil
}

func newBroadcaster(
	ctx context.Context,
	log *zap.SugaredLogger,
	cfg *Config,
	client *evm.Client,
	m *metrics.Metrics,
) (broadcast.Broadcaster, error) {
	if cfg.DryRun {
		log.Warn("dry run enabled, work will not be broadcast")
		return broadcast.NewDryRun(log), nil
	}

	registryABI, err := evm.ParseABI(evm.RegistryABI)
	if err != nil {
		return nil, err
	}

	bcfg := broadcast.Config{
		PriorityFee:      cfg.PriorityFee,
		BurstSize:        cfg.BurstSize,
		InclusionTimeout: cfg.InclusionTimeout(),
		PollInterval:     cfg.ReceiptPollInterval,
	}
	if cfg.ChainID != 0 {
		bcfg.ChainID = new(big.Int).SetUint64(cfg.ChainID)
	}

	b, err := broadcast.NewTxBroadcaster(ctx, log, client, registryABI, cfg.PrivateKey, bcfg, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcaster: %w", err)
	}
	log.Infow("broadcasting from account", "address", b.From())
	return b, nil
}

func newPublisher(ctx context.Context, log *zap.SugaredLogger, cfg queue.Config) (queue.Publisher, error) {
	if !cfg.Enabled() {
		log.Info("no kafka brokers configured, attempt reports disabled")
		return queue.Noop{}, nil
	}
	conf, err := cfg.ConfigMap()
	if err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	p, err := queue.NewKafkaPublisher(ctx, conf, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	return p, nil
}

// watchReportErrors logs a fatal publisher error. Reporting failures never stop the keeper.
func watchReportErrors(ctx context.Context, log *zap.SugaredLogger, errs <-chan error) {
	select {
	case <-ctx.Done():
	case err, ok := <-errs:
		if ok {
			log.Errorw("attempt report publisher failed, reports will be dropped", "error", err)
		}
	}
}
