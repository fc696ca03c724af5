package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coldbell/nftmarket/backend/internal/config"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	cfg        config.IndexerConfig
	store      *Store
	registry   *prometheus.Registry
	poller     *Poller
	listener   *Listener
	closeCache func() error
	logger     *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	cache, closeCache, err := OpenMetadataCache(context.Background(), cfg.RedisURL, cfg.MetadataCacheTTL, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init metadata cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	fetcher := NewMetadataFetcher(MetadataFetcherConfig{
		Timeout:        cfg.MetadataTimeout,
		Retries:        cfg.MetadataRetries,
		IPFSGateway:    cfg.IPFSGateway,
		ArweaveGateway: cfg.ArweaveGateway,
	}, cache, logger)
	sink := NewSink(store, fetcher, metrics, logger.With("component", "sink"), SinkConfig{
		MaxRetries: cfg.SinkMaxRetries,
	})

	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		poller: NewPoller(PollerConfig{
			ProgramID:      cfg.ProgramID,
			BatchSize:      cfg.BatchSize,
			PollInterval:   cfg.PollInterval,
			BackoffBase:    cfg.ErrorBackoffBase,
			BackoffMax:     cfg.ErrorBackoffMax,
			GapRetryLimit:  cfg.GapRetryLimit,
			GapMaxAttempts: cfg.GapMaxAttempts,
		}, NewRPCLedgerClient(rpc.New(cfg.RPCURL), cfg.Commitment), store, sink, metrics, logger),
		listener: NewListener(ListenerConfig{
			Endpoint:      cfg.WSURL,
			ProgramID:     cfg.ProgramID,
			Commitment:    cfg.Commitment,
			ReconnectBase: cfg.ReconnectBase,
			ReconnectMax:  cfg.ReconnectMax,
		}, sink, metrics, logger),
		closeCache: closeCache,
		logger:     logger,
	}, nil
}

// Poller exposes the sweep engine for one-shot use such as backfills.
func (s *Service) Poller() *Poller {
	return s.poller
}

func (s *Service) Close() error {
	return errors.Join(s.closeCache(), s.store.Close())
}

// Run starts the poller and the listener as independent tasks and blocks
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("failed to close indexer resources", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"ws", s.cfg.WSURL,
		"db_driver", s.store.Driver(),
		"commitment", s.cfg.Commitment,
		"program_id", s.cfg.ProgramID.String(),
	)

	group, ctx := errgroup.WithContext(ctx)
	if s.cfg.EnablePoller {
		group.Go(func() error {
			return s.poller.Run(ctx)
		})
	}
	if s.cfg.EnableListener {
		group.Go(func() error {
			return s.listener.Run(ctx)
		})
	}
	if s.cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(ctx, s.cfg.MetricsAddr, s.registry, s.logger)
		})
	}

	err := group.Wait()
	s.logger.Info("indexer stopped")
	return err
}
