package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
)

type PollerConfig struct {
	ProgramID      solana.PublicKey
	BatchSize      uint64
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	GapRetryLimit  int
	GapMaxAttempts int
}

// Poller sweeps confirmed blocks from the durable cursor up to the ledger head.
type Poller struct {
	cfg     PollerConfig
	ledger  LedgerClient
	store   *Store
	sink    *Sink
	metrics *Metrics
	logger  *slog.Logger
}

type SweepStats struct {
	From          uint64
	To            uint64
	Blocks        int
	Transactions  int
	FailedBatches int
	FailedBlocks  int
	GapsRetried   int
	GapsResolved  int
}

func NewPoller(cfg PollerConfig, ledger LedgerClient, store *Store, sink *Sink, metrics *Metrics, logger *slog.Logger) *Poller {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Poller{
		cfg:     cfg,
		ledger:  ledger,
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger.With("component", "poller"),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"program_id", p.cfg.ProgramID.String(),
		"batch_size", p.cfg.BatchSize,
		"interval", p.cfg.PollInterval.String(),
	)
	supervise(ctx, superviseConfig{
		name:        "poller sync",
		interval:    p.cfg.PollInterval,
		backoffBase: p.cfg.BackoffBase,
		backoffMax:  p.cfg.BackoffMax,
	}, p.logger, func(ctx context.Context) (bool, error) {
		_, err := p.SyncOnce(ctx)
		return err == nil, err
	})
	p.logger.Info("poller stopped")
	return nil
}

// SyncOnce retries pending gaps, then sweeps (cursor, head] and moves the
// cursor to head. Failed units are recorded as gaps rather than holding the
// cursor back.
func (p *Poller) SyncOnce(ctx context.Context) (SweepStats, error) {
	cursor, err := p.store.LastProcessedSlot(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	p.retryGaps(ctx, &stats)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	head, err := p.ledger.GetSlot(ctx)
	if err != nil {
		return stats, err
	}
	if head <= cursor {
		return stats, nil
	}

	stats.From, stats.To = cursor+1, head
	if err := p.sweep(ctx, cursor+1, head, &stats); err != nil {
		return stats, err
	}

	if err := p.store.SetLastProcessedSlot(ctx, head); err != nil {
		return stats, err
	}
	p.metrics.cursorSlot.Set(float64(head))
	p.metrics.sweeps.Inc()

	p.logger.Info("sweep finished",
		"from", stats.From,
		"to", stats.To,
		"blocks", stats.Blocks,
		"transactions", stats.Transactions,
		"failed_batches", stats.FailedBatches,
		"failed_blocks", stats.FailedBlocks,
	)
	return stats, nil
}

// SweepRange reprocesses [from, to] without touching the cursor.
func (p *Poller) SweepRange(ctx context.Context, from, to uint64) (SweepStats, error) {
	if to < from {
		return SweepStats{}, fmt.Errorf("invalid range %d-%d", from, to)
	}
	stats := SweepStats{From: from, To: to}
	err := p.sweep(ctx, from, to, &stats)
	return stats, err
}

func (p *Poller) sweep(ctx context.Context, from, to uint64, stats *SweepStats) error {
	for start := from; start <= to; {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := to
		if to-start >= p.cfg.BatchSize {
			end = start + p.cfg.BatchSize - 1
		}

		slots, err := p.ledger.GetBlocks(ctx, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.FailedBatches++
			p.logger.Warn("batch failed", "start", start, "end", end, "err", err)
			p.recordGap(ctx, start, end, err)
		} else {
			for _, slot := range slots {
				if slot < start || slot > end {
					continue
				}
				if err := p.processBlock(ctx, slot, stats); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					stats.FailedBlocks++
					p.metrics.blocks.WithLabelValues("failed").Inc()
					p.logger.Warn("block failed", "slot", slot, "err", err)
					p.recordGap(ctx, slot, slot, err)
					continue
				}
				stats.Blocks++
				p.metrics.blocks.WithLabelValues("ok").Inc()
			}
		}

		if end == to {
			break
		}
		start = end + 1
	}
	return nil
}

func (p *Poller) processBlock(ctx context.Context, slot uint64, stats *SweepStats) error {
	block, err := p.ledger.GetBlock(ctx, slot)
	if err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		if tx.Failed || !tx.MentionsProgram(p.cfg.ProgramID) {
			continue
		}
		if err := p.processTransaction(ctx, tx); err != nil {
			return err
		}
		if stats != nil {
			stats.Transactions++
		}
	}
	return nil
}

// processTransaction hands a transaction's effects to the sink. Undecodable
// transactions are logged and skipped; storage errors abort the block.
func (p *Poller) processTransaction(ctx context.Context, tx LedgerTransaction) error {
	decoded, err := DecodeTransaction(p.cfg.ProgramID, tx)
	if err != nil {
		p.logger.Warn("transaction skipped", "signature", tx.Signature.String(), "slot", tx.Slot, "err", err)
		return nil
	}
	for _, failure := range decoded.MintFailures {
		p.metrics.parseFailures.Inc()
		p.logger.Warn("mint event rejected", "signature", tx.Signature.String(), "line", failure.Index, "err", failure.Err)
	}

	origin := Origin{Signature: tx.Signature.String(), Slot: tx.Slot, BlockTime: tx.BlockTime}
	for _, minted := range decoded.Mints {
		if _, err := p.sink.RecordMint(ctx, SourcePoller, MintEvent{NftMinted: minted, Origin: origin}); err != nil {
			return err
		}
	}
	for _, effect := range decoded.Effects {
		if err := p.sink.Apply(ctx, SourcePoller, effect); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) recordGap(ctx context.Context, start, end uint64, cause error) {
	attempts, err := p.store.RecordGap(ctx, start, end, cause)
	if err != nil {
		p.logger.Error("gap not recorded", "start", start, "end", end, "err", err)
		return
	}
	p.metrics.gapsRecorded.Inc()
	if p.cfg.GapMaxAttempts > 0 && attempts >= p.cfg.GapMaxAttempts {
		p.logger.Error("gap abandoned", "start", start, "end", end, "attempts", attempts, "err", cause)
	}
}

func (p *Poller) retryGaps(ctx context.Context, stats *SweepStats) {
	gaps, err := p.store.PendingGaps(ctx, p.cfg.GapRetryLimit, p.cfg.GapMaxAttempts)
	if err != nil {
		p.logger.Warn("pending gaps unavailable", "err", err)
		return
	}
	for _, gap := range gaps {
		if ctx.Err() != nil {
			return
		}
		stats.GapsRetried++
		if err := p.replayRange(ctx, gap.StartSlot, gap.EndSlot); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("gap retry failed", "start", gap.StartSlot, "end", gap.EndSlot, "attempts", gap.Attempts+1, "err", err)
			p.recordGap(ctx, gap.StartSlot, gap.EndSlot, err)
			continue
		}
		if err := p.store.ResolveGap(ctx, gap.StartSlot, gap.EndSlot); err != nil {
			p.logger.Warn("gap not resolved", "start", gap.StartSlot, "end", gap.EndSlot, "err", err)
			continue
		}
		stats.GapsResolved++
		p.logger.Info("gap resolved", "start", gap.StartSlot, "end", gap.EndSlot)
	}
}

// replayRange processes [start, end] and fails if any block in it fails.
func (p *Poller) replayRange(ctx context.Context, start, end uint64) error {
	slots, err := p.ledger.GetBlocks(ctx, start, end)
	if err != nil {
		return err
	}
	var errs []error
	for _, slot := range slots {
		if slot < start || slot > end {
			continue
		}
		if err := p.processBlock(ctx, slot, nil); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", slot, err))
		}
	}
	return errors.Join(errs...)
}
