package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coldbell/nftmarket/backend/internal/events"
	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/google/uuid"
)

const (
	SourcePoller   = "poller"
	SourceListener = "listener"
)

var activityNamespace = uuid.MustParse("5b0e4c62-8a39-4f0f-9d57-6f1c2b7a9e41")

// ActivityID is stable for a given (kind, signature, mint, listing) so that
// repeated deliveries of the same event collapse onto one row.
func ActivityID(kind, signature, mint, listing string) string {
	name := kind + ":" + signature + ":" + mint + ":" + listing
	return uuid.NewSHA1(activityNamespace, []byte(name)).String()
}

type SinkConfig struct {
	MaxRetries   int
	RetryBase    time.Duration
	RetryMaxWait time.Duration
}

// Sink writes observed events into the store. Every write is idempotent, so
// the poller and the listener may deliver the same event any number of times.
type Sink struct {
	store    *Store
	metadata MetadataFetcher
	metrics  *Metrics
	logger   *slog.Logger
	cfg      SinkConfig
	now      func() time.Time
}

func NewSink(store *Store, metadata MetadataFetcher, metrics *Metrics, logger *slog.Logger, cfg SinkConfig) *Sink {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}
	return &Sink{
		store:    store,
		metadata: metadata,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// MintEvent is a decoded NFT_MINTED payload plus where it was seen.
type MintEvent struct {
	events.NftMinted
	Origin
}

// RecordMint stores a new NFT and its mint activity. It reports false when the
// mint was already known.
func (s *Sink) RecordMint(ctx context.Context, source string, event MintEvent) (bool, error) {
	mint := event.Mint.String()

	var exists bool
	err := s.retry(ctx, "check nft", func() error {
		var err error
		exists, err = s.store.NftExists(ctx, mint)
		return err
	})
	if err != nil {
		return false, err
	}
	if exists {
		s.metrics.duplicates.Inc()
		s.logger.Debug("duplicate mint dropped", "mint", mint, "source", source, "signature", event.Signature)
		return false, nil
	}

	var metadata *NftMetadata
	if s.metadata != nil {
		metadata, err = s.metadata.Fetch(ctx, mint, event.URI)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			s.metrics.metadataFetchFailures.Inc()
			s.logger.Warn("metadata fetch failed", "mint", mint, "uri", event.URI, "err", err)
			metadata = nil
		}
	}
	description, image, attributes := metadata.columns()

	now := s.now().Unix()
	creator := event.Creator.String()
	record := NftRecord{
		MintAddress:          mint,
		Name:                 event.Name,
		Symbol:               event.Symbol,
		URI:                  event.URI,
		CreatorAddress:       creator,
		CurrentOwner:         creator,
		Description:          description,
		ImageURL:             image,
		AttributesJSON:       attributes,
		TransactionSignature: event.Signature,
		Slot:                 event.Slot,
		CreatedAt:            now,
	}
	activity := ActivityRecord{
		ID:                   ActivityID(ActivityMint, event.Signature, mint, ""),
		ActivityType:         ActivityMint,
		NftMint:              &mint,
		ToAddress:            &creator,
		TransactionSignature: event.Signature,
		BlockTime:            event.BlockTime,
		Slot:                 event.Slot,
		CreatedAt:            now,
	}

	var inserted bool
	err = s.retry(ctx, "insert nft", func() error {
		return s.store.WithTx(ctx, func(tx *Tx) error {
			var err error
			inserted, err = s.store.InsertNftTx(ctx, tx, record)
			if err != nil || !inserted {
				return err
			}
			return s.store.InsertActivityTx(ctx, tx, activity)
		})
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		s.metrics.duplicates.Inc()
		return false, nil
	}

	s.metrics.events.WithLabelValues(ActivityMint, source).Inc()
	s.logger.Info("nft indexed", "mint", mint, "name", event.Name, "source", source, "slot", event.Slot)
	return true, nil
}

// Apply writes one program effect.
func (s *Sink) Apply(ctx context.Context, source string, effect Effect) error {
	origin := effect.Source()
	now := s.now().Unix()

	var write func(context.Context, *Tx) error
	switch e := effect.(type) {
	case MarketplaceInitialized:
		write = s.marketplaceWriter(e.Origin, e.Kind(), e.Marketplace.String(), e.Authority.String(), e.FeePercentage, e.Authority.String(), now)
	case MarketplaceFeeUpdated:
		write = s.marketplaceWriter(e.Origin, e.Kind(), e.Marketplace.String(), e.Authority.String(), e.FeePercentage, e.Authority.String(), now)
	case ListingCreated:
		write = s.listingCreatedWriter(e, now)
	case ListingSold:
		sold, err := s.settleFee(ctx, e)
		if err != nil {
			return err
		}
		write = s.listingSoldWriter(sold, now)
	case ListingCancelled:
		write = s.listingCancelledWriter(e, now)
	default:
		return fmt.Errorf("unsupported effect %T", effect)
	}

	err := s.retry(ctx, "apply "+effect.Kind(), func() error {
		return s.store.WithTx(ctx, func(tx *Tx) error {
			return write(ctx, tx)
		})
	})
	if err != nil {
		return err
	}

	s.metrics.events.WithLabelValues(effect.Kind(), source).Inc()
	s.logger.Debug("effect applied", "kind", effect.Kind(), "signature", origin.Signature, "slot", origin.Slot, "source", source)
	return nil
}

func (s *Sink) marketplaceWriter(origin Origin, kind, marketplace, authority string, fee uint16, feeRecipient string, now int64) func(context.Context, *Tx) error {
	activity := ActivityRecord{
		ID:                   ActivityID(kind, origin.Signature, "", marketplace),
		ActivityType:         kind,
		FromAddress:          &authority,
		ToAddress:            &marketplace,
		TransactionSignature: origin.Signature,
		BlockTime:            origin.BlockTime,
		Slot:                 origin.Slot,
		CreatedAt:            now,
	}
	return func(ctx context.Context, tx *Tx) error {
		if err := s.store.UpsertMarketplaceTx(ctx, tx, MarketplaceRecord{
			MarketplaceAddress: marketplace,
			Authority:          authority,
			FeePercentage:      fee,
			FeeRecipient:       feeRecipient,
			Slot:               origin.Slot,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}
		// Sales may already be mirrored when this block is replayed from a gap.
		if err := s.store.RefreshMarketplaceTotalsTx(ctx, tx, marketplace, now); err != nil {
			return err
		}
		return s.store.InsertActivityTx(ctx, tx, activity)
	}
}

func (s *Sink) listingCreatedWriter(e ListingCreated, now int64) func(context.Context, *Tx) error {
	listing, mint, seller, marketplace := e.Listing.String(), e.Mint.String(), e.Seller.String(), e.Marketplace.String()
	price := e.Price
	activity := ActivityRecord{
		ID:                   ActivityID(ActivityList, e.Signature, mint, listing),
		ActivityType:         ActivityList,
		NftMint:              &mint,
		FromAddress:          &seller,
		Price:                &price,
		TransactionSignature: e.Signature,
		BlockTime:            e.BlockTime,
		Slot:                 e.Slot,
		CreatedAt:            now,
	}
	return func(ctx context.Context, tx *Tx) error {
		if _, err := s.store.UpsertListingTx(ctx, tx, ListingRecord{
			ListingAddress:       listing,
			NftMint:              mint,
			SellerAddress:        seller,
			Price:                e.Price,
			MarketplaceAddress:   marketplace,
			Status:               ListingStatusActive,
			TransactionSignature: e.Signature,
			BlockTime:            e.BlockTime,
			Slot:                 e.Slot,
			CreatedAt:            now,
			UpdatedAt:            now,
		}); err != nil {
			return err
		}
		return s.store.InsertActivityTx(ctx, tx, activity)
	}
}

type settledSale struct {
	ListingSold
	fee      uint64
	proceeds uint64
}

// settleFee fills in the fee of a sale whose balances were ambiguous from the
// mirrored marketplace rate.
func (s *Sink) settleFee(ctx context.Context, e ListingSold) (settledSale, error) {
	if e.Fee != nil {
		if *e.Fee > e.Price {
			return settledSale{}, fmt.Errorf("sale %s: fee %d exceeds price %d", e.Signature, *e.Fee, e.Price)
		}
		return settledSale{ListingSold: e, fee: *e.Fee, proceeds: e.Price - *e.Fee}, nil
	}

	var rate *uint16
	err := s.retry(ctx, "read marketplace fee", func() error {
		var err error
		rate, err = s.store.MarketplaceFee(ctx, e.Marketplace.String())
		return err
	})
	if err != nil {
		return settledSale{}, err
	}
	if rate == nil {
		s.logger.Warn("sale on unknown marketplace, fee recorded as zero",
			"marketplace", e.Marketplace.String(),
			"signature", e.Signature,
		)
		return settledSale{ListingSold: e, proceeds: e.Price}, nil
	}

	fee, proceeds, err := program.CalculateFee(e.Price, *rate)
	if err != nil {
		return settledSale{}, fmt.Errorf("sale %s: %w", e.Signature, err)
	}
	return settledSale{ListingSold: e, fee: fee, proceeds: proceeds}, nil
}

func (s *Sink) listingSoldWriter(e settledSale, now int64) func(context.Context, *Tx) error {
	listing, mint, seller, buyer, marketplace := e.Listing.String(), e.Mint.String(), e.Seller.String(), e.Buyer.String(), e.Marketplace.String()
	price := e.Price
	activity := ActivityRecord{
		ID:                   ActivityID(ActivitySale, e.Signature, mint, listing),
		ActivityType:         ActivitySale,
		NftMint:              &mint,
		FromAddress:          &seller,
		ToAddress:            &buyer,
		Price:                &price,
		TransactionSignature: e.Signature,
		BlockTime:            e.BlockTime,
		Slot:                 e.Slot,
		CreatedAt:            now,
	}
	return func(ctx context.Context, tx *Tx) error {
		if _, err := s.store.UpsertListingTx(ctx, tx, ListingRecord{
			ListingAddress:       listing,
			NftMint:              mint,
			SellerAddress:        seller,
			Price:                e.Price,
			MarketplaceAddress:   marketplace,
			Status:               ListingStatusSold,
			TransactionSignature: e.Signature,
			BlockTime:            e.BlockTime,
			Slot:                 e.Slot,
			CreatedAt:            now,
			UpdatedAt:            now,
		}); err != nil {
			return err
		}
		inserted, err := s.store.InsertSaleTx(ctx, tx, SaleRecord{
			TransactionSignature: e.Signature,
			ListingAddress:       listing,
			NftMint:              mint,
			SellerAddress:        seller,
			BuyerAddress:         buyer,
			Price:                e.Price,
			Fee:                  e.fee,
			SellerProceeds:       e.proceeds,
			MarketplaceAddress:   marketplace,
			BlockTime:            e.BlockTime,
			Slot:                 e.Slot,
			CreatedAt:            now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if err := s.store.SetNftOwnerTx(ctx, tx, mint, buyer); err != nil {
			return err
		}
		if err := s.store.RefreshMarketplaceTotalsTx(ctx, tx, marketplace, now); err != nil {
			return err
		}
		return s.store.InsertActivityTx(ctx, tx, activity)
	}
}

func (s *Sink) listingCancelledWriter(e ListingCancelled, now int64) func(context.Context, *Tx) error {
	listing, mint, seller := e.Listing.String(), e.Mint.String(), e.Seller.String()
	activity := ActivityRecord{
		ID:                   ActivityID(ActivityCancel, e.Signature, mint, listing),
		ActivityType:         ActivityCancel,
		NftMint:              &mint,
		FromAddress:          &seller,
		TransactionSignature: e.Signature,
		BlockTime:            e.BlockTime,
		Slot:                 e.Slot,
		CreatedAt:            now,
	}
	return func(ctx context.Context, tx *Tx) error {
		if _, err := s.store.UpsertListingTx(ctx, tx, ListingRecord{
			ListingAddress:       listing,
			NftMint:              mint,
			SellerAddress:        seller,
			Status:               ListingStatusCancelled,
			TransactionSignature: e.Signature,
			BlockTime:            e.BlockTime,
			Slot:                 e.Slot,
			CreatedAt:            now,
			UpdatedAt:            now,
		}); err != nil {
			return err
		}
		return s.store.InsertActivityTx(ctx, tx, activity)
	}
}

// retry runs op with bounded exponential backoff. Context errors stop it
// immediately.
func (s *Sink) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(s.cfg.RetryBase),
				backoff.WithMaxInterval(s.cfg.RetryMaxWait),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(max(s.cfg.MaxRetries, 0)),
		),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.metrics.sinkWriteRetries.Inc()
		s.logger.Warn("store write failed, retrying", "op", what, "retry_in", wait, "err", err)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
