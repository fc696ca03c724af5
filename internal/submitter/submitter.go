package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/nftmarket/backend/internal/config"
	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPC is the subset of the cluster API the submitter needs. *rpc.Client
// satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Service signs marketplace instructions with a single keypair and submits
// them to the cluster.
type Service struct {
	cfg    config.SubmitterConfig
	rpc    RPC
	signer solana.PrivateKey
	logger *slog.Logger
}

func New(cfg config.SubmitterConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return NewWithClient(cfg, rpc.New(cfg.RPCURL), signer, logger), nil
}

func NewWithClient(cfg config.SubmitterConfig, client RPC, signer solana.PrivateKey, logger *slog.Logger) *Service {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 700 * time.Millisecond
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	return &Service{
		cfg:    cfg,
		rpc:    client,
		signer: signer,
		logger: logger,
	}
}

func (s *Service) Signer() solana.PublicKey {
	return s.signer.PublicKey()
}

func (s *Service) ProgramID() solana.PublicKey {
	return s.cfg.ProgramID
}

func (s *Service) InitializeMarketplace(ctx context.Context, feePercentage uint16) (solana.Signature, error) {
	ix, err := program.NewInitializeMarketplaceInstruction(s.cfg.ProgramID, s.Signer(), feePercentage)
	if err != nil {
		return solana.Signature{}, err
	}
	return s.Submit(ctx, "initialize_marketplace", ix)
}

func (s *Service) ListNft(ctx context.Context, mint, sellerTokenAccount, marketplace solana.PublicKey, price uint64) (solana.Signature, error) {
	ix, err := program.NewListNftInstruction(s.cfg.ProgramID, s.Signer(), mint, sellerTokenAccount, marketplace, price)
	if err != nil {
		return solana.Signature{}, err
	}
	return s.Submit(ctx, "list_nft", ix)
}

// BuyNft buys a listing with the signer as buyer; accounts.Buyer is
// overwritten.
func (s *Service) BuyNft(ctx context.Context, accounts program.BuyNftAccounts) (solana.Signature, error) {
	accounts.Buyer = s.Signer()
	ix, err := program.NewBuyNftInstruction(s.cfg.ProgramID, accounts)
	if err != nil {
		return solana.Signature{}, err
	}
	return s.Submit(ctx, "buy_nft", ix)
}

func (s *Service) CancelListing(ctx context.Context, mint solana.PublicKey) (solana.Signature, error) {
	ix, err := program.NewCancelListingInstruction(s.cfg.ProgramID, s.Signer(), mint)
	if err != nil {
		return solana.Signature{}, err
	}
	return s.Submit(ctx, "cancel_listing", ix)
}

func (s *Service) UpdateMarketplaceFee(ctx context.Context, newFeePercentage uint16) (solana.Signature, error) {
	ix, err := program.NewUpdateMarketplaceFeeInstruction(s.cfg.ProgramID, s.Signer(), newFeePercentage)
	if err != nil {
		return solana.Signature{}, err
	}
	return s.Submit(ctx, "update_marketplace_fee", ix)
}

// Submit prepends the configured compute budget instructions, sends the
// transaction and waits until it reaches confirmed commitment.
func (s *Service) Submit(ctx context.Context, label string, instructions ...solana.Instruction) (solana.Signature, error) {
	all, err := s.withComputeBudget(instructions)
	if err != nil {
		return solana.Signature{}, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, all)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send %s transaction: %w", label, err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return signature, fmt.Errorf("confirm %s %s: %w", label, signature, err)
	}

	s.logger.Info("transaction confirmed",
		"instruction", label,
		"signer", s.Signer(),
		"signature", signature,
	)
	return signature, nil
}

func (s *Service) withComputeBudget(instructions []solana.Instruction) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(instructions)+2)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		out = append(out, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		out = append(out, cuPriceIx)
	}
	return append(out, instructions...), nil
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: empty result")
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	return s.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				s.logger.Debug("signature status unavailable", "signature", sig, "err", err)
				continue
			}
			if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
