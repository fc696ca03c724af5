package indexer

import (
	"errors"
	"fmt"

	"github.com/coldbell/nftmarket/backend/internal/events"
	"github.com/coldbell/nftmarket/backend/internal/program"
	"github.com/gagliardetto/solana-go"
)

var ErrSalePriceMismatch = errors.New("sale price logs do not match buy instructions")

// Origin locates an effect on the ledger.
type Origin struct {
	Signature string
	Slot      uint64
	BlockTime int64
}

// Effect is one state change of the marketplace program observed in a
// confirmed transaction.
type Effect interface {
	Kind() string
	Source() Origin
}

type MarketplaceInitialized struct {
	Origin
	Marketplace   solana.PublicKey
	Authority     solana.PublicKey
	FeePercentage uint16
}

type MarketplaceFeeUpdated struct {
	Origin
	Marketplace   solana.PublicKey
	Authority     solana.PublicKey
	FeePercentage uint16
}

type ListingCreated struct {
	Origin
	Listing     solana.PublicKey
	Mint        solana.PublicKey
	Seller      solana.PublicKey
	Marketplace solana.PublicKey
	Price       uint64
}

// ListingSold carries the settled price from the program log. Fee is nil
// when it cannot be read unambiguously from balance changes.
type ListingSold struct {
	Origin
	Listing      solana.PublicKey
	Mint         solana.PublicKey
	Seller       solana.PublicKey
	Buyer        solana.PublicKey
	FeeRecipient solana.PublicKey
	Marketplace  solana.PublicKey
	Price        uint64
	Fee          *uint64
}

type ListingCancelled struct {
	Origin
	Listing solana.PublicKey
	Mint    solana.PublicKey
	Seller  solana.PublicKey
}

func (e MarketplaceInitialized) Kind() string { return ActivityMarketplaceInit }
func (e MarketplaceFeeUpdated) Kind() string  { return ActivityFeeUpdate }
func (e ListingCreated) Kind() string         { return ActivityList }
func (e ListingSold) Kind() string            { return ActivitySale }
func (e ListingCancelled) Kind() string       { return ActivityCancel }

func (o Origin) Source() Origin { return o }

type DecodedTransaction struct {
	Effects      []Effect
	Mints        []events.NftMinted
	MintFailures []events.ParseError
}

// DecodeTransaction turns the marketplace instructions and log markers of a
// successful transaction into effects. Only top-level instructions addressed
// to programID are considered.
func DecodeTransaction(programID solana.PublicKey, tx LedgerTransaction) (DecodedTransaction, error) {
	var out DecodedTransaction
	lines := events.ParseLogs(tx.Logs)
	out.Mints, out.MintFailures = events.ExtractMintEvents(lines)

	origin := Origin{
		Signature: tx.Signature.String(),
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
	}

	type pendingSale struct {
		index int
		sold  ListingSold
	}
	var sales []pendingSale

	for i, compiled := range tx.Instructions {
		programKey, err := accountAt(tx.AccountKeys, compiled.ProgramIDIndex)
		if err != nil {
			return DecodedTransaction{}, fmt.Errorf("instruction %d: %w", i, err)
		}
		if !programKey.Equals(programID) {
			continue
		}

		ix, err := program.DecodeInstruction(compiled.Data)
		if err != nil {
			return DecodedTransaction{}, fmt.Errorf("instruction %d: %w", i, err)
		}
		keys, err := resolveAccounts(tx.AccountKeys, compiled.Accounts)
		if err != nil {
			return DecodedTransaction{}, fmt.Errorf("instruction %d: %w", i, err)
		}
		names := program.AccountNames(ix.Tag())
		if len(keys) < len(names) {
			return DecodedTransaction{}, fmt.Errorf("instruction %d: %s needs %d accounts, got %d", i, ix.Tag(), len(names), len(keys))
		}
		accounts := program.NamedAccounts(ix.Tag(), keys)

		switch data := ix.(type) {
		case *program.InitializeMarketplace:
			out.Effects = append(out.Effects, MarketplaceInitialized{
				Origin:        origin,
				Marketplace:   accounts["marketplace"],
				Authority:     accounts["authority"],
				FeePercentage: data.FeePercentage,
			})
		case *program.UpdateMarketplaceFee:
			out.Effects = append(out.Effects, MarketplaceFeeUpdated{
				Origin:        origin,
				Marketplace:   accounts["marketplace"],
				Authority:     accounts["authority"],
				FeePercentage: data.NewFeePercentage,
			})
		case *program.ListNft:
			out.Effects = append(out.Effects, ListingCreated{
				Origin:      origin,
				Listing:     accounts["listing"],
				Mint:        accounts["mint"],
				Seller:      accounts["seller"],
				Marketplace: accounts["marketplace"],
				Price:       data.Price,
			})
		case *program.BuyNft:
			sales = append(sales, pendingSale{
				index: len(out.Effects),
				sold: ListingSold{
					Origin:       origin,
					Listing:      accounts["listing"],
					Mint:         accounts["mint"],
					Seller:       accounts["seller"],
					Buyer:        accounts["buyer"],
					FeeRecipient: accounts["fee_recipient"],
					Marketplace:  accounts["marketplace"],
				},
			})
			out.Effects = append(out.Effects, nil)
		case *program.CancelListing:
			out.Effects = append(out.Effects, ListingCancelled{
				Origin:  origin,
				Listing: accounts["listing"],
				Mint:    accounts["mint"],
				Seller:  accounts["seller"],
			})
		}
	}

	if len(sales) == 0 {
		return out, nil
	}

	prices, err := events.ExtractSalePrices(events.ScopeToProgram(lines, programID))
	if err != nil {
		return DecodedTransaction{}, err
	}
	if len(prices) != len(sales) {
		return DecodedTransaction{}, fmt.Errorf("%w: %d logs for %d buys", ErrSalePriceMismatch, len(prices), len(sales))
	}
	for i, sale := range sales {
		sold := sale.sold
		sold.Price = prices[i]
		if len(sales) == 1 {
			sold.Fee = feeFromBalances(tx, sold)
		}
		out.Effects[sale.index] = sold
	}
	return out, nil
}

// feeFromBalances reads the fee as the fee recipient's balance gain. It gives
// up when the recipient also pays, buys or sells in the transaction.
func feeFromBalances(tx LedgerTransaction, sold ListingSold) *uint64 {
	if len(tx.AccountKeys) == 0 || sold.FeeRecipient.IsZero() {
		return nil
	}
	if sold.FeeRecipient.Equals(tx.AccountKeys[0]) ||
		sold.FeeRecipient.Equals(sold.Buyer) ||
		sold.FeeRecipient.Equals(sold.Seller) {
		return nil
	}
	for i, key := range tx.AccountKeys {
		if !key.Equals(sold.FeeRecipient) {
			continue
		}
		if i >= len(tx.PreBalances) || i >= len(tx.PostBalances) {
			return nil
		}
		pre, post := tx.PreBalances[i], tx.PostBalances[i]
		if post < pre || post-pre > sold.Price {
			return nil
		}
		fee := post - pre
		return &fee
	}
	return nil
}

func accountAt(keys []solana.PublicKey, index uint16) (solana.PublicKey, error) {
	if int(index) >= len(keys) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range (%d keys)", index, len(keys))
	}
	return keys[index], nil
}

func resolveAccounts(keys []solana.PublicKey, indices []uint16) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(indices))
	for _, index := range indices {
		key, err := accountAt(keys, index)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}
