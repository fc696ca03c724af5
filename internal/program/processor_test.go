package program

import (
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const solLamports = 1_000_000_000

type marketFixture struct {
	t           *testing.T
	ledger      *Ledger
	programID   solana.PublicKey
	authority   solana.PublicKey
	seller      solana.PublicKey
	buyer       solana.PublicKey
	mint        solana.PublicKey
	sellerToken solana.PublicKey
	buyerToken  solana.PublicKey
	marketplace solana.PublicKey
	listing     solana.PublicKey
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	f := &marketFixture{
		t:           t,
		programID:   repeatedKey(0x70),
		authority:   repeatedKey(0xa1),
		seller:      repeatedKey(0xa2),
		buyer:       repeatedKey(0xa3),
		mint:        repeatedKey(0xb1),
		sellerToken: repeatedKey(0xb2),
		buyerToken:  repeatedKey(0xb3),
	}
	f.ledger = NewLedger(f.programID, WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	f.marketplace = MustDeriveMarketplaceAddress(f.programID, f.authority)
	f.listing = MustDeriveListingAddress(f.programID, f.mint, f.seller)

	f.ledger.Airdrop(f.authority, 10*solLamports)
	f.ledger.Airdrop(f.seller, 10*solLamports)
	f.ledger.Airdrop(f.buyer, 5*solLamports)
	return f
}

func (f *marketFixture) initMarketplace(fee uint16) (Receipt, error) {
	ix, err := NewInitializeMarketplaceInstruction(f.programID, f.authority, fee)
	require.NoError(f.t, err)
	return f.ledger.Execute(ix, f.authority)
}

func (f *marketFixture) listIx(price uint64) solana.Instruction {
	ix, err := NewListNftInstruction(f.programID, f.seller, f.mint, f.sellerToken, f.marketplace, price)
	require.NoError(f.t, err)
	return ix
}

func (f *marketFixture) list(price uint64) (Receipt, error) {
	return f.ledger.Execute(f.listIx(price), f.seller)
}

func (f *marketFixture) buyIx() solana.Instruction {
	ix, err := NewBuyNftInstruction(f.programID, BuyNftAccounts{
		Buyer:              f.buyer,
		BuyerTokenAccount:  f.buyerToken,
		SellerTokenAccount: f.sellerToken,
		Seller:             f.seller,
		FeeRecipient:       f.authority,
		Mint:               f.mint,
		Marketplace:        f.marketplace,
	})
	require.NoError(f.t, err)
	return ix
}

func (f *marketFixture) buy() (Receipt, error) {
	return f.ledger.Execute(f.buyIx(), f.buyer)
}

type ledgerSnapshot map[solana.PublicKey]Account

func (f *marketFixture) snapshot() ledgerSnapshot {
	out := ledgerSnapshot{}
	for _, key := range []solana.PublicKey{f.authority, f.seller, f.buyer, f.marketplace, f.listing} {
		if account, ok := f.ledger.Account(key); ok {
			out[key] = account
		}
	}
	return out
}

func TestMarketplaceEndToEndSale(t *testing.T) {
	f := newMarketFixture(t)
	rent := f.ledger.Rent()

	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	market, err := f.ledger.Marketplace(f.marketplace)
	require.NoError(t, err)
	assert.Equal(t, f.authority, market.Authority)
	assert.Equal(t, f.authority, market.FeeRecipient)
	assert.Equal(t, uint16(250), market.FeePercentage)
	assert.Zero(t, market.TotalVolume)
	assert.Equal(t, rent.MinimumBalance(MarketplaceLen), f.ledger.Balance(f.marketplace))

	_, err = f.list(solLamports)
	require.NoError(t, err)
	listing, err := f.ledger.Listing(f.listing)
	require.NoError(t, err)
	assert.Equal(t, f.seller, listing.Seller)
	assert.Equal(t, f.mint, listing.NftMint)
	assert.Equal(t, uint64(solLamports), listing.Price)
	assert.Equal(t, int64(1_700_000_000), listing.CreatedAt)
	assert.Equal(t, f.marketplace, listing.Marketplace)

	sellerBefore := f.ledger.Balance(f.seller)
	authorityBefore := f.ledger.Balance(f.authority)
	buyerBefore := f.ledger.Balance(f.buyer)
	listingRent := f.ledger.Balance(f.listing)

	receipt, err := f.buy()
	require.NoError(t, err)

	assert.Equal(t, buyerBefore-solLamports, f.ledger.Balance(f.buyer))
	assert.Equal(t, sellerBefore+975_000_000+listingRent, f.ledger.Balance(f.seller))
	assert.Equal(t, authorityBefore+25_000_000, f.ledger.Balance(f.authority))

	market, err = f.ledger.Marketplace(f.marketplace)
	require.NoError(t, err)
	assert.Equal(t, uint64(solLamports), market.TotalVolume)
	assert.Equal(t, uint64(1), market.TotalSales)

	_, exists := f.ledger.Account(f.listing)
	assert.False(t, exists)

	assert.Contains(t, receipt.Logs, "Program log: Instruction: BuyNft")
	assert.Contains(t, receipt.Logs, "Program log: NFT transfer would be handled here in production")
	assert.Contains(t, receipt.Logs, "Program log: NFT sold for 1000000000 lamports")
	assert.True(t, strings.HasSuffix(receipt.Logs[len(receipt.Logs)-1], "success"))
}

func TestInitializeMarketplaceFeeCap(t *testing.T) {
	f := newMarketFixture(t)

	_, err := f.initMarketplace(MaxFeePercentage + 1)
	require.ErrorIs(t, err, ErrInvalidFeePercentage)
	_, exists := f.ledger.Account(f.marketplace)
	assert.False(t, exists)

	_, err = f.initMarketplace(MaxFeePercentage)
	require.NoError(t, err)

	_, err = f.initMarketplace(100)
	assert.ErrorIs(t, err, ErrInvalidAccountOwner)
}

func TestInitializeMarketplaceRejectsForeignAddress(t *testing.T) {
	f := newMarketFixture(t)
	data := MustEncodeInstruction(&InitializeMarketplace{FeePercentage: 100})
	ix := solana.NewInstruction(f.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(f.authority, true, true),
		solana.NewAccountMeta(repeatedKey(0xee), true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data)

	_, err := f.ledger.Execute(ix, f.authority)
	assert.ErrorIs(t, err, ErrInvalidSeeds)
}

func TestInstructionsRequireSignatures(t *testing.T) {
	f := newMarketFixture(t)

	ix, err := NewInitializeMarketplaceInstruction(f.programID, f.authority, 100)
	require.NoError(t, err)
	_, err = f.ledger.Execute(ix)
	assert.ErrorIs(t, err, ErrMissingRequiredSignature)

	_, err = f.initMarketplace(100)
	require.NoError(t, err)
	_, err = f.ledger.Execute(f.listIx(10))
	assert.ErrorIs(t, err, ErrMissingRequiredSignature)
}

func TestListNftPriceValidation(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)

	_, err = f.list(0)
	require.ErrorIs(t, err, ErrInvalidPrice)
	code, ok := ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, uint32(12), code)

	_, err = f.list(1)
	require.NoError(t, err)
	listing, err := f.ledger.Listing(f.listing)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), listing.Price)
}

func TestListNftRequiresMarketplace(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.list(100)
	assert.ErrorIs(t, err, ErrAccountNotInitialized)
}

func TestRelistingActivePairFails(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	_, err = f.list(100)
	require.NoError(t, err)

	_, err = f.list(200)
	require.ErrorIs(t, err, ErrAccountAlreadyInitialized)
	listing, err := f.ledger.Listing(f.listing)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), listing.Price)
}

func TestBuyNftMissingListingLeavesLedgerUntouched(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	before := f.snapshot()

	_, err = f.buy()
	require.ErrorIs(t, err, ErrAccountNotInitialized)
	assert.Equal(t, before, f.snapshot())
}

func TestBuyNftInsufficientFunds(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	_, err = f.list(6 * solLamports)
	require.NoError(t, err)
	before := f.snapshot()

	_, err = f.buy()
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, before, f.snapshot())
}

func TestBuyNftAccountMismatches(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	_, err = f.list(100)
	require.NoError(t, err)

	replace := func(position int, key solana.PublicKey) solana.Instruction {
		ix := f.buyIx()
		metas := ix.Accounts()
		swapped := make(solana.AccountMetaSlice, len(metas))
		for i, meta := range metas {
			copied := *meta
			swapped[i] = &copied
		}
		swapped[position].PublicKey = key
		data, err := ix.Data()
		require.NoError(t, err)
		return solana.NewInstruction(f.programID, swapped, data)
	}

	tests := []struct {
		name     string
		position int
		key      solana.PublicKey
		signer   solana.PublicKey
		want     error
	}{
		{name: "mint", position: 6, key: repeatedKey(0xc1), want: ErrExpectedAmountMismatch},
		{name: "buyer is seller", position: 0, key: f.seller, signer: f.seller, want: ErrInvalidBuyer},
		{name: "seller", position: 4, key: repeatedKey(0xc2), want: ErrInvalidSeller},
		{name: "fee recipient", position: 5, key: repeatedKey(0xc3), want: ErrInvalidFeeRecipient},
		{name: "token program", position: 8, key: solana.SystemProgramID, want: ErrIncorrectProgramID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := f.buyer
			if !tt.signer.IsZero() {
				signer = tt.signer
			}
			_, err := f.ledger.Execute(replace(tt.position, tt.key), signer)
			assert.ErrorIs(t, err, tt.want)
			_, err = f.ledger.Listing(f.listing)
			assert.NoError(t, err)
		})
	}
}

func TestCancelListing(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	_, err = f.list(100)
	require.NoError(t, err)

	stranger := repeatedKey(0xd1)
	f.ledger.Airdrop(stranger, solLamports)
	data := MustEncodeInstruction(&CancelListing{})
	byStranger := solana.NewInstruction(f.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(stranger, true, true),
		solana.NewAccountMeta(f.listing, true, false),
		solana.NewAccountMeta(f.mint, false, false),
	}, data)
	_, err = f.ledger.Execute(byStranger, stranger)
	require.ErrorIs(t, err, ErrInvalidSeller)
	_, err = f.ledger.Listing(f.listing)
	require.NoError(t, err)

	sellerBefore := f.ledger.Balance(f.seller)
	listingRent := f.ledger.Balance(f.listing)
	ix, err := NewCancelListingInstruction(f.programID, f.seller, f.mint)
	require.NoError(t, err)
	receipt, err := f.ledger.Execute(ix, f.seller)
	require.NoError(t, err)
	assert.Contains(t, receipt.Logs, "Program log: Listing cancelled for NFT mint: "+f.mint.String())
	assert.Equal(t, sellerBefore+listingRent, f.ledger.Balance(f.seller))
	_, exists := f.ledger.Account(f.listing)
	assert.False(t, exists)

	_, err = f.list(300)
	require.NoError(t, err)
}

func TestUpdateMarketplaceFee(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)

	ix, err := NewUpdateMarketplaceFeeInstruction(f.programID, f.authority, MaxFeePercentage+1)
	require.NoError(t, err)
	_, err = f.ledger.Execute(ix, f.authority)
	require.ErrorIs(t, err, ErrInvalidFeePercentage)

	stranger := repeatedKey(0xd2)
	byStranger := solana.NewInstruction(f.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(stranger, false, true),
		solana.NewAccountMeta(f.marketplace, true, false),
	}, MustEncodeInstruction(&UpdateMarketplaceFee{NewFeePercentage: 0}))
	_, err = f.ledger.Execute(byStranger, stranger)
	require.ErrorIs(t, err, ErrInvalidMarketplaceAuthority)

	ix, err = NewUpdateMarketplaceFeeInstruction(f.programID, f.authority, 500)
	require.NoError(t, err)
	receipt, err := f.ledger.Execute(ix, f.authority)
	require.NoError(t, err)
	assert.Contains(t, receipt.Logs, "Program log: Marketplace fee updated to: 500")

	market, err := f.ledger.Marketplace(f.marketplace)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), market.FeePercentage)
}

func TestLegacyMarketplaceRecord(t *testing.T) {
	f := newMarketFixture(t)
	current, err := EncodeMarketplace(&Marketplace{
		IsInitialized: true,
		Authority:     f.authority,
		FeePercentage: 100,
		FeeRecipient:  f.authority,
	})
	require.NoError(t, err)
	f.ledger.SetAccount(f.marketplace, Account{
		Lamports: f.ledger.Rent().MinimumBalance(MarketplaceLegacyLen),
		Owner:    f.programID,
		Data:     current[:MarketplaceLegacyLen],
	})

	_, err = f.list(100)
	require.NoError(t, err)

	_, err = f.buy()
	assert.ErrorIs(t, err, ErrInvalidAccountData)

	ix, err := NewUpdateMarketplaceFeeInstruction(f.programID, f.authority, 200)
	require.NoError(t, err)
	_, err = f.ledger.Execute(ix, f.authority)
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestTransactionIsAtomic(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)
	before := f.snapshot()

	_, err = f.ledger.ExecuteTransaction([]solana.Instruction{f.listIx(100), f.listIx(100)}, f.seller)
	require.Error(t, err)

	var ixErr *InstructionError
	require.ErrorAs(t, err, &ixErr)
	assert.Equal(t, 1, ixErr.Index)
	assert.ErrorIs(t, err, ErrAccountAlreadyInitialized)
	assert.Equal(t, before, f.snapshot())
}

func TestHostRejectsReadonlyWrites(t *testing.T) {
	f := newMarketFixture(t)
	_, err := f.initMarketplace(250)
	require.NoError(t, err)

	ix := solana.NewInstruction(f.programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(f.authority, false, true),
		solana.NewAccountMeta(f.marketplace, false, false),
	}, MustEncodeInstruction(&UpdateMarketplaceFee{NewFeePercentage: 10}))
	_, err = f.ledger.Execute(ix, f.authority)
	require.ErrorIs(t, err, ErrReadonlyDataModified)

	market, err := f.ledger.Marketplace(f.marketplace)
	require.NoError(t, err)
	assert.Equal(t, uint16(250), market.FeePercentage)
}

func TestVerifyEffectsConservesLamports(t *testing.T) {
	payer, payee := repeatedKey(0x01), repeatedKey(0x02)
	pre := map[solana.PublicKey]Account{
		payer: {Lamports: 1_000, Owner: solana.SystemProgramID},
		payee: {Lamports: 500, Owner: solana.SystemProgramID},
	}
	views := func(payerLamports, payeeLamports uint64) map[solana.PublicKey]*AccountInfo {
		return map[solana.PublicKey]*AccountInfo{
			payer: {Key: payer, Lamports: payerLamports, Owner: solana.SystemProgramID, IsWritable: true},
			payee: {Key: payee, Lamports: payeeLamports, Owner: solana.SystemProgramID, IsWritable: true},
		}
	}

	assert.NoError(t, verifyEffects(pre, views(700, 800)))

	err := verifyEffects(pre, views(1_000, 900))
	require.ErrorIs(t, err, ErrUnbalancedInstruction)
	assert.Contains(t, err.Error(), "1500 before, 1900 after")

	assert.ErrorIs(t, verifyEffects(pre, views(600, 500)), ErrUnbalancedInstruction)
}

func TestProcessRejectsShortAccountLists(t *testing.T) {
	ic := NewInvokeContext(repeatedKey(0x70), Clock{}, DefaultRent())
	err := Process(ic, []*AccountInfo{{Key: repeatedKey(0x01), IsSigner: true}}, MustEncodeInstruction(&BuyNft{}))
	assert.ErrorIs(t, err, ErrNotEnoughAccountKeys)

	err = Process(ic, nil, []byte{9})
	assert.ErrorIs(t, err, ErrInvalidInstruction)
}
