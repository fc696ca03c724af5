package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Process is the program entrypoint. It validates and applies one instruction
// against accounts. Partial effects of a failed instruction are discarded by
// the host, never by the processor.
func Process(ic *InvokeContext, accounts []*AccountInfo, data []byte) error {
	ix, err := DecodeInstruction(data)
	if err != nil {
		return err
	}
	ic.Log("Instruction: %s", ix.Tag())

	switch ix := ix.(type) {
	case *InitializeMarketplace:
		return processInitializeMarketplace(ic, accounts, ix.FeePercentage)
	case *ListNft:
		return processListNft(ic, accounts, ix.Price)
	case *BuyNft:
		return processBuyNft(ic, accounts)
	case *CancelListing:
		return processCancelListing(ic, accounts)
	case *UpdateMarketplaceFee:
		return processUpdateMarketplaceFee(ic, accounts, ix.NewFeePercentage)
	default:
		return fmt.Errorf("%w: unhandled %s", ErrInvalidInstruction, ix.Tag())
	}
}

func processInitializeMarketplace(ic *InvokeContext, accounts []*AccountInfo, feePercentage uint16) error {
	if feePercentage > MaxFeePercentage {
		return ErrInvalidFeePercentage
	}
	accs, err := takeAccounts(accounts, 4)
	if err != nil {
		return err
	}
	authority, marketplace, systemProgram, rentSysvar := accs[0], accs[1], accs[2], accs[3]

	if !authority.IsSigner {
		return fmt.Errorf("%w: authority", ErrMissingRequiredSignature)
	}
	if !marketplace.Owner.Equals(solana.SystemProgramID) {
		return fmt.Errorf("%w: marketplace owned by %s", ErrInvalidAccountOwner, marketplace.Owner)
	}
	derived, _, err := DeriveMarketplaceAddress(ic.ProgramID, authority.Key)
	if err := expectDerived(marketplace.Key, derived, err); err != nil {
		return err
	}
	if err := expectSystemProgram(systemProgram); err != nil {
		return err
	}
	if err := expectRentSysvar(rentSysvar); err != nil {
		return err
	}

	if err := createAccount(ic.Rent, authority, marketplace, ic.Rent.MinimumBalance(MarketplaceLen), MarketplaceLen, ic.ProgramID); err != nil {
		return err
	}
	state := &Marketplace{
		IsInitialized: true,
		Authority:     authority.Key,
		FeePercentage: feePercentage,
		FeeRecipient:  authority.Key,
	}
	if err := storeMarketplace(marketplace, state); err != nil {
		return err
	}
	ic.Log("Marketplace initialized with fee: %d basis points", feePercentage)
	return nil
}

func processListNft(ic *InvokeContext, accounts []*AccountInfo, price uint64) error {
	if price == 0 {
		return ErrInvalidPrice
	}
	accs, err := takeAccounts(accounts, 7)
	if err != nil {
		return err
	}
	seller, listing, mint, marketplace, systemProgram, rentSysvar := accs[0], accs[1], accs[2], accs[4], accs[5], accs[6]

	if !seller.IsSigner {
		return fmt.Errorf("%w: seller", ErrMissingRequiredSignature)
	}
	market, err := loadMarketplace(ic, marketplace)
	if err != nil {
		return err
	}
	derivedMarket, _, err := DeriveMarketplaceAddress(ic.ProgramID, market.Authority)
	if err := expectDerived(marketplace.Key, derivedMarket, err); err != nil {
		return err
	}
	if listing.Owner.Equals(ic.ProgramID) {
		return ErrAccountAlreadyInitialized
	}
	derivedListing, _, err := DeriveListingAddress(ic.ProgramID, mint.Key, seller.Key)
	if err := expectDerived(listing.Key, derivedListing, err); err != nil {
		return err
	}
	if err := expectSystemProgram(systemProgram); err != nil {
		return err
	}
	if err := expectRentSysvar(rentSysvar); err != nil {
		return err
	}

	if err := createAccount(ic.Rent, seller, listing, ic.Rent.MinimumBalance(ListingLen), ListingLen, ic.ProgramID); err != nil {
		return err
	}
	state := &Listing{
		IsInitialized: true,
		Seller:        seller.Key,
		NftMint:       mint.Key,
		Price:         price,
		CreatedAt:     ic.Clock.UnixTimestamp,
		Marketplace:   marketplace.Key,
	}
	if err := storeListing(listing, state); err != nil {
		return err
	}
	ic.Log("NFT listed for sale at price: %d lamports", price)
	return nil
}

func processBuyNft(ic *InvokeContext, accounts []*AccountInfo) error {
	accs, err := takeAccounts(accounts, 10)
	if err != nil {
		return err
	}
	buyer, listingAcc := accs[0], accs[1]
	seller, feeRecipient, mint, marketplaceAcc := accs[4], accs[5], accs[6], accs[7]
	tokenProgram, systemProgram := accs[8], accs[9]

	if !buyer.IsSigner {
		return fmt.Errorf("%w: buyer", ErrMissingRequiredSignature)
	}
	listing, err := loadListing(ic, listingAcc)
	if err != nil {
		return err
	}
	market, err := loadMarketplace(ic, marketplaceAcc)
	if err != nil {
		return err
	}
	if !listing.NftMint.Equals(mint.Key) {
		return ErrExpectedAmountMismatch
	}
	if !listing.Seller.Equals(seller.Key) {
		return ErrInvalidSeller
	}
	if buyer.Key.Equals(seller.Key) {
		return ErrInvalidBuyer
	}
	derivedListing, _, err := DeriveListingAddress(ic.ProgramID, listing.NftMint, listing.Seller)
	if err := expectDerived(listingAcc.Key, derivedListing, err); err != nil {
		return err
	}
	if !listing.Marketplace.Equals(marketplaceAcc.Key) {
		return fmt.Errorf("%w: listing belongs to marketplace %s", ErrInvalidSeeds, listing.Marketplace)
	}
	derivedMarket, _, err := DeriveMarketplaceAddress(ic.ProgramID, market.Authority)
	if err := expectDerived(marketplaceAcc.Key, derivedMarket, err); err != nil {
		return err
	}
	if !feeRecipient.Key.Equals(market.FeeRecipient) {
		return ErrInvalidFeeRecipient
	}
	if !tokenProgram.Key.Equals(solana.TokenProgramID) {
		return fmt.Errorf("%w: token program %s", ErrIncorrectProgramID, tokenProgram.Key)
	}
	if err := expectSystemProgram(systemProgram); err != nil {
		return err
	}

	fee, proceeds, err := CalculateFee(listing.Price, market.FeePercentage)
	if err != nil {
		return err
	}
	if buyer.Lamports < listing.Price {
		return ErrInsufficientFunds
	}
	if market.TotalVolume, err = checkedAdd(market.TotalVolume, listing.Price); err != nil {
		return err
	}
	if market.TotalSales, err = checkedAdd(market.TotalSales, 1); err != nil {
		return err
	}

	if err := transfer(buyer, seller, proceeds); err != nil {
		return err
	}
	if fee > 0 {
		if err := transfer(buyer, feeRecipient, fee); err != nil {
			return err
		}
	}
	ic.Log("NFT transfer would be handled here in production")

	if err := storeMarketplace(marketplaceAcc, market); err != nil {
		return err
	}
	if err := closeAccount(listingAcc, seller); err != nil {
		return err
	}
	ic.Log("NFT sold for %d lamports", listing.Price)
	return nil
}

func processCancelListing(ic *InvokeContext, accounts []*AccountInfo) error {
	accs, err := takeAccounts(accounts, 3)
	if err != nil {
		return err
	}
	seller, listingAcc, mint := accs[0], accs[1], accs[2]

	if !seller.IsSigner {
		return fmt.Errorf("%w: seller", ErrMissingRequiredSignature)
	}
	listing, err := loadListing(ic, listingAcc)
	if err != nil {
		return err
	}
	if !listing.Seller.Equals(seller.Key) {
		return ErrInvalidSeller
	}
	if !listing.NftMint.Equals(mint.Key) {
		return ErrExpectedAmountMismatch
	}
	derived, _, err := DeriveListingAddress(ic.ProgramID, listing.NftMint, listing.Seller)
	if err := expectDerived(listingAcc.Key, derived, err); err != nil {
		return err
	}

	if err := closeAccount(listingAcc, seller); err != nil {
		return err
	}
	ic.Log("Listing cancelled for NFT mint: %s", mint.Key)
	return nil
}

func processUpdateMarketplaceFee(ic *InvokeContext, accounts []*AccountInfo, newFeePercentage uint16) error {
	if newFeePercentage > MaxFeePercentage {
		return ErrInvalidFeePercentage
	}
	accs, err := takeAccounts(accounts, 2)
	if err != nil {
		return err
	}
	authority, marketplaceAcc := accs[0], accs[1]

	if !authority.IsSigner {
		return fmt.Errorf("%w: authority", ErrMissingRequiredSignature)
	}
	market, err := loadMarketplace(ic, marketplaceAcc)
	if err != nil {
		return err
	}
	if !market.Authority.Equals(authority.Key) {
		return ErrInvalidMarketplaceAuthority
	}
	derived, _, err := DeriveMarketplaceAddress(ic.ProgramID, authority.Key)
	if err := expectDerived(marketplaceAcc.Key, derived, err); err != nil {
		return err
	}

	market.FeePercentage = newFeePercentage
	if err := storeMarketplace(marketplaceAcc, market); err != nil {
		return err
	}
	ic.Log("Marketplace fee updated to: %d", newFeePercentage)
	return nil
}

// loadMarketplace treats anything not owned by the program, or carrying a
// cleared init flag, as uninitialized.
func loadMarketplace(ic *InvokeContext, account *AccountInfo) (*Marketplace, error) {
	if !account.Owner.Equals(ic.ProgramID) || len(account.Data) == 0 {
		return nil, fmt.Errorf("%w: marketplace %s", ErrAccountNotInitialized, account.Key)
	}
	market, err := DecodeMarketplace(account.Data)
	if err != nil {
		return nil, err
	}
	if !market.IsInitialized {
		return nil, fmt.Errorf("%w: marketplace %s", ErrAccountNotInitialized, account.Key)
	}
	return market, nil
}

func loadListing(ic *InvokeContext, account *AccountInfo) (*Listing, error) {
	if !account.Owner.Equals(ic.ProgramID) || len(account.Data) == 0 {
		return nil, fmt.Errorf("%w: listing %s", ErrAccountNotInitialized, account.Key)
	}
	listing, err := DecodeListing(account.Data)
	if err != nil {
		return nil, err
	}
	if !listing.IsInitialized {
		return nil, fmt.Errorf("%w: listing %s", ErrAccountNotInitialized, account.Key)
	}
	return listing, nil
}

// storeMarketplace writes the full current record. Legacy sized accounts
// cannot hold it and are rejected.
func storeMarketplace(account *AccountInfo, market *Marketplace) error {
	data, err := EncodeMarketplace(market)
	if err != nil {
		return err
	}
	if len(account.Data) != len(data) {
		return fmt.Errorf("%w: marketplace account holds %d bytes, record needs %d", ErrInvalidAccountData, len(account.Data), len(data))
	}
	copy(account.Data, data)
	return nil
}

func storeListing(account *AccountInfo, listing *Listing) error {
	data, err := EncodeListing(listing)
	if err != nil {
		return err
	}
	if len(account.Data) != len(data) {
		return fmt.Errorf("%w: listing account holds %d bytes, record needs %d", ErrInvalidAccountData, len(account.Data), len(data))
	}
	copy(account.Data, data)
	return nil
}

func expectSystemProgram(account *AccountInfo) error {
	if !account.Key.Equals(solana.SystemProgramID) {
		return fmt.Errorf("%w: system program %s", ErrIncorrectProgramID, account.Key)
	}
	return nil
}

func expectRentSysvar(account *AccountInfo) error {
	if !account.Key.Equals(solana.SysVarRentPubkey) {
		return fmt.Errorf("%w: rent sysvar %s", ErrInvalidArgument, account.Key)
	}
	return nil
}
