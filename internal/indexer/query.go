package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

const (
	ListingStatusActive    = "active"
	ListingStatusSold      = "sold"
	ListingStatusCancelled = "cancelled"
)

const (
	ActivityMint            = "mint"
	ActivityList            = "list"
	ActivitySale            = "sale"
	ActivityCancel          = "cancel"
	ActivityMarketplaceInit = "marketplace_init"
	ActivityFeeUpdate       = "fee_update"
)

type NftRecord struct {
	MintAddress          string  `json:"mint_address"`
	Name                 string  `json:"name"`
	Symbol               string  `json:"symbol"`
	URI                  string  `json:"uri"`
	CreatorAddress       string  `json:"creator_address"`
	CurrentOwner         string  `json:"current_owner"`
	Description          *string `json:"description"`
	ImageURL             *string `json:"image_url"`
	AttributesJSON       *string `json:"attributes_json"`
	TransactionSignature string  `json:"transaction_signature"`
	Slot                 uint64  `json:"slot"`
	CreatedAt            int64   `json:"created_at"`
}

type ListingFilter struct {
	Seller      string
	Mint        string
	Marketplace string
	Status      string
	Limit       int
	Offset      int
}

type ListingRecord struct {
	ListingAddress       string `json:"listing_address"`
	NftMint              string `json:"nft_mint"`
	SellerAddress        string `json:"seller_address"`
	Price                uint64 `json:"price"`
	MarketplaceAddress   string `json:"marketplace_address"`
	Status               string `json:"status"`
	TransactionSignature string `json:"transaction_signature"`
	BlockTime            int64  `json:"block_time"`
	Slot                 uint64 `json:"slot"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

type SaleRecord struct {
	TransactionSignature string `json:"transaction_signature"`
	ListingAddress       string `json:"listing_address"`
	NftMint              string `json:"nft_mint"`
	SellerAddress        string `json:"seller_address"`
	BuyerAddress         string `json:"buyer_address"`
	Price                uint64 `json:"price"`
	Fee                  uint64 `json:"fee"`
	SellerProceeds       uint64 `json:"seller_proceeds"`
	MarketplaceAddress   string `json:"marketplace_address"`
	BlockTime            int64  `json:"block_time"`
	Slot                 uint64 `json:"slot"`
	CreatedAt            int64  `json:"created_at"`
}

type ActivityFilter struct {
	Mint   string
	Type   string
	Limit  int
	Offset int
}

type ActivityRecord struct {
	ID                   string  `json:"id"`
	ActivityType         string  `json:"activity_type"`
	NftMint              *string `json:"nft_mint"`
	FromAddress          *string `json:"from_address"`
	ToAddress            *string `json:"to_address"`
	Price                *uint64 `json:"price"`
	TransactionSignature string  `json:"transaction_signature"`
	BlockTime            int64   `json:"block_time"`
	Slot                 uint64  `json:"slot"`
	CreatedAt            int64   `json:"created_at"`
}

type MarketplaceRecord struct {
	MarketplaceAddress string `json:"marketplace_address"`
	Authority          string `json:"authority"`
	FeePercentage      uint16 `json:"fee_percentage"`
	FeeRecipient       string `json:"fee_recipient"`
	TotalVolume        uint64 `json:"total_volume"`
	TotalSales         uint64 `json:"total_sales"`
	Slot               uint64 `json:"slot"`
	UpdatedAt          int64  `json:"updated_at"`
}

type GapRecord struct {
	StartSlot uint64 `json:"start_slot"`
	EndSlot   uint64 `json:"end_slot"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

func (s *Store) GetNft(ctx context.Context, mint string) (*NftRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			mint_address,
			name,
			symbol,
			uri,
			creator_address,
			current_owner,
			description,
			image_url,
			attributes_json,
			transaction_signature,
			slot,
			created_at
		FROM nfts
		WHERE mint_address = ?
	`, mint)

	var item NftRecord
	var description, imageURL, attributes sql.NullString
	var slot int64
	err := row.Scan(
		&item.MintAddress,
		&item.Name,
		&item.Symbol,
		&item.URI,
		&item.CreatorAddress,
		&item.CurrentOwner,
		&description,
		&imageURL,
		&attributes,
		&item.TransactionSignature,
		&slot,
		&item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.Description = fromNullString(description)
	item.ImageURL = fromNullString(imageURL)
	item.AttributesJSON = fromNullString(attributes)
	item.Slot = uint64(slot)
	return &item, nil
}

func (s *Store) GetListing(ctx context.Context, address string) (*ListingRecord, error) {
	items, _, _, err := s.listListings(ctx, []string{"listing_address = ?"}, []any{address}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) ListListings(ctx context.Context, filter ListingFilter) ([]ListingRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 6)

	if filter.Seller != "" {
		clauses = append(clauses, "seller_address = ?")
		args = append(args, filter.Seller)
	}
	if filter.Mint != "" {
		clauses = append(clauses, "nft_mint = ?")
		args = append(args, filter.Mint)
	}
	if filter.Marketplace != "" {
		clauses = append(clauses, "marketplace_address = ?")
		args = append(args, filter.Marketplace)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}

	return s.listListings(ctx, clauses, args, limit, offset)
}

func (s *Store) listListings(ctx context.Context, clauses []string, args []any, limit, offset int) ([]ListingRecord, int, int, error) {
	query := fmt.Sprintf(`
		SELECT
			listing_address,
			nft_mint,
			seller_address,
			price,
			marketplace_address,
			status,
			transaction_signature,
			block_time,
			slot,
			created_at,
			updated_at
		FROM listings
		WHERE %s
		ORDER BY slot DESC, listing_address ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]ListingRecord, 0, limit)
	for rows.Next() {
		var item ListingRecord
		var price, slot int64
		if err := rows.Scan(
			&item.ListingAddress,
			&item.NftMint,
			&item.SellerAddress,
			&price,
			&item.MarketplaceAddress,
			&item.Status,
			&item.TransactionSignature,
			&item.BlockTime,
			&slot,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Price = uint64(price)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListSales(ctx context.Context, marketplace string, limit, offset int) ([]SaleRecord, int, int, error) {
	limit, offset = normalizePagination(limit, offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if marketplace != "" {
		clauses = append(clauses, "marketplace_address = ?")
		args = append(args, marketplace)
	}

	query := fmt.Sprintf(`
		SELECT
			transaction_signature,
			listing_address,
			nft_mint,
			seller_address,
			buyer_address,
			price,
			fee,
			seller_proceeds,
			marketplace_address,
			block_time,
			slot,
			created_at
		FROM sales
		WHERE %s
		ORDER BY slot DESC, transaction_signature ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]SaleRecord, 0, limit)
	for rows.Next() {
		var item SaleRecord
		var price, fee, proceeds, slot int64
		if err := rows.Scan(
			&item.TransactionSignature,
			&item.ListingAddress,
			&item.NftMint,
			&item.SellerAddress,
			&item.BuyerAddress,
			&price,
			&fee,
			&proceeds,
			&item.MarketplaceAddress,
			&item.BlockTime,
			&slot,
			&item.CreatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Price = uint64(price)
		item.Fee = uint64(fee)
		item.SellerProceeds = uint64(proceeds)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListActivities(ctx context.Context, filter ActivityFilter) ([]ActivityRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Mint != "" {
		clauses = append(clauses, "nft_mint = ?")
		args = append(args, filter.Mint)
	}
	if filter.Type != "" {
		clauses = append(clauses, "activity_type = ?")
		args = append(args, filter.Type)
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			activity_type,
			nft_mint,
			from_address,
			to_address,
			price,
			transaction_signature,
			block_time,
			slot,
			created_at
		FROM activities
		WHERE %s
		ORDER BY slot DESC, id ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]ActivityRecord, 0, limit)
	for rows.Next() {
		var item ActivityRecord
		var mint, from, to sql.NullString
		var price sql.NullInt64
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.ActivityType,
			&mint,
			&from,
			&to,
			&price,
			&item.TransactionSignature,
			&item.BlockTime,
			&slot,
			&item.CreatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.NftMint = fromNullString(mint)
		item.FromAddress = fromNullString(from)
		item.ToAddress = fromNullString(to)
		if price.Valid {
			value := uint64(price.Int64)
			item.Price = &value
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetMarketplace(ctx context.Context, address string) (*MarketplaceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			marketplace_address,
			authority,
			fee_percentage,
			fee_recipient,
			total_volume,
			total_sales,
			slot,
			updated_at
		FROM marketplaces
		WHERE marketplace_address = ?
	`, address)

	var item MarketplaceRecord
	var fee, volume, sales, slot int64
	err := row.Scan(
		&item.MarketplaceAddress,
		&item.Authority,
		&fee,
		&item.FeeRecipient,
		&volume,
		&sales,
		&slot,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.FeePercentage = uint16(fee)
	item.TotalVolume = uint64(volume)
	item.TotalSales = uint64(sales)
	item.Slot = uint64(slot)
	return &item, nil
}

// ListGaps returns every recorded gap, abandoned ones included.
func (s *Store) ListGaps(ctx context.Context) ([]GapRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_slot, end_slot, attempts, last_error, created_at, updated_at
		FROM indexer_gaps
		ORDER BY start_slot ASC, end_slot ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGaps(rows)
}

func scanGaps(rows *sql.Rows) ([]GapRecord, error) {
	items := make([]GapRecord, 0)
	for rows.Next() {
		var item GapRecord
		var start, end int64
		if err := rows.Scan(&start, &end, &item.Attempts, &item.LastError, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.StartSlot = uint64(start)
		item.EndSlot = uint64(end)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func fromNullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
