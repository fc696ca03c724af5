package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/nftmarket/backend/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db     *DB
	driver string
	now    func() time.Time
}

type DB struct {
	raw    *sql.DB
	rebind bool
}

type Tx struct {
	raw    *sql.Tx
	rebind bool
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, bindQuery(db.rebind, query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, bindQuery(db.rebind, query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, bindQuery(db.rebind, query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx, rebind: db.rebind}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, bindQuery(tx.rebind, query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, bindQuery(tx.rebind, query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func bindQuery(rebind bool, query string) string {
	if !rebind {
		return query
	}
	return rebindPostgresPlaceholders(query)
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

// NewStore opens the mirror database and applies the schema. driver is
// config.DBDriverPostgres or config.DBDriverSQLite.
func NewStore(driver, dsn string) (*Store, error) {
	var (
		db     *sql.DB
		err    error
		rebind bool
	)
	switch driver {
	case config.DBDriverPostgres, "":
		driver = config.DBDriverPostgres
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetConnMaxIdleTime(30 * time.Second)
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(16)
		rebind = true
	case config.DBDriverSQLite:
		if dir := sqliteDir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported db driver %q (expected postgres|sqlite)", driver)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := &Store{db: &DB{raw: db, rebind: rebind}, driver: driver, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS indexer_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_processed_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS indexer_gaps (
			start_slot BIGINT NOT NULL,
			end_slot BIGINT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (start_slot, end_slot)
		);`,
		`CREATE TABLE IF NOT EXISTS nfts (
			mint_address TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			uri TEXT NOT NULL,
			creator_address TEXT NOT NULL,
			current_owner TEXT NOT NULL,
			description TEXT,
			image_url TEXT,
			attributes_json TEXT,
			transaction_signature TEXT NOT NULL,
			slot BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nfts_creator ON nfts(creator_address);`,
		`CREATE INDEX IF NOT EXISTS idx_nfts_owner ON nfts(current_owner);`,
		`CREATE TABLE IF NOT EXISTS listings (
			listing_address TEXT PRIMARY KEY,
			nft_mint TEXT NOT NULL,
			seller_address TEXT NOT NULL,
			price BIGINT NOT NULL,
			marketplace_address TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_signature TEXT NOT NULL,
			block_time BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_mint ON listings(nft_mint);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_seller_status ON listings(seller_address, status);`,
		`CREATE TABLE IF NOT EXISTS sales (
			transaction_signature TEXT NOT NULL,
			listing_address TEXT NOT NULL,
			nft_mint TEXT NOT NULL,
			seller_address TEXT NOT NULL,
			buyer_address TEXT NOT NULL,
			price BIGINT NOT NULL,
			fee BIGINT NOT NULL,
			seller_proceeds BIGINT NOT NULL,
			marketplace_address TEXT NOT NULL,
			block_time BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (transaction_signature, listing_address)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sales_marketplace ON sales(marketplace_address);`,
		`CREATE INDEX IF NOT EXISTS idx_sales_mint_time ON sales(nft_mint, block_time DESC);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			activity_type TEXT NOT NULL,
			nft_mint TEXT,
			from_address TEXT,
			to_address TEXT,
			price BIGINT,
			transaction_signature TEXT NOT NULL,
			block_time BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_mint_slot ON activities(nft_mint, slot DESC);`,
		`CREATE TABLE IF NOT EXISTS marketplaces (
			marketplace_address TEXT PRIMARY KEY,
			authority TEXT NOT NULL,
			fee_percentage INTEGER NOT NULL,
			fee_recipient TEXT NOT NULL,
			total_volume BIGINT NOT NULL,
			total_sales BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// LastProcessedSlot returns the durable poller cursor, 0 when none was written.
func (s *Store) LastProcessedSlot(ctx context.Context) (uint64, error) {
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_processed_slot FROM indexer_state WHERE id = 1`).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return uint64(slot), nil
}

func (s *Store) SetLastProcessedSlot(ctx context.Context, slot uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_state (id, last_processed_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_processed_slot = excluded.last_processed_slot,
			updated_at = excluded.updated_at
	`, int64(slot), s.now().Unix())
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// RecordGap stores a failed sweep unit, bumping attempts when it is already
// known, and returns the attempt count after the update.
func (s *Store) RecordGap(ctx context.Context, start, end uint64, cause error) (int, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	now := s.now().Unix()
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO indexer_gaps (start_slot, end_slot, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(start_slot, end_slot) DO UPDATE SET
			attempts = indexer_gaps.attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		RETURNING attempts
	`, int64(start), int64(end), message, now, now).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("record gap %d-%d: %w", start, end, err)
	}
	return attempts, nil
}

// PendingGaps returns up to limit gaps with fewer than maxAttempts attempts,
// oldest first.
func (s *Store) PendingGaps(ctx context.Context, limit, maxAttempts int) ([]GapRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_slot, end_slot, attempts, last_error, created_at, updated_at
		FROM indexer_gaps
		WHERE attempts < ?
		ORDER BY start_slot ASC, end_slot ASC
		LIMIT ?
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending gaps: %w", err)
	}
	defer rows.Close()
	return scanGaps(rows)
}

func (s *Store) ResolveGap(ctx context.Context, start, end uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM indexer_gaps WHERE start_slot = ? AND end_slot = ?`, int64(start), int64(end))
	if err != nil {
		return fmt.Errorf("resolve gap %d-%d: %w", start, end, err)
	}
	return nil
}

func (s *Store) NftExists(ctx context.Context, mint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nfts WHERE mint_address = ?`, mint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertNftTx inserts a minted NFT and reports whether the row is new.
func (s *Store) InsertNftTx(ctx context.Context, tx *Tx, nft NftRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO nfts (
			mint_address, name, symbol, uri, creator_address, current_owner,
			description, image_url, attributes_json, transaction_signature, slot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mint_address) DO NOTHING
	`,
		nft.MintAddress,
		nft.Name,
		nft.Symbol,
		nft.URI,
		nft.CreatorAddress,
		nft.CurrentOwner,
		nullString(nft.Description),
		nullString(nft.ImageURL),
		nullString(nft.AttributesJSON),
		nft.TransactionSignature,
		int64(nft.Slot),
		nft.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func (s *Store) SetNftOwnerTx(ctx context.Context, tx *Tx, mint, owner string) error {
	_, err := tx.ExecContext(ctx, `UPDATE nfts SET current_owner = ? WHERE mint_address = ?`, owner, mint)
	return err
}

func (s *Store) InsertActivityTx(ctx context.Context, tx *Tx, activity ActivityRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activities (
			id, activity_type, nft_mint, from_address, to_address, price,
			transaction_signature, block_time, slot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		activity.ID,
		activity.ActivityType,
		nullString(activity.NftMint),
		nullString(activity.FromAddress),
		nullString(activity.ToAddress),
		nullInt64(activity.Price),
		activity.TransactionSignature,
		activity.BlockTime,
		int64(activity.Slot),
		activity.CreatedAt,
	)
	return err
}

// UpsertListingTx writes a listing row unless the stored row was produced at a
// later slot. The price is only replaced when the incoming one is non-zero.
func (s *Store) UpsertListingTx(ctx context.Context, tx *Tx, listing ListingRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO listings (
			listing_address, nft_mint, seller_address, price, marketplace_address, status,
			transaction_signature, block_time, slot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_address) DO UPDATE SET
			nft_mint = excluded.nft_mint,
			seller_address = excluded.seller_address,
			price = CASE WHEN excluded.price > 0 THEN excluded.price ELSE listings.price END,
			marketplace_address = CASE WHEN excluded.marketplace_address <> '' THEN excluded.marketplace_address ELSE listings.marketplace_address END,
			status = excluded.status,
			transaction_signature = excluded.transaction_signature,
			block_time = excluded.block_time,
			slot = excluded.slot,
			updated_at = excluded.updated_at
		WHERE listings.slot <= excluded.slot
	`,
		listing.ListingAddress,
		listing.NftMint,
		listing.SellerAddress,
		int64(listing.Price),
		listing.MarketplaceAddress,
		listing.Status,
		listing.TransactionSignature,
		listing.BlockTime,
		int64(listing.Slot),
		listing.CreatedAt,
		listing.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// InsertSaleTx records a sale once per (signature, listing).
func (s *Store) InsertSaleTx(ctx context.Context, tx *Tx, sale SaleRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sales (
			transaction_signature, listing_address, nft_mint, seller_address, buyer_address,
			price, fee, seller_proceeds, marketplace_address, block_time, slot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_signature, listing_address) DO NOTHING
	`,
		sale.TransactionSignature,
		sale.ListingAddress,
		sale.NftMint,
		sale.SellerAddress,
		sale.BuyerAddress,
		int64(sale.Price),
		int64(sale.Fee),
		int64(sale.SellerProceeds),
		sale.MarketplaceAddress,
		sale.BlockTime,
		int64(sale.Slot),
		sale.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// UpsertMarketplaceTx writes the configuration columns of a marketplace row.
// Totals are owned by RefreshMarketplaceTotalsTx.
func (s *Store) UpsertMarketplaceTx(ctx context.Context, tx *Tx, marketplace MarketplaceRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO marketplaces (
			marketplace_address, authority, fee_percentage, fee_recipient,
			total_volume, total_sales, slot, updated_at
		) VALUES (?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(marketplace_address) DO UPDATE SET
			authority = excluded.authority,
			fee_percentage = excluded.fee_percentage,
			fee_recipient = CASE WHEN excluded.fee_recipient <> '' THEN excluded.fee_recipient ELSE marketplaces.fee_recipient END,
			slot = excluded.slot,
			updated_at = excluded.updated_at
		WHERE marketplaces.slot <= excluded.slot
	`,
		marketplace.MarketplaceAddress,
		marketplace.Authority,
		int(marketplace.FeePercentage),
		marketplace.FeeRecipient,
		int64(marketplace.Slot),
		marketplace.UpdatedAt,
	)
	return err
}

// RefreshMarketplaceTotalsTx recomputes volume and sale count from the sales
// table so that replays never double count.
func (s *Store) RefreshMarketplaceTotalsTx(ctx context.Context, tx *Tx, marketplace string, updatedAt int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE marketplaces SET
			total_volume = (SELECT COALESCE(SUM(price), 0) FROM sales WHERE marketplace_address = ?),
			total_sales = (SELECT COUNT(*) FROM sales WHERE marketplace_address = ?),
			updated_at = ?
		WHERE marketplace_address = ?
	`, marketplace, marketplace, updatedAt, marketplace)
	return err
}

// MarketplaceFee returns the mirrored fee rate, or nil when the marketplace
// has not been seen yet.
func (s *Store) MarketplaceFee(ctx context.Context, marketplace string) (*uint16, error) {
	var fee int64
	err := s.db.QueryRowContext(ctx, `SELECT fee_percentage FROM marketplaces WHERE marketplace_address = ?`, marketplace).Scan(&fee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	value := uint16(fee)
	return &value, nil
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullInt64(value *uint64) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}
