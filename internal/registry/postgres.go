package registry

import (
	"context"
	"errors"

	"agrobid/internal/auction"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	DB *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{DB: db}
}

const auctionColumns = `id, seller_user_id, crop_id, starting_price, min_increment, max_increment,
       start_time, end_time, second_end_time, status, created_at`

func (s *PostgresStore) CreateAuction(ctx context.Context, a *auction.Auction) error {
	insertQuery := `INSERT INTO auctions (id, seller_user_id, crop_id, starting_price, min_increment, max_increment,
	                start_time, end_time, second_end_time, status, created_at)
	                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.DB.Exec(
		ctx,
		insertQuery,
		a.ID,
		a.SellerUserID,
		a.CropID,
		a.StartingPrice,
		a.MinIncrement,
		a.MaxIncrement,
		a.StartTime,
		a.EndTime,
		a.SecondEndTime,
		a.Status,
		a.CreatedAt)
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*auction.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	var a auction.Auction
	err := s.DB.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.SellerUserID,
		&a.CropID,
		&a.StartingPrice,
		&a.MinIncrement,
		&a.MaxIncrement,
		&a.StartTime,
		&a.EndTime,
		&a.SecondEndTime,
		&a.Status,
		&a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auction.NewError(auction.CodeNotFound, "auction not found")
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]auction.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions ORDER BY start_time`
	rows, err := s.DB.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []auction.Auction
	for rows.Next() {
		var a auction.Auction
		if err := rows.Scan(
			&a.ID,
			&a.SellerUserID,
			&a.CropID,
			&a.StartingPrice,
			&a.MinIncrement,
			&a.MaxIncrement,
			&a.StartTime,
			&a.EndTime,
			&a.SecondEndTime,
			&a.Status,
			&a.CreatedAt); err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) UpdateAuctionStatus(ctx context.Context, id string, status auction.Status) error {
	updateQuery := `UPDATE auctions SET status = $1 WHERE id = $2`
	_, err := s.DB.Exec(ctx, updateQuery, status, id)
	return err
}

// AppendBid is idempotent on (auction_id, sequence): the persister retries
// at-least-once and a duplicate write must not fail or double-insert.
func (s *PostgresStore) AppendBid(ctx context.Context, b auction.Bid) error {
	insertQuery := `INSERT INTO bids (id, auction_id, bidder_user_id, amount, sequence, accepted_at)
	                VALUES ($1, $2, $3, $4, $5, $6)
	                ON CONFLICT (auction_id, sequence) DO NOTHING`
	_, err := s.DB.Exec(
		ctx,
		insertQuery,
		b.ID,
		b.AuctionID,
		b.BidderUserID,
		b.Amount,
		b.Sequence,
		b.AcceptedAt)
	return err
}

func (s *PostgresStore) ListBidsByAuction(ctx context.Context, auctionID string, limit, offset int) ([]auction.Bid, error) {
	query := `SELECT id, auction_id, bidder_user_id, amount, sequence, accepted_at
	          FROM bids
	          WHERE auction_id = $1
	          ORDER BY sequence
	          LIMIT $2 OFFSET $3`
	rows, err := s.DB.Query(ctx, query, auctionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []auction.Bid
	for rows.Next() {
		var b auction.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderUserID, &b.Amount, &b.Sequence, &b.AcceptedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) LatestBid(ctx context.Context, auctionID string) (*auction.Bid, error) {
	query := `SELECT id, auction_id, bidder_user_id, amount, sequence, accepted_at
	          FROM bids
	          WHERE auction_id = $1
	          ORDER BY sequence DESC
	          LIMIT 1`
	var b auction.Bid
	err := s.DB.QueryRow(ctx, query, auctionID).Scan(
		&b.ID,
		&b.AuctionID,
		&b.BidderUserID,
		&b.Amount,
		&b.Sequence,
		&b.AcceptedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
