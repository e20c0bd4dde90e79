// Package registry is the durable read/write model behind the engine:
// auction configuration read by rooms on rehydration and the append-only
// bid log written by the persister. Cross-room reads (dashboards, closed
// auctions) go through here, never through live room memory.
package registry

import (
	"context"

	"agrobid/internal/auction"
)

type Store interface {
	CreateAuction(ctx context.Context, a *auction.Auction) error
	GetAuction(ctx context.Context, id string) (*auction.Auction, error)
	ListAuctions(ctx context.Context) ([]auction.Auction, error)
	UpdateAuctionStatus(ctx context.Context, id string, status auction.Status) error

	AppendBid(ctx context.Context, b auction.Bid) error
	ListBidsByAuction(ctx context.Context, auctionID string, limit, offset int) ([]auction.Bid, error)
	LatestBid(ctx context.Context, auctionID string) (*auction.Bid, error)
}
