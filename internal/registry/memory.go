package registry

import (
	"context"
	"sort"
	"sync"

	"agrobid/internal/auction"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]auction.Auction
	bids     map[string][]auction.Bid
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]auction.Auction),
		bids:     make(map[string][]auction.Bid),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *auction.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*auction.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, auction.NewError(auction.CodeNotFound, "auction not found")
	}
	return &a, nil
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]auction.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auction.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemoryStore) UpdateAuctionStatus(_ context.Context, id string, status auction.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return auction.NewError(auction.CodeNotFound, "auction not found")
	}
	a.Status = status
	s.auctions[id] = a
	return nil
}

func (s *MemoryStore) AppendBid(_ context.Context, b auction.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bids[b.AuctionID] {
		if existing.Sequence == b.Sequence {
			return nil // duplicate retry, already recorded
		}
	}
	s.bids[b.AuctionID] = append(s.bids[b.AuctionID], b)
	return nil
}

func (s *MemoryStore) ListBidsByAuction(_ context.Context, auctionID string, limit, offset int) ([]auction.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bids[auctionID]
	sorted := make([]auction.Bid, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	if offset >= len(sorted) {
		return nil, nil
	}
	sorted = sorted[offset:]
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func (s *MemoryStore) LatestBid(_ context.Context, auctionID string) (*auction.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bids[auctionID]
	if len(all) == 0 {
		return nil, nil
	}
	latest := all[0]
	for _, b := range all[1:] {
		if b.Sequence > latest.Sequence {
			latest = b
		}
	}
	return &latest, nil
}
