package auction

import (
	"context"
	"log"
	"sync"
	"time"
)

// Registry is the durable read model the manager rehydrates rooms from.
type Registry interface {
	GetAuction(ctx context.Context, id string) (*Auction, error)
	LatestBid(ctx context.Context, auctionID string) (*Bid, error)
	ListAuctions(ctx context.Context) ([]Auction, error)
}

// Manager holds live rooms and lazily creates one per referenced auction,
// seeding it from the registry.
type Manager struct {
	reg     Registry
	journal Journal
	sched   *Scheduler
	opts    RoomOptions
	logger  *log.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(reg Registry, journal Journal, sched *Scheduler, opts RoomOptions, logger *log.Logger) *Manager {
	return &Manager{
		reg:     reg,
		journal: journal,
		sched:   sched,
		opts:    opts,
		logger:  logger,
		rooms:   make(map[string]*Room),
	}
}

// RoomFor returns the live room for an auction, creating and rehydrating it
// on first reference. Fails with not_found for unknown auctions and
// auction_not_open for auctions that are already closed; closed auctions
// are served from the durable store, never from live room memory.
//
// The registry reads run outside the lock so a slow store round-trip for
// one auction never stalls lookups for the rest. Concurrent first
// references may fetch twice; the re-check under the lock keeps one room
// per auction.
func (m *Manager) RoomFor(ctx context.Context, auctionID string) (*Room, error) {
	if r, ok := m.liveRoom(auctionID); ok {
		return r, nil
	}

	cfg, err := m.reg.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if cfg.Status == StatusClosed {
		return nil, NewError(CodeAuctionNotOpen, "auction is already closed")
	}
	if cfg.StatusAt(now) == StatusClosed {
		// Stored status lags reality (e.g. crash before the close was
		// persisted). Repair instead of opening a room.
		if m.journal != nil {
			m.journal.RecordStatus(auctionID, StatusClosed)
		}
		return nil, NewError(CodeAuctionNotOpen, "auction is already closed")
	}

	last, err := m.reg.LatestBid(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[auctionID]; ok {
		select {
		case <-r.Done():
			delete(m.rooms, auctionID)
		default:
			return r, nil // lost the creation race; first one wins
		}
	}
	r := newRoom(cfg, last, m.journal, m.opts, now)
	m.logger.Printf("room created: auction=%s status=%s price=%s seq=%d",
		cfg.ID, r.status, r.currentPrice, r.sequence)
	go r.run()
	m.rooms[auctionID] = r
	if m.sched != nil {
		m.sched.Watch(r)
	}
	return r, nil
}

// liveRoom returns the cached room for an auction, dropping it from the map
// if it has terminated.
func (m *Manager) liveRoom(auctionID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[auctionID]
	if !ok {
		return nil, false
	}
	select {
	case <-r.Done():
		delete(m.rooms, auctionID)
		return nil, false
	default:
		return r, true
	}
}

// Activate ensures a room and its timers exist for an auction. Used after
// creation and by the recovery pass.
func (m *Manager) Activate(ctx context.Context, auctionID string) error {
	_, err := m.RoomFor(ctx, auctionID)
	return err
}

// CloseAuction forces an administrative close. Idempotent: closing an
// already-closed auction is a no-op.
func (m *Manager) CloseAuction(ctx context.Context, auctionID string) error {
	r, err := m.RoomFor(ctx, auctionID)
	if err != nil {
		if CodeOf(err) == CodeAuctionNotOpen {
			return nil
		}
		return err
	}
	return r.CloseNow(ctx)
}

// Recover re-creates rooms and boundary timers for every non-closed auction
// in the registry. Run once at startup so transitions survive restarts.
func (m *Manager) Recover(ctx context.Context) error {
	auctions, err := m.reg.ListAuctions(ctx)
	if err != nil {
		return err
	}
	var n int
	for i := range auctions {
		a := &auctions[i]
		if a.Status == StatusClosed {
			continue
		}
		if err := m.Activate(ctx, a.ID); err != nil {
			if CodeOf(err) == CodeAuctionNotOpen {
				continue // repaired to closed during activation
			}
			m.logger.Printf("recover: auction=%s: %v", a.ID, err)
			continue
		}
		n++
	}
	m.logger.Printf("recovery pass complete: %d room(s) active", n)
	return nil
}

// Run sweeps terminated rooms until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rooms {
		select {
		case <-r.Done():
			delete(m.rooms, id)
			m.logger.Printf("room evicted: auction=%s", id)
		default:
		}
	}
}
