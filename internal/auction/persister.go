package auction

import (
	"context"
	"log"
	"sync"
	"time"
)

// BidWriter is the durable append-only store behind the persister.
type BidWriter interface {
	AppendBid(ctx context.Context, b Bid) error
	UpdateAuctionStatus(ctx context.Context, auctionID string, status Status) error
}

// Persister is the background repair loop between rooms and the store.
// Rooms hand it accepted bids and status changes without waiting; writes
// are retried with backoff until they land (at-least-once). A failed write
// never rolls back the in-memory price the room already broadcast.
type Persister struct {
	store  BidWriter
	logger *log.Logger

	retryBase time.Duration

	mu    sync.Mutex
	queue []persistJob
	kick  chan struct{}
}

type persistJob struct {
	bid    *Bid
	status *StatusChange
}

func NewPersister(store BidWriter, logger *log.Logger) *Persister {
	return &Persister{
		store:     store,
		logger:    logger,
		retryBase: time.Second,
		kick:      make(chan struct{}, 1),
	}
}

func (p *Persister) RecordBid(b Bid) {
	p.push(persistJob{bid: &b})
}

func (p *Persister) RecordStatus(auctionID string, status Status) {
	p.push(persistJob{status: &StatusChange{AuctionID: auctionID, Status: status}})
}

func (p *Persister) push(j persistJob) {
	p.mu.Lock()
	p.queue = append(p.queue, j)
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Persister) pop() (persistJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return persistJob{}, false
	}
	j := p.queue[0]
	p.queue = p.queue[1:]
	return j, true
}

// Run drains the queue until ctx is done, retrying failed writes in order
// with capped exponential backoff.
func (p *Persister) Run(ctx context.Context) {
	const maxBackoff = 30 * time.Second
	for {
		j, ok := p.pop()
		if !ok {
			select {
			case <-p.kick:
				continue
			case <-ctx.Done():
				p.logShutdown()
				return
			}
		}
		backoff := p.retryBase
		for {
			if err := p.apply(ctx, j); err == nil {
				break
			} else {
				p.logger.Printf("persist failed, retrying in %s: %v", backoff, err)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				p.logShutdown()
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (p *Persister) apply(ctx context.Context, j persistJob) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	switch {
	case j.bid != nil:
		return p.store.AppendBid(ctx, *j.bid)
	case j.status != nil:
		return p.store.UpdateAuctionStatus(ctx, j.status.AuctionID, j.status.Status)
	}
	return nil
}

func (p *Persister) logShutdown() {
	p.mu.Lock()
	n := len(p.queue)
	p.mu.Unlock()
	if n > 0 {
		p.logger.Printf("persister stopping with %d unwritten record(s)", n)
	}
}
