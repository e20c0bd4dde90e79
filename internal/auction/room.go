package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Journal receives accepted bids and terminal status changes for durable
// recording. Implementations must not block: the room fires and forgets,
// and a store failure never rolls back the in-memory price.
type Journal interface {
	RecordBid(Bid)
	RecordStatus(auctionID string, status Status)
}

// RoomOptions tunes queueing and lifecycle behavior; zero values get
// production defaults.
type RoomOptions struct {
	// QueueTimeout bounds how long Join/SubmitBid wait for admission to the
	// room's queue. Backpressure valve, not a correctness mechanism.
	QueueTimeout time.Duration
	// GracePeriod keeps a closed, empty room alive before eviction.
	GracePeriod time.Duration
	// ResyncInterval is the cadence of the periodic PriceTick broadcast.
	ResyncInterval time.Duration
}

func (o RoomOptions) withDefaults() RoomOptions {
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 3 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = time.Minute
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = time.Second
	}
	return o
}

// Room is the single point of truth for one auction's live price and
// membership. All mutation funnels through one goroutine reading the input
// channel; scheduler ticks ride the same queue as bids, so timing and
// bidding never race each other.
type Room struct {
	cfg     *Auction
	journal Journal
	opts    RoomOptions

	input chan command
	done  chan struct{}

	// Everything below is owned by the run goroutine.
	status       Status
	currentPrice decimal.Decimal
	lastBid      *Bid
	sequence     int64
	reminderSent bool
	closedAt     time.Time
	members      map[string]*member
}

type member struct {
	userID string
	out    chan<- Envelope
}

type command interface{ isCommand() }

type joinCmd struct {
	userID, connID string
	out            chan<- Envelope
	resp           chan joinResp
}
type joinResp struct {
	snap Snapshot
	err  error
}
type leaveCmd struct{ connID string }
type bidCmd struct {
	userID, connID string
	increment      decimal.Decimal
	resp           chan bidResp
}
type bidResp struct {
	bid Bid
	err error
}
type snapCmd struct{ resp chan Snapshot }
type tickCmd struct{ now time.Time }
type closeCmd struct{ resp chan error }

func (joinCmd) isCommand()  {}
func (leaveCmd) isCommand() {}
func (bidCmd) isCommand()   {}
func (snapCmd) isCommand()  {}
func (tickCmd) isCommand()  {}
func (closeCmd) isCommand() {}

// newRoom seeds a room from config plus the latest persisted bid, if any.
// now decides the initial time-derived status; a reminder checkpoint that
// has already passed is marked sent rather than fired late.
func newRoom(cfg *Auction, last *Bid, journal Journal, opts RoomOptions, now time.Time) *Room {
	r := &Room{
		cfg:          cfg,
		journal:      journal,
		opts:         opts.withDefaults(),
		input:        make(chan command, 1024),
		done:         make(chan struct{}),
		status:       cfg.StatusAt(now),
		currentPrice: cfg.StartingPrice,
		members:      make(map[string]*member),
	}
	if cfg.Status == StatusClosed {
		r.status = StatusClosed
	}
	if r.status == StatusClosed {
		r.closedAt = now
	}
	if last != nil {
		b := *last
		r.lastBid = &b
		r.currentPrice = b.Amount
		r.sequence = b.Sequence
	}
	if cfg.SecondEndTime != nil && !now.Before(*cfg.SecondEndTime) {
		r.reminderSent = true
	}
	return r
}

func (r *Room) run() {
	resync := time.NewTicker(r.opts.ResyncInterval)
	defer resync.Stop()
	defer r.drain()
	for {
		select {
		case c := <-r.input:
			r.handle(c)
		case <-resync.C:
			now := time.Now().UTC()
			// Belt alongside the scheduler: the ticker also advances the
			// state machine, so a lost Tick cannot strand an auction open.
			r.advance(now)
			if len(r.members) > 0 && r.status != StatusClosed {
				r.broadcast(Envelope{Type: TypePriceTick, Payload: r.snapshot()})
			}
			if r.expired(now) {
				return
			}
		}
	}
}

// drain fails queued commands after the loop exits so callers never hang.
func (r *Room) drain() {
	close(r.done)
	for id, m := range r.members {
		delete(r.members, id)
		close(m.out)
	}
	for {
		select {
		case c := <-r.input:
			switch cmd := c.(type) {
			case joinCmd:
				cmd.resp <- joinResp{err: NewError(CodeNotFound, "auction room is gone")}
			case bidCmd:
				cmd.resp <- bidResp{err: NewError(CodeAuctionNotOpen, "auction is not open for bidding")}
			case snapCmd:
				cmd.resp <- Snapshot{}
			case closeCmd:
				cmd.resp <- nil
			}
		default:
			return
		}
	}
}

func (r *Room) expired(now time.Time) bool {
	return r.status == StatusClosed && len(r.members) == 0 && now.Sub(r.closedAt) >= r.opts.GracePeriod
}

func (r *Room) handle(c command) {
	switch cmd := c.(type) {
	case joinCmd:
		cmd.resp <- r.join(cmd)
	case leaveCmd:
		r.leave(cmd.connID)
	case bidCmd:
		cmd.resp <- r.processBid(cmd)
	case snapCmd:
		cmd.resp <- r.snapshot()
	case tickCmd:
		r.advance(cmd.now)
	case closeCmd:
		if r.status != StatusClosed {
			r.transitionClosed(time.Now().UTC())
		}
		cmd.resp <- nil
	}
}

func (r *Room) join(cmd joinCmd) joinResp {
	if cmd.userID == r.cfg.SellerUserID {
		return joinResp{err: NewError(CodeForbidden, "seller cannot join own auction")}
	}
	// Re-joining with a known connection is a no-op resync.
	if _, ok := r.members[cmd.connID]; !ok {
		r.members[cmd.connID] = &member{userID: cmd.userID, out: cmd.out}
	}
	return joinResp{snap: r.snapshot()}
}

func (r *Room) leave(connID string) {
	m, ok := r.members[connID]
	if !ok {
		return
	}
	delete(r.members, connID)
	close(m.out)
}

func (r *Room) processBid(cmd bidCmd) bidResp {
	view := View{
		Status:       r.status,
		SellerUserID: r.cfg.SellerUserID,
		CurrentPrice: r.currentPrice,
		MinIncrement: r.cfg.MinIncrement,
		MaxIncrement: r.cfg.MaxIncrement,
	}
	newPrice, err := Evaluate(view, cmd.userID, cmd.increment)
	if err != nil {
		return bidResp{err: err}
	}
	r.sequence++
	bid := Bid{
		ID:           uuid.NewString(),
		AuctionID:    r.cfg.ID,
		BidderUserID: cmd.userID,
		Amount:       newPrice,
		Sequence:     r.sequence,
		AcceptedAt:   time.Now().UTC(),
	}
	r.currentPrice = newPrice
	r.lastBid = &bid
	if r.journal != nil {
		r.journal.RecordBid(bid)
	}
	r.broadcastCritical(Envelope{Type: TypeBidPlaced, Payload: BidPlaced{
		AuctionID:    bid.AuctionID,
		BidID:        bid.ID,
		BidderUserID: bid.BidderUserID,
		CurrentPrice: bid.Amount,
		Sequence:     bid.Sequence,
	}})
	return bidResp{bid: bid}
}

// advance moves the state machine to where now says it should be. Each
// transition has a watermark, so redundant ticks are harmless.
func (r *Room) advance(now time.Time) {
	if r.status == StatusPending && !now.Before(r.cfg.StartTime) {
		r.status = StatusOpen
		if r.journal != nil {
			r.journal.RecordStatus(r.cfg.ID, StatusOpen)
		}
		r.broadcastCritical(Envelope{Type: TypeAuctionUpdated, Payload: StatusChange{AuctionID: r.cfg.ID, Status: StatusOpen}})
	}
	if r.status == StatusOpen && !r.reminderSent && r.cfg.SecondEndTime != nil &&
		!now.Before(*r.cfg.SecondEndTime) && now.Before(r.cfg.EndTime) {
		r.reminderSent = true
		r.broadcast(Envelope{Type: TypeReceiveReminder, Payload: Reminder{
			AuctionID:        r.cfg.ID,
			SecondsRemaining: int64(r.cfg.EndTime.Sub(now).Seconds()),
		}})
	}
	if r.status != StatusClosed && !now.Before(r.cfg.EndTime) {
		r.transitionClosed(now)
	}
}

func (r *Room) transitionClosed(now time.Time) {
	r.status = StatusClosed
	r.closedAt = now
	if r.journal != nil {
		r.journal.RecordStatus(r.cfg.ID, StatusClosed)
	}
	r.broadcastCritical(Envelope{Type: TypeAuctionUpdated, Payload: StatusChange{AuctionID: r.cfg.ID, Status: StatusClosed}})
}

func (r *Room) snapshot() Snapshot {
	return Snapshot{
		AuctionID:    r.cfg.ID,
		CurrentPrice: r.currentPrice,
		MinIncrement: r.cfg.MinIncrement,
		Status:       r.status,
		Sequence:     r.sequence,
	}
}

// broadcast drops for slow members; they recover on the next resync tick.
func (r *Room) broadcast(msg Envelope) {
	for _, m := range r.members {
		select {
		case m.out <- msg:
		default:
		}
	}
}

// broadcastCritical never silently drops; slow members are evicted and must
// reconnect and resync.
func (r *Room) broadcastCritical(msg Envelope) {
	for id, m := range r.members {
		select {
		case m.out <- msg:
		default:
			delete(r.members, id)
			close(m.out)
		}
	}
}

// Config returns the room's immutable configuration.
func (r *Room) Config() *Auction { return r.cfg }

// Done closes when the room has terminated and been evicted.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) enqueue(ctx context.Context, c command) error {
	t := time.NewTimer(r.opts.QueueTimeout)
	defer t.Stop()
	select {
	case r.input <- c:
		return nil
	case <-t.C:
		return NewError(CodeTimeout, "auction queue admission timed out")
	case <-ctx.Done():
		return NewError(CodeTimeout, "request canceled before queue admission")
	case <-r.done:
		return NewError(CodeNotFound, "auction room is gone")
	}
}

// awaitResp waits for the room to answer a queued command. Admission can win
// a race against termination and land a command nobody will read, so the
// wait also watches done. A response from the live loop is buffered before
// done can close, so the recheck never turns a processed command into an
// error; a command stranded by termination fails promptly instead of
// blocking forever.
func awaitResp[T any](r *Room, resp <-chan T) (T, bool) {
	select {
	case v := <-resp:
		return v, true
	case <-r.done:
		select {
		case v := <-resp:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

// Join registers a connection for broadcast and returns the current state.
// Idempotent per connection. The room owns out from here on and closes it
// on Leave, eviction, or room termination.
func (r *Room) Join(ctx context.Context, userID, connID string, out chan<- Envelope) (Snapshot, error) {
	cmd := joinCmd{userID: userID, connID: connID, out: out, resp: make(chan joinResp, 1)}
	if err := r.enqueue(ctx, cmd); err != nil {
		return Snapshot{}, err
	}
	resp, ok := awaitResp(r, cmd.resp)
	if !ok {
		return Snapshot{}, NewError(CodeNotFound, "auction room is gone")
	}
	return resp.snap, resp.err
}

// Leave removes a connection; no error if absent.
func (r *Room) Leave(connID string) {
	select {
	case r.input <- leaveCmd{connID: connID}:
	case <-r.done:
	}
}

// SubmitBid enqueues a bid. Validation happens at processing time, strictly
// after every earlier-enqueued operation on this room.
func (r *Room) SubmitBid(ctx context.Context, userID, connID string, increment decimal.Decimal) (Bid, error) {
	cmd := bidCmd{userID: userID, connID: connID, increment: increment, resp: make(chan bidResp, 1)}
	if err := r.enqueue(ctx, cmd); err != nil {
		return Bid{}, err
	}
	resp, ok := awaitResp(r, cmd.resp)
	if !ok {
		return Bid{}, NewError(CodeAuctionNotOpen, "auction is not open for bidding")
	}
	return resp.bid, resp.err
}

// Snapshot returns the current price state for resync.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	cmd := snapCmd{resp: make(chan Snapshot, 1)}
	if err := r.enqueue(ctx, cmd); err != nil {
		return Snapshot{}, err
	}
	snap, ok := awaitResp(r, cmd.resp)
	if !ok {
		return Snapshot{}, NewError(CodeNotFound, "auction room is gone")
	}
	return snap, nil
}

// Tick asks the room to evaluate time-based transitions. Non-blocking: a
// dropped tick is recovered by the next one or by the resync ticker.
func (r *Room) Tick(now time.Time) {
	select {
	case r.input <- tickCmd{now: now}:
	default:
	}
}

// CloseNow forces an administrative close. Idempotent: a room that already
// terminated was closed first, so the no-op succeeds.
func (r *Room) CloseNow(ctx context.Context) error {
	cmd := closeCmd{resp: make(chan error, 1)}
	if err := r.enqueue(ctx, cmd); err != nil {
		if CodeOf(err) == CodeNotFound {
			return nil
		}
		return err
	}
	err, ok := awaitResp(r, cmd.resp)
	if !ok {
		return nil
	}
	return err
}
