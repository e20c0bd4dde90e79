package auction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status of an auction. Derived from time by the room's state machine, but
// an administrative close can force Closed early.
type Status string

const (
	StatusPending Status = "Pending"
	StatusOpen    Status = "Open"
	StatusClosed  Status = "Closed"
)

// Auction is the immutable configuration of one auction plus its mutable
// status. Created externally; the engine only reads it.
type Auction struct {
	ID            string          `json:"auctionId"`
	SellerUserID  string          `json:"sellerUserId"`
	CropID        string          `json:"cropId"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	MinIncrement  decimal.Decimal `json:"minIncrement"`
	MaxIncrement  decimal.Decimal `json:"maxIncrement"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	SecondEndTime *time.Time      `json:"secondEndTime,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Validate checks the timing and pricing invariants of the configuration.
func (a *Auction) Validate() error {
	if a.ID == "" {
		return errors.New("auction id required")
	}
	if a.SellerUserID == "" {
		return errors.New("seller user id required")
	}
	if !a.EndTime.After(a.StartTime) {
		return errors.New("endTime must be after startTime")
	}
	if a.SecondEndTime != nil {
		if !a.SecondEndTime.After(a.StartTime) || !a.SecondEndTime.Before(a.EndTime) {
			return errors.New("secondEndTime must fall between startTime and endTime")
		}
	}
	if a.StartingPrice.IsNegative() {
		return errors.New("startingPrice must not be negative")
	}
	if !a.MinIncrement.IsPositive() {
		return errors.New("minIncrement must be positive")
	}
	if a.MaxIncrement.LessThan(a.MinIncrement) {
		return errors.New("maxIncrement must be >= minIncrement")
	}
	return nil
}

// StatusAt derives the time-based status, ignoring administrative closes.
func (a *Auction) StatusAt(now time.Time) Status {
	switch {
	case now.Before(a.StartTime):
		return StatusPending
	case now.Before(a.EndTime):
		return StatusOpen
	default:
		return StatusClosed
	}
}

// Bid is an accepted bid. Append-only; the engine assigns ID and Sequence.
type Bid struct {
	ID           string          `json:"bidId"`
	AuctionID    string          `json:"auctionId"`
	BidderUserID string          `json:"bidderUserId"`
	Amount       decimal.Decimal `json:"amount"`
	Sequence     int64           `json:"sequence"`
	AcceptedAt   time.Time       `json:"acceptedAt"`
}

// Snapshot is the broadcastable view of a room's live price state. Clients
// use Sequence, not timestamps, to order events and detect gaps.
type Snapshot struct {
	AuctionID    string          `json:"auctionId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	MinIncrement decimal.Decimal `json:"minIncrement"`
	Status       Status          `json:"status"`
	Sequence     int64           `json:"sequence"`
}

// Outbound event types carried by Envelope.
const (
	TypePriceTick       = "PriceTick"
	TypeBidPlaced       = "BidPlaced"
	TypeReceiveReminder = "ReceiveReminder"
	TypeAuctionUpdated  = "AuctionUpdated"
	TypeError           = "Error"
)

// Envelope wraps one outbound event for fan-out to room members.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// BidPlaced is broadcast exactly once per accepted bid, to every room
// member including the bidder.
type BidPlaced struct {
	AuctionID    string          `json:"auctionId"`
	BidID        string          `json:"bidId"`
	BidderUserID string          `json:"bidderUserId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Sequence     int64           `json:"sequence"`
}

// Reminder is broadcast once when an auction crosses its secondEndTime.
type Reminder struct {
	AuctionID        string `json:"auctionId"`
	SecondsRemaining int64  `json:"secondsRemaining"`
}

// StatusChange is broadcast on every state-machine transition.
type StatusChange struct {
	AuctionID string `json:"auctionId"`
	Status    Status `json:"status"`
}
