package auction

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// View is the slice of room state a bid is evaluated against. It is always
// built inside the room's serialized loop, so it is never stale relative to
// a concurrently accepted bid.
type View struct {
	Status       Status
	SellerUserID string
	CurrentPrice decimal.Decimal
	MinIncrement decimal.Decimal
	MaxIncrement decimal.Decimal
}

// Evaluate decides accept/reject for one bid and returns the new price on
// accept. Pure: no I/O, no broadcast, no mutation.
func Evaluate(v View, userID string, increment decimal.Decimal) (decimal.Decimal, error) {
	if v.Status != StatusOpen {
		return decimal.Zero, NewError(CodeAuctionNotOpen, "auction is not open for bidding")
	}
	if userID == v.SellerUserID {
		return decimal.Zero, NewError(CodeSellerNotAllowed, "seller cannot bid on own auction")
	}
	if increment.LessThan(v.MinIncrement) || increment.GreaterThan(v.MaxIncrement) {
		return decimal.Zero, NewError(CodeIncrementOutOfRange,
			fmt.Sprintf("increment must be between %s and %s", v.MinIncrement, v.MaxIncrement))
	}
	return v.CurrentPrice.Add(increment), nil
}
