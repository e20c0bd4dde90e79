package auction

import "errors"

// Code classifies engine errors for the wire. Validation failures are
// terminal for the single request and never touch room state.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeForbidden           Code = "forbidden"
	CodeSellerNotAllowed    Code = "seller_not_allowed"
	CodeAuctionNotOpen      Code = "auction_not_open"
	CodeIncrementOutOfRange Code = "increment_out_of_range"
	CodeTimeout             Code = "timeout"
	CodeInternal            Code = "internal"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds a coded engine error.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// CodeOf extracts the engine code from err, or empty for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
