package settlement

import "fmt"

// SettlementError represents a settlement-specific error
type SettlementError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SettlementError) Unwrap() error {
	if cause, ok := e.Details["cause"].(error); ok {
		return cause
	}
	return nil
}

// Common error codes
const (
	ErrCodeInvalidVoucher   = "invalid_voucher"
	ErrCodeVoucherExpired   = "voucher_expired"
	ErrCodeVoucherVoided    = "voucher_voided"
	ErrCodeBuyerRestricted  = "buyer_restricted"
	ErrCodeSignatureInvalid = "signature_invalid"
	ErrCodeUnderpayment     = "underpayment"
	ErrCodeNotAuthorized    = "not_authorized"
	ErrCodeRoyaltyLookup    = "royalty_lookup_failed"
	ErrCodeAuctionState     = "auction_state"
	ErrCodeSettlementFailed = "settlement_failed"
)

// NewSettlementError creates a new settlement error
func NewSettlementError(code, message string, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// wrapError wraps a collaborator failure under a settlement error code while
// keeping the cause reachable through errors.Is/As.
func wrapError(code, message string, cause error) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: map[string]interface{}{"cause": cause},
	}
}
