package settlement

import (
	"context"
	"time"
)

// RedeemContext contains information passed to redeem hooks
type RedeemContext struct {
	Ctx       context.Context
	Request   RedeemRequest
	Digest    [32]byte
	Timestamp time.Time
}

// RedeemResultContext contains redeem operation result and context
type RedeemResultContext struct {
	RedeemContext
	Result   *RedeemResult
	Duration time.Duration
}

// RedeemFailureContext contains redeem operation failure and context
type RedeemFailureContext struct {
	RedeemContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// RedeemFailureHookResult represents the result of a redeem failure hook
// If Recovered is true, the hook has recovered from the failure with the
// given result
type RedeemFailureHookResult struct {
	Recovered bool
	Result    *RedeemResult
}

// BeforeRedeemHook is called before voucher redemption, after the digest is
// computed but before any check or state change. If it returns a result with
// Abort=true, redemption is rejected with the provided reason.
type BeforeRedeemHook func(RedeemContext) (*BeforeHookResult, error)

// AfterRedeemHook is called after successful voucher redemption
// Any error returned will be logged but will not affect the redemption result
type AfterRedeemHook func(RedeemResultContext) error

// OnRedeemFailureHook is called when voucher redemption fails
// If it returns a result with Recovered=true, the provided RedeemResult
// will be returned instead of the error
type OnRedeemFailureHook func(RedeemFailureContext) (*RedeemFailureHookResult, error)

// WithBeforeRedeemHook registers a hook to execute before voucher redemption
func WithBeforeRedeemHook(hook BeforeRedeemHook) ServiceOption {
	return func(s *Service) {
		s.beforeRedeemHooks = append(s.beforeRedeemHooks, hook)
	}
}

// WithAfterRedeemHook registers a hook to execute after successful voucher redemption
func WithAfterRedeemHook(hook AfterRedeemHook) ServiceOption {
	return func(s *Service) {
		s.afterRedeemHooks = append(s.afterRedeemHooks, hook)
	}
}

// WithOnRedeemFailureHook registers a hook to execute when voucher redemption fails
func WithOnRedeemFailureHook(hook OnRedeemFailureHook) ServiceOption {
	return func(s *Service) {
		s.onRedeemFailureHooks = append(s.onRedeemFailureHooks, hook)
	}
}
