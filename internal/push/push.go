// Package push delivers data-only notifications to device tokens and keeps
// the device registry healthy by dropping tokens the provider rejects for
// good.
package push

import (
	"context"
	"errors"
)

// Category classifies a per-token delivery failure.
type Category string

const (
	CategoryUnregistered     Category = "unregistered"
	CategoryInvalidArgument  Category = "invalid-argument"
	CategorySenderIDMismatch Category = "sender-id-mismatch"
	CategoryBadRequest       Category = "bad-request"
	CategoryQuotaExceeded    Category = "quota-exceeded"
	CategoryUnavailable      Category = "unavailable"
	CategoryInternal         Category = "internal"
	CategoryThirdPartyAuth   Category = "third-party-auth"
	CategoryTimeout          Category = "timeout"
	CategoryUnknown          Category = "unknown"
)

// Permanent reports whether a token that failed with c will never succeed
// again and must be removed from its owner.
func (c Category) Permanent() bool {
	switch c {
	case CategoryUnregistered, CategoryInvalidArgument, CategorySenderIDMismatch, CategoryBadRequest:
		return true
	default:
		return false
	}
}

// Result is the outcome of delivering to one token.
type Result struct {
	Token    string
	Success  bool
	Category Category
	Err      error
}

// Provider sends one data-only message to many tokens and reports a result
// per token, in token order. A returned error means the whole call failed.
type Provider interface {
	SendMulticast(ctx context.Context, tokens []string, data map[string]string) ([]Result, error)
}

// TokenRegistry removes a device token from the user that owns it. Removing
// an absent token must succeed.
type TokenRegistry interface {
	RemoveDevice(ctx context.Context, userID, token string) error
}

// callCategory classifies an error that failed a whole provider call.
func callCategory(ctx context.Context, err error) Category {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if category := Classify(err); category != "" {
		return category
	}
	return CategoryUnknown
}
