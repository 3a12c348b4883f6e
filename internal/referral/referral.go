// Package referral validates referrer eligibility for key purchases.
//
// A referrer earns a fee share only when it names a different user than the
// buyer and resolves to a real account. Anything else is treated as "no
// referrer" and the referrer share folds into the platform share.
package referral

import (
	"context"
	"fmt"
)

// Resolver answers whether a user id maps to an existing account.
// Backed by the platform's account service in production and a map in tests.
type Resolver interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Eligible returns the referrer id to credit, or "" when the supplied
// referrer does not qualify. An error is returned only when the resolver
// itself fails; a trade should not settle against an unverifiable referrer.
func Eligible(ctx context.Context, r Resolver, buyerID, referrerID string) (string, error) {
	if referrerID == "" || referrerID == buyerID {
		return "", nil
	}
	ok, err := r.Exists(ctx, referrerID)
	if err != nil {
		return "", fmt.Errorf("referral: resolve %s: %w", referrerID, err)
	}
	if !ok {
		return "", nil
	}
	return referrerID, nil
}

// StaticResolver is a fixed account set. Used in tests and development.
type StaticResolver map[string]bool

func (s StaticResolver) Exists(_ context.Context, userID string) (bool, error) {
	return s[userID], nil
}
