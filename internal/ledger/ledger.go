// Package ledger holds the per-user daily token balance. Metered tiers carry
// a finite allocation that is charged atomically; unlimited tiers are never
// charged and their stored balance is never written by a deduction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// DailyAllocation is the balance a metered tier is reset to each billing day.
var DailyAllocation = map[Tier]int{
	TierFree: 100,
	TierPro:  500,
}

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// Unlimited reports whether the tier bypasses balance checks.
func (t Tier) Unlimited() bool {
	return t == TierPremium || t == TierEnterprise
}

// Balance is either Metered(n) or Unlimited. The zero value is Metered(0).
type Balance struct {
	unlimited bool
	tokens    int
}

func Metered(tokens int) Balance { return Balance{tokens: tokens} }

func Unlimited() Balance { return Balance{unlimited: true} }

func (b Balance) IsUnlimited() bool { return b.unlimited }

// Tokens returns the metered count. ok is false for an unlimited balance.
func (b Balance) Tokens() (n int, ok bool) {
	if b.unlimited {
		return 0, false
	}
	return b.tokens, true
}

// Covers reports whether amount can be charged against b.
func (b Balance) Covers(amount int) bool {
	return b.unlimited || b.tokens >= amount
}

func (b Balance) String() string {
	if b.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(b.tokens)
}

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Tier        Tier      `json:"tier"`
	DailyTokens int       `json:"dailyTokens"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Balance derives the user's balance from its tier and stored count.
func (u *User) Balance() Balance {
	if u.Tier.Unlimited() {
		return Unlimited()
	}
	return Metered(u.DailyTokens)
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	// GetUser returns ErrNotFound when no such user exists.
	GetUser(ctx context.Context, id string) (*User, error)
	SetTier(ctx context.Context, id string, tier Tier, dailyTokens int) error
	// DeductTokens subtracts amount from a metered user's balance in a single
	// conditional statement. ok is false when the row was not charged: the
	// balance was too low, the user is not metered or does not exist.
	DeductTokens(ctx context.Context, id string, amount int) (remaining int, ok bool, err error)
	// ResetAllocations sets every user of a tier in alloc to its count and
	// returns the number of rows written.
	ResetAllocations(ctx context.Context, alloc map[Tier]int) (int64, error)
	Close() error
}

// Ledger applies tier policy on top of a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

func (l *Ledger) Store() Store { return l.store }

// User returns the stored user record.
func (l *Ledger) User(ctx context.Context, userID string) (*User, error) {
	return l.store.GetUser(ctx, userID)
}

// DailyBalance returns the user's current allocation.
func (l *Ledger) DailyBalance(ctx context.Context, userID string) (Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return u.Balance(), nil
}

// Deduct charges amount against the user's balance and returns what is left.
// A metered user with too few tokens gets an *InsufficientBalanceError and
// the stored balance is left as it was.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int) (Balance, error) {
	if amount < 0 {
		return Balance{}, fmt.Errorf("%w: amount %d is negative", ErrInvalidArgument, amount)
	}

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if u.Tier.Unlimited() {
		return Unlimited(), nil
	}

	remaining, ok, err := l.store.DeductTokens(ctx, userID, amount)
	if err != nil {
		return Balance{}, fmt.Errorf("deduct tokens for %s: %w", userID, err)
	}
	if ok {
		l.logger.Debug("tokens deducted", "user_id", userID, "amount", amount, "remaining", remaining)
		return Metered(remaining), nil
	}

	// The conditional update did not match; re-read to report why.
	u, err = l.store.GetUser(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if u.Tier.Unlimited() {
		return Unlimited(), nil
	}
	return Balance{}, &InsufficientBalanceError{Current: u.DailyTokens, Required: amount}
}

// RefreshAllocations resets every metered user to its tier's daily
// allocation. Running it twice in a day has the same effect as once.
func (l *Ledger) RefreshAllocations(ctx context.Context) (int, error) {
	n, err := l.store.ResetAllocations(ctx, DailyAllocation)
	if err != nil {
		return 0, fmt.Errorf("refresh allocations: %w", err)
	}
	l.logger.Info("daily token allocations refreshed", "users", n)
	return int(n), nil
}

// RunRefresh calls RefreshAllocations every interval until ctx is done.
func (l *Ledger) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RefreshAllocations(ctx); err != nil {
				l.logger.Error("scheduled allocation refresh failed", "error", err)
			}
		}
	}
}

// CreateUser registers a user with the tier's starting allocation when
// DailyTokens is left at zero.
func (l *Ledger) CreateUser(ctx context.Context, u User) (*User, error) {
	if u.ID == "" || u.Email == "" {
		return nil, fmt.Errorf("%w: user id and email are required", ErrInvalidArgument)
	}
	if u.Tier == "" {
		u.Tier = TierFree
	}
	if !u.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, u.Tier)
	}
	if u.DailyTokens < 0 {
		return nil, fmt.Errorf("%w: negative balance", ErrInvalidArgument)
	}
	if u.DailyTokens == 0 {
		u.DailyTokens = DailyAllocation[u.Tier]
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if err := l.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetTier changes a user's tier and resets the stored balance to the new
// tier's allocation.
func (l *Ledger) SetTier(ctx context.Context, userID string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, tier)
	}
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return l.store.SetTier(ctx, userID, tier, DailyAllocation[tier])
}

// IsInsufficient unwraps an *InsufficientBalanceError from err.
func IsInsufficient(err error) (*InsufficientBalanceError, bool) {
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib, true
	}
	return nil, false
}
