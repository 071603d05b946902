// Package oracle resolves asset prices for the risk policy.
package oracle

import (
	"errors"
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/holiman/uint256"
)

// ErrorCode grades a price. Callers decide which grade they tolerate.
type ErrorCode uint8

const (
	NoError ErrorCode = iota
	Caution
	BadSource
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "ok"
	case Caution:
		return "caution"
	case BadSource:
		return "bad_source"
	default:
		return "unknown"
	}
}

var (
	ErrBadPrice    = errors.New("oracle: price unusable")
	ErrUnknownFeed = errors.New("oracle: unknown feed")
	ErrFutureTime  = errors.New("oracle: observation is in the future")
)

const (
	FeedPrimary   = "primary"
	FeedSecondary = "secondary"
)

// Config bounds the freshness and agreement of feeds.
type Config struct {
	MaxAge       int64       // seconds
	MaxDeviation uint256.Int // 1e18-scaled fraction of the primary price
}

type feedPrice struct {
	Price     uint256.Int
	UpdatedAt int64
}

type feeds struct {
	primary   *feedPrice
	secondary *feedPrice
}

// Router keeps the latest primary and secondary price for each asset.
// Prices are 1e18-scaled in a common quote unit.
type Router struct {
	cfg    Config
	assets map[string]*feeds
}

func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg, assets: make(map[string]*feeds)}
}

// Update records a price observation from a feed. An observation older
// than the stored one is ignored; one stamped after tx.Now() is refused.
func (r *Router) Update(tx *txn.Tx, asset, feed string, price uint256.Int, updatedAt int64) error {
	if feed != FeedPrimary && feed != FeedSecondary {
		return fmt.Errorf("%w: %q", ErrUnknownFeed, feed)
	}
	if updatedAt > tx.Now() {
		return fmt.Errorf("%w: %s/%s at %d, now %d", ErrFutureTime, asset, feed, updatedAt, tx.Now())
	}
	f, ok := r.assets[asset]
	if !ok {
		f = &feeds{}
		txn.SetMap(tx, r.assets, asset, f)
	}

	stored := f.primary
	if feed == FeedSecondary {
		stored = f.secondary
	}
	if stored != nil && updatedAt < stored.UpdatedAt {
		return nil
	}

	next := &feedPrice{Price: price, UpdatedAt: updatedAt}
	if feed == FeedPrimary {
		txn.Set(tx, &f.primary, next)
	} else {
		txn.Set(tx, &f.secondary, next)
	}

	tx.Emit(&ledger.PriceUpdated{Asset: asset, Feed: feed, Price: price, UpdatedAt: updatedAt})
	return nil
}

// Price returns the primary price graded against staleness and the
// secondary feed. A BadSource price is still returned for diagnostics.
func (r *Router) Price(asset string, now int64) (uint256.Int, ErrorCode) {
	f, ok := r.assets[asset]
	if !ok || f.primary == nil {
		return uint256.Int{}, BadSource
	}
	p := f.primary
	if p.Price.IsZero() {
		return p.Price, BadSource
	}
	if r.cfg.MaxAge > 0 && now-p.UpdatedAt > r.cfg.MaxAge {
		return p.Price, BadSource
	}

	if s := f.secondary; s != nil && !s.Price.IsZero() &&
		(r.cfg.MaxAge == 0 || now-s.UpdatedAt <= r.cfg.MaxAge) {
		if r.deviates(p.Price, s.Price) {
			return p.Price, Caution
		}
	}
	return p.Price, NoError
}

// PriceAtLeast returns the price or ErrBadPrice when its grade reaches
// breakpoint.
func (r *Router) PriceAtLeast(asset string, now int64, breakpoint ErrorCode) (uint256.Int, error) {
	price, code := r.Price(asset, now)
	if code >= breakpoint {
		return uint256.Int{}, fmt.Errorf("%w: %s is %s", ErrBadPrice, asset, code)
	}
	return price, nil
}

func (r *Router) deviates(primary, secondary uint256.Int) bool {
	if r.cfg.MaxDeviation.IsZero() {
		return false
	}
	var diff uint256.Int
	if primary.Gt(&secondary) {
		diff.Sub(&primary, &secondary)
	} else {
		diff.Sub(&secondary, &primary)
	}
	limit, err := fpmath.MulWadDown(primary, r.cfg.MaxDeviation)
	if err != nil {
		return true
	}
	return diff.Gt(&limit)
}

// FeedState is one exported feed observation.
type FeedState struct {
	Asset     string      `json:"asset"`
	Feed      string      `json:"feed"`
	Price     uint256.Int `json:"price"`
	UpdatedAt int64       `json:"updated_at"`
}

// Export lists every feed observation. Order follows the caller-supplied
// asset list so snapshots stay deterministic.
func (r *Router) Export(assets []string) []FeedState {
	var out []FeedState
	for _, a := range assets {
		f, ok := r.assets[a]
		if !ok {
			continue
		}
		if f.primary != nil {
			out = append(out, FeedState{Asset: a, Feed: FeedPrimary, Price: f.primary.Price, UpdatedAt: f.primary.UpdatedAt})
		}
		if f.secondary != nil {
			out = append(out, FeedState{Asset: a, Feed: FeedSecondary, Price: f.secondary.Price, UpdatedAt: f.secondary.UpdatedAt})
		}
	}
	return out
}

// Import loads exported feed observations.
func (r *Router) Import(states []FeedState) error {
	r.assets = make(map[string]*feeds)
	for _, s := range states {
		f, ok := r.assets[s.Asset]
		if !ok {
			f = &feeds{}
			r.assets[s.Asset] = f
		}
		p := &feedPrice{Price: s.Price, UpdatedAt: s.UpdatedAt}
		switch s.Feed {
		case FeedPrimary:
			f.primary = p
		case FeedSecondary:
			f.secondary = p
		default:
			return fmt.Errorf("%w: %q", ErrUnknownFeed, s.Feed)
		}
	}
	return nil
}
