package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope is the namespace an account identifier belongs to.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeSystem
)

// ZeroAccount is the mint source and redeem sink for share transfers.
var ZeroAccount = uuid.Nil

var (
	marketNamespace = uuid.MustParse("0b6a5e2c-91d4-5f7a-8c3e-6d2f1a4b9e05")
	systemNamespace = uuid.MustParse("d3f0a1b2-4c5d-5e6f-8a9b-0c1d2e3f4a5b")
)

// MarketAccount is the deterministic identity that custodies a market's
// underlying cash.
func MarketAccount(marketID string) uuid.UUID {
	return uuid.NewSHA1(marketNamespace, []byte(strings.ToLower(marketID)))
}

// SystemAccount is the deterministic identity of a protocol-owned account,
// such as the gauge reward treasury.
func SystemAccount(name string) uuid.UUID {
	return uuid.NewSHA1(systemNamespace, []byte(name))
}

// AccountPath renders an identity for logs and storage.
func AccountPath(scope AccountScope, id uuid.UUID, label string) string {
	switch scope {
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s", label)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", label)
	default:
		return fmt.Sprintf("user:%s", id.String())
	}
}
