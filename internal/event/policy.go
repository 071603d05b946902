package event

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EnterMarkets may span several markets and is sequenced globally.
type EnterMarkets struct {
	Header
	Account uuid.UUID `json:"account"`
	Markets []string  `json:"markets"`
}

func (c *EnterMarkets) EventType() EventType { return EventTypeEnterMarkets }
func (c *EnterMarkets) MarketID() *string    { return nil }

type ExitMarket struct {
	Header
	Market  string    `json:"market"`
	Account uuid.UUID `json:"account"`
}

func (c *ExitMarket) EventType() EventType { return EventTypeExitMarket }
func (c *ExitMarket) MarketID() *string    { return marketRef(c.Market) }

type SetCollateralFactor struct {
	Header
	Market string      `json:"market"`
	Caller uuid.UUID   `json:"caller"`
	Factor uint256.Int `json:"factor"`
}

func (c *SetCollateralFactor) EventType() EventType { return EventTypeSetCollateralFactor }
func (c *SetCollateralFactor) MarketID() *string    { return marketRef(c.Market) }

// SetPaused flips a pause switch. Market is empty for the global transfer
// and seize switches.
type SetPaused struct {
	Header
	Market string    `json:"market,omitempty"`
	Caller uuid.UUID `json:"caller"`
	Action string    `json:"action"`
	Paused bool      `json:"paused"`
}

func (c *SetPaused) EventType() EventType { return EventTypeSetPaused }
func (c *SetPaused) MarketID() *string    { return marketRef(c.Market) }

// PriceUpdate is a feed observation. Sequence is the per-asset price
// sequence; gaps are tolerated and stale updates are ignored.
type PriceUpdate struct {
	Header
	Asset     string      `json:"asset"`
	Feed      string      `json:"feed"`
	Price     uint256.Int `json:"price"`
	UpdatedAt int64       `json:"updated_at"`
}

func (c *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:price:%d", c.Asset, c.Feed, c.Sequence)
}

func (c *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }
func (c *PriceUpdate) MarketID() *string    { return nil }

// Faucet issues underlying to an account. Test and devnet only.
type Faucet struct {
	Header
	Asset   string      `json:"asset"`
	Account uuid.UUID   `json:"account"`
	Amount  uint256.Int `json:"amount"`
}

func (c *Faucet) EventType() EventType { return EventTypeFaucet }
func (c *Faucet) MarketID() *string    { return nil }
