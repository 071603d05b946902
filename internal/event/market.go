package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type AccrueInterest struct {
	Header
	Market string `json:"market"`
}

func (c *AccrueInterest) EventType() EventType { return EventTypeAccrueInterest }
func (c *AccrueInterest) MarketID() *string    { return marketRef(c.Market) }

// Mint supplies underlying. On a collateral market it is a deposit.
type Mint struct {
	Header
	Market    string      `json:"market"`
	Minter    uuid.UUID   `json:"minter"`
	Amount    uint256.Int `json:"amount"`
	Recipient uuid.UUID   `json:"recipient"`
}

func (c *Mint) EventType() EventType { return EventTypeMint }
func (c *Mint) MarketID() *string    { return marketRef(c.Market) }

type Redeem struct {
	Header
	Market   string      `json:"market"`
	Redeemer uuid.UUID   `json:"redeemer"`
	Shares   uint256.Int `json:"shares"`
}

func (c *Redeem) EventType() EventType { return EventTypeRedeem }
func (c *Redeem) MarketID() *string    { return marketRef(c.Market) }

type RedeemUnderlying struct {
	Header
	Market   string      `json:"market"`
	Redeemer uuid.UUID   `json:"redeemer"`
	Amount   uint256.Int `json:"amount"`
}

func (c *RedeemUnderlying) EventType() EventType { return EventTypeRedeemUnderlying }
func (c *RedeemUnderlying) MarketID() *string    { return marketRef(c.Market) }

type Borrow struct {
	Header
	Market    string      `json:"market"`
	Borrower  uuid.UUID   `json:"borrower"`
	Amount    uint256.Int `json:"amount"`
	Recipient uuid.UUID   `json:"recipient"`
}

func (c *Borrow) EventType() EventType { return EventTypeBorrow }
func (c *Borrow) MarketID() *string    { return marketRef(c.Market) }

// Repay pays down a borrow. A zero Amount repays the whole balance.
type Repay struct {
	Header
	Market   string      `json:"market"`
	Payer    uuid.UUID   `json:"payer"`
	Borrower uuid.UUID   `json:"borrower"`
	Amount   uint256.Int `json:"amount"`
}

func (c *Repay) EventType() EventType { return EventTypeRepay }
func (c *Repay) MarketID() *string    { return marketRef(c.Market) }

type Transfer struct {
	Header
	Market string      `json:"market"`
	From   uuid.UUID   `json:"from"`
	To     uuid.UUID   `json:"to"`
	Shares uint256.Int `json:"shares"`
}

func (c *Transfer) EventType() EventType { return EventTypeTransfer }
func (c *Transfer) MarketID() *string    { return marketRef(c.Market) }

type TransferFrom struct {
	Header
	Market  string      `json:"market"`
	Spender uuid.UUID   `json:"spender"`
	From    uuid.UUID   `json:"from"`
	To      uuid.UUID   `json:"to"`
	Shares  uint256.Int `json:"shares"`
}

func (c *TransferFrom) EventType() EventType { return EventTypeTransferFrom }
func (c *TransferFrom) MarketID() *string    { return marketRef(c.Market) }

type Approve struct {
	Header
	Market  string      `json:"market"`
	Owner   uuid.UUID   `json:"owner"`
	Spender uuid.UUID   `json:"spender"`
	Amount  uint256.Int `json:"amount"`
}

func (c *Approve) EventType() EventType { return EventTypeApprove }
func (c *Approve) MarketID() *string    { return marketRef(c.Market) }

// LiquidateUser is partitioned on the debt market.
type LiquidateUser struct {
	Header
	Market           string      `json:"market"`
	CollateralMarket string      `json:"collateral_market"`
	Liquidator       uuid.UUID   `json:"liquidator"`
	Borrower         uuid.UUID   `json:"borrower"`
	RepayAmount      uint256.Int `json:"repay_amount"`
}

func (c *LiquidateUser) EventType() EventType { return EventTypeLiquidateUser }
func (c *LiquidateUser) MarketID() *string    { return marketRef(c.Market) }

type BorrowForPositionFolding struct {
	Header
	Market string      `json:"market"`
	Caller uuid.UUID   `json:"caller"`
	User   uuid.UUID   `json:"user"`
	Amount uint256.Int `json:"amount"`
}

func (c *BorrowForPositionFolding) EventType() EventType { return EventTypeBorrowForPositionFolding }
func (c *BorrowForPositionFolding) MarketID() *string    { return marketRef(c.Market) }

type RepayForPositionFolding struct {
	Header
	Market string      `json:"market"`
	Caller uuid.UUID   `json:"caller"`
	User   uuid.UUID   `json:"user"`
	Amount uint256.Int `json:"amount"`
}

func (c *RepayForPositionFolding) EventType() EventType { return EventTypeRepayForPositionFolding }
func (c *RepayForPositionFolding) MarketID() *string    { return marketRef(c.Market) }

type AddReserves struct {
	Header
	Market string      `json:"market"`
	Caller uuid.UUID   `json:"caller"`
	Amount uint256.Int `json:"amount"`
}

func (c *AddReserves) EventType() EventType { return EventTypeAddReserves }
func (c *AddReserves) MarketID() *string    { return marketRef(c.Market) }

type ReduceReserves struct {
	Header
	Market string      `json:"market"`
	Caller uuid.UUID   `json:"caller"`
	Amount uint256.Int `json:"amount"`
}

func (c *ReduceReserves) EventType() EventType { return EventTypeReduceReserves }
func (c *ReduceReserves) MarketID() *string    { return marketRef(c.Market) }

type SetReserveFactor struct {
	Header
	Market string      `json:"market"`
	Caller uuid.UUID   `json:"caller"`
	Factor uint256.Int `json:"factor"`
}

func (c *SetReserveFactor) EventType() EventType { return EventTypeSetReserveFactor }
func (c *SetReserveFactor) MarketID() *string    { return marketRef(c.Market) }

type ClaimRewards struct {
	Header
	Market  string    `json:"market"`
	Account uuid.UUID `json:"account"`
}

func (c *ClaimRewards) EventType() EventType { return EventTypeClaimRewards }
func (c *ClaimRewards) MarketID() *string    { return marketRef(c.Market) }
