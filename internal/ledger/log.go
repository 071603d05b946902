package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LogType identifies a protocol log emitted by a committed command
type LogType int32

const (
	LogTypeAccrueInterest LogType = iota
	LogTypeMint
	LogTypeRedeem
	LogTypeBorrow
	LogTypeRepay
	LogTypeTransfer
	LogTypeApproval
	LogTypeLiquidated
	LogTypeReservesAdded
	LogTypeReservesReduced
	LogTypeNewReserveFactor
	LogTypeMarketEntered
	LogTypeMarketExited
	LogTypePriceUpdated
	LogTypeRewardsClaimed
	LogTypeUnderlyingTransfer
)

func (t LogType) String() string {
	switch t {
	case LogTypeAccrueInterest:
		return "accrue_interest"
	case LogTypeMint:
		return "mint"
	case LogTypeRedeem:
		return "redeem"
	case LogTypeBorrow:
		return "borrow"
	case LogTypeRepay:
		return "repay"
	case LogTypeTransfer:
		return "transfer"
	case LogTypeApproval:
		return "approval"
	case LogTypeLiquidated:
		return "liquidated"
	case LogTypeReservesAdded:
		return "reserves_added"
	case LogTypeReservesReduced:
		return "reserves_reduced"
	case LogTypeNewReserveFactor:
		return "new_reserve_factor"
	case LogTypeMarketEntered:
		return "market_entered"
	case LogTypeMarketExited:
		return "market_exited"
	case LogTypePriceUpdated:
		return "price_updated"
	case LogTypeRewardsClaimed:
		return "rewards_claimed"
	case LogTypeUnderlyingTransfer:
		return "underlying_transfer"
	default:
		return "unknown"
	}
}

// Log is a single protocol log. Market returns "" for logs that are not
// scoped to one market (prices, underlying transfers).
type Log interface {
	LogType() LogType
	Market() string
}

type AccrueInterest struct {
	MarketID            string      `json:"market_id"`
	CashPrior           uint256.Int `json:"cash_prior"`
	InterestAccumulated uint256.Int `json:"interest_accumulated"`
	BorrowIndex         uint256.Int `json:"borrow_index"`
	TotalBorrows        uint256.Int `json:"total_borrows"`
}

type Mint struct {
	MarketID   string      `json:"market_id"`
	Minter     uuid.UUID   `json:"minter"`
	Recipient  uuid.UUID   `json:"recipient"`
	MintAmount uint256.Int `json:"mint_amount"`
	MintTokens uint256.Int `json:"mint_tokens"`
}

type Redeem struct {
	MarketID     string      `json:"market_id"`
	Redeemer     uuid.UUID   `json:"redeemer"`
	RedeemAmount uint256.Int `json:"redeem_amount"`
	RedeemTokens uint256.Int `json:"redeem_tokens"`
}

type Borrow struct {
	MarketID       string      `json:"market_id"`
	Borrower       uuid.UUID   `json:"borrower"`
	Recipient      uuid.UUID   `json:"recipient"`
	BorrowAmount   uint256.Int `json:"borrow_amount"`
	AccountBorrows uint256.Int `json:"account_borrows"`
	TotalBorrows   uint256.Int `json:"total_borrows"`
}

type Repay struct {
	MarketID       string      `json:"market_id"`
	Payer          uuid.UUID   `json:"payer"`
	Borrower       uuid.UUID   `json:"borrower"`
	RepayAmount    uint256.Int `json:"repay_amount"`
	AccountBorrows uint256.Int `json:"account_borrows"`
	TotalBorrows   uint256.Int `json:"total_borrows"`
}

// Transfer moves market shares. From is ZeroAccount on mint, To is
// ZeroAccount on redeem.
type Transfer struct {
	MarketID string      `json:"market_id"`
	From     uuid.UUID   `json:"from"`
	To       uuid.UUID   `json:"to"`
	Amount   uint256.Int `json:"amount"`
}

type Approval struct {
	MarketID string      `json:"market_id"`
	Owner    uuid.UUID   `json:"owner"`
	Spender  uuid.UUID   `json:"spender"`
	Amount   uint256.Int `json:"amount"`
}

// Liquidated is emitted by the debt market once repay and seize both landed.
type Liquidated struct {
	MarketID         string      `json:"market_id"`
	Liquidator       uuid.UUID   `json:"liquidator"`
	Borrower         uuid.UUID   `json:"borrower"`
	RepayAmount      uint256.Int `json:"repay_amount"`
	CollateralMarket string      `json:"collateral_market"`
	SeizeTokens      uint256.Int `json:"seize_tokens"`
}

type ReservesAdded struct {
	MarketID      string      `json:"market_id"`
	Benefactor    uuid.UUID   `json:"benefactor"`
	AddAmount     uint256.Int `json:"add_amount"`
	TotalReserves uint256.Int `json:"total_reserves"`
}

type ReservesReduced struct {
	MarketID      string      `json:"market_id"`
	Admin         uuid.UUID   `json:"admin"`
	ReduceAmount  uint256.Int `json:"reduce_amount"`
	TotalReserves uint256.Int `json:"total_reserves"`
}

type NewReserveFactor struct {
	MarketID string      `json:"market_id"`
	Old      uint256.Int `json:"old"`
	New      uint256.Int `json:"new"`
}

type MarketEntered struct {
	MarketID string    `json:"market_id"`
	Account  uuid.UUID `json:"account"`
}

type MarketExited struct {
	MarketID string    `json:"market_id"`
	Account  uuid.UUID `json:"account"`
}

type PriceUpdated struct {
	Asset     string      `json:"asset"`
	Feed      string      `json:"feed"`
	Price     uint256.Int `json:"price"`
	UpdatedAt int64       `json:"updated_at"`
}

type RewardsClaimed struct {
	MarketID string      `json:"market_id"`
	Account  uuid.UUID   `json:"account"`
	Amount   uint256.Int `json:"amount"`
}

// UnderlyingTransfer is a movement on an underlying asset ledger.
type UnderlyingTransfer struct {
	Asset  string      `json:"asset"`
	From   uuid.UUID   `json:"from"`
	To     uuid.UUID   `json:"to"`
	Amount uint256.Int `json:"amount"`
}

func (*AccrueInterest) LogType() LogType     { return LogTypeAccrueInterest }
func (*Mint) LogType() LogType               { return LogTypeMint }
func (*Redeem) LogType() LogType             { return LogTypeRedeem }
func (*Borrow) LogType() LogType             { return LogTypeBorrow }
func (*Repay) LogType() LogType              { return LogTypeRepay }
func (*Transfer) LogType() LogType           { return LogTypeTransfer }
func (*Approval) LogType() LogType           { return LogTypeApproval }
func (*Liquidated) LogType() LogType         { return LogTypeLiquidated }
func (*ReservesAdded) LogType() LogType      { return LogTypeReservesAdded }
func (*ReservesReduced) LogType() LogType    { return LogTypeReservesReduced }
func (*NewReserveFactor) LogType() LogType   { return LogTypeNewReserveFactor }
func (*MarketEntered) LogType() LogType      { return LogTypeMarketEntered }
func (*MarketExited) LogType() LogType       { return LogTypeMarketExited }
func (*PriceUpdated) LogType() LogType       { return LogTypePriceUpdated }
func (*RewardsClaimed) LogType() LogType     { return LogTypeRewardsClaimed }
func (*UnderlyingTransfer) LogType() LogType { return LogTypeUnderlyingTransfer }

func (l *AccrueInterest) Market() string     { return l.MarketID }
func (l *Mint) Market() string               { return l.MarketID }
func (l *Redeem) Market() string             { return l.MarketID }
func (l *Borrow) Market() string             { return l.MarketID }
func (l *Repay) Market() string              { return l.MarketID }
func (l *Transfer) Market() string           { return l.MarketID }
func (l *Approval) Market() string           { return l.MarketID }
func (l *Liquidated) Market() string         { return l.MarketID }
func (l *ReservesAdded) Market() string      { return l.MarketID }
func (l *ReservesReduced) Market() string    { return l.MarketID }
func (l *NewReserveFactor) Market() string   { return l.MarketID }
func (l *MarketEntered) Market() string      { return l.MarketID }
func (l *MarketExited) Market() string       { return l.MarketID }
func (*PriceUpdated) Market() string         { return "" }
func (l *RewardsClaimed) Market() string     { return l.MarketID }
func (*UnderlyingTransfer) Market() string   { return "" }
