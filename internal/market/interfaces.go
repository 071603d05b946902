package market

import (
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type TokenType uint8

const (
	TokenTypeDebt TokenType = iota + 1
	TokenTypeCollateral
)

func (t TokenType) String() string {
	switch t {
	case TokenTypeDebt:
		return "debt"
	case TokenTypeCollateral:
		return "collateral"
	default:
		return "unknown"
	}
}

// RiskPolicy authorizes every state change a market makes. A non-nil error
// is a denial and aborts the enclosing command.
type RiskPolicy interface {
	MintAllowed(tx *txn.Tx, market string, recipient uuid.UUID) error
	RedeemAllowed(tx *txn.Tx, market string, account uuid.UUID, shares uint256.Int) error
	BorrowAllowed(tx *txn.Tx, market string, borrower uuid.UUID, amount uint256.Int) error
	RepayAllowed(tx *txn.Tx, market string, borrower uuid.UUID) error
	TransferAllowed(tx *txn.Tx, market string, from uuid.UUID, shares uint256.Int) error
	LiquidateUserAllowed(tx *txn.Tx, debtMarket, collateralMarket string, borrower uuid.UUID, repayAmount uint256.Int) error
	SeizeAllowed(tx *txn.Tx, collateralMarket, debtMarket string) error
	CalculateSeizeTokens(tx *txn.Tx, debtMarket, collateralMarket string, actualRepaid uint256.Int) (uint256.Int, error)
	NotifyAccountBorrow(tx *txn.Tx, market string, borrower uuid.UUID) error
	// PositionFolding is the only caller allowed to use the folding entry
	// points. uuid.Nil disables them.
	PositionFolding() uuid.UUID
}

// Gauge is told about every share balance change.
type Gauge interface {
	Deposit(tx *txn.Tx, market string, account uuid.UUID, amount uint256.Int) error
	Withdraw(tx *txn.Tx, market string, account uuid.UUID, amount uint256.Int) error
}

// Underlying is the asset a market custodies.
type Underlying interface {
	Symbol() string
	BalanceOf(account uuid.UUID) uint256.Int
	TransferIn(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) (uint256.Int, error)
	TransferOut(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) error
}

// Collateral is the side of a liquidation that gives up shares.
type Collateral interface {
	ID() string
	TokenType() TokenType
	BalanceOf(account uuid.UUID) uint256.Int
	Seize(tx *txn.Tx, seizerMarket string, liquidator, borrower uuid.UUID, shares uint256.Int) error
}

// AccountSnapshot is what the risk policy needs to value a position.
type AccountSnapshot struct {
	Shares        uint256.Int
	BorrowBalance uint256.Int
	ExchangeRate  uint256.Int
}

type nopGauge struct{}

func (nopGauge) Deposit(*txn.Tx, string, uuid.UUID, uint256.Int) error  { return nil }
func (nopGauge) Withdraw(*txn.Tx, string, uuid.UUID, uint256.Int) error { return nil }
