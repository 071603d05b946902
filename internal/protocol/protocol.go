// Package protocol assembles the lending components described by a
// config.Protocol and owns them for the lifetime of the processor.
package protocol

import (
	"errors"
	"fmt"
	"sort"

	"LendLedger/internal/asset"
	"LendLedger/internal/config"
	"LendLedger/internal/gauge"
	"LendLedger/internal/irm"
	"LendLedger/internal/lendtroller"
	"LendLedger/internal/market"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset  = errors.New("protocol: unknown asset")
	ErrUnknownMarket = errors.New("protocol: unknown market")
	ErrWrongKind     = errors.New("protocol: market has the wrong kind")
)

// Market is what every listed market exposes regardless of kind.
type Market interface {
	lendtroller.Market
	Account() uuid.UUID
	Cash() uint256.Int
	TotalSupply() uint256.Int
}

// Protocol is the live object graph. It is owned by the single-threaded
// processor; nothing here is safe for concurrent use.
type Protocol struct {
	cfg *config.Protocol

	assets      map[string]*asset.Token
	Oracle      *oracle.Router
	Gauge       *gauge.Pool
	Lendtroller *lendtroller.Lendtroller

	debt       map[string]*market.DToken
	collateral map[string]*market.CToken
	order      []string
}

// New builds every component and lists the markets. Genesis side effects
// (reward rates, treasury funding) are applied without emitting logs.
func New(cfg *config.Protocol) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Protocol{
		cfg:        cfg,
		assets:     make(map[string]*asset.Token, len(cfg.Assets)),
		debt:       make(map[string]*market.DToken),
		collateral: make(map[string]*market.CToken),
	}
	for _, a := range cfg.Assets {
		tok, err := asset.NewToken(a.Symbol, a.FeeBps)
		if err != nil {
			return nil, err
		}
		p.assets[a.Symbol] = tok
	}

	maxDeviation, err := fpmath.FromDecimal(cfg.Oracle.MaxDeviation)
	if err != nil {
		return nil, fmt.Errorf("oracle max deviation: %w", err)
	}
	p.Oracle = oracle.NewRouter(oracle.Config{MaxAge: cfg.Oracle.MaxAge, MaxDeviation: maxDeviation})

	var rewards *asset.Token
	if cfg.RewardAsset != "" {
		rewards = p.assets[cfg.RewardAsset]
	}
	p.Gauge = gauge.NewPool(rewards)

	closeFactor, err := fpmath.FromDecimal(cfg.Lendtroller.CloseFactor)
	if err != nil {
		return nil, fmt.Errorf("close factor: %w", err)
	}
	incentive, err := fpmath.FromDecimal(cfg.Lendtroller.LiquidationIncentive)
	if err != nil {
		return nil, fmt.Errorf("liquidation incentive: %w", err)
	}
	p.Lendtroller, err = lendtroller.New(lendtroller.Config{
		Admin:                cfg.Admin,
		CloseFactor:          closeFactor,
		LiquidationIncentive: incentive,
		MinHoldPeriod:        cfg.Lendtroller.MinHoldPeriod,
		PositionFolding:      cfg.PositionFolding,
	}, p.Oracle)
	if err != nil {
		return nil, err
	}

	for _, mp := range cfg.Markets {
		if err := p.list(mp); err != nil {
			return nil, fmt.Errorf("market %s: %w", mp.ID, err)
		}
	}

	if _, err := txn.Run(cfg.Genesis, p.genesis); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	return p, nil
}

func (p *Protocol) list(mp config.MarketParams) error {
	underlying := p.assets[mp.Underlying]
	rate, err := fpmath.FromDecimal(mp.InitialExchangeRate)
	if err != nil {
		return fmt.Errorf("initial exchange rate: %w", err)
	}
	cf, err := fpmath.FromDecimal(mp.CollateralFactor)
	if err != nil {
		return fmt.Errorf("collateral factor: %w", err)
	}

	var listed lendtroller.Market
	switch mp.Kind {
	case config.KindDebt:
		model, err := irm.NewJumpRateModel(irm.JumpRateConfig{
			BaseRatePerYear:       mp.RateModel.BaseRatePerYear,
			MultiplierPerYear:     mp.RateModel.MultiplierPerYear,
			JumpMultiplierPerYear: mp.RateModel.JumpMultiplierPerYear,
			Kink:                  mp.RateModel.Kink,
		})
		if err != nil {
			return err
		}
		reserveFactor, err := fpmath.FromDecimal(mp.ReserveFactor)
		if err != nil {
			return fmt.Errorf("reserve factor: %w", err)
		}
		maxRate, err := perSecond(mp.MaxBorrowRatePerYear)
		if err != nil {
			return fmt.Errorf("max borrow rate: %w", err)
		}
		d, err := market.NewDToken(market.DTokenConfig{
			ID:                  mp.ID,
			Admin:               p.cfg.Admin,
			InitialExchangeRate: rate,
			ReserveFactor:       reserveFactor,
			MaxBorrowRate:       maxRate,
			Genesis:             p.cfg.Genesis,
		}, underlying, model, p.Lendtroller, p.Gauge)
		if err != nil {
			return err
		}
		p.debt[mp.ID] = d
		listed = d
	case config.KindCollateral:
		c, err := market.NewCToken(market.CTokenConfig{ID: mp.ID, InitialExchangeRate: rate}, underlying, p.Lendtroller, p.Gauge)
		if err != nil {
			return err
		}
		p.collateral[mp.ID] = c
		listed = c
	}

	if err := p.Lendtroller.SupportMarket(listed, cf); err != nil {
		return err
	}
	p.order = append(p.order, mp.ID)
	return nil
}

// perSecond converts an annual rate; zero keeps the market default.
func perSecond(annual decimal.Decimal) (uint256.Int, error) {
	if annual.IsZero() {
		return uint256.Int{}, nil
	}
	return fpmath.FromDecimal(annual.DivRound(decimal.NewFromInt(irm.SecondsPerYear), 2*fpmath.Decimals))
}

func (p *Protocol) genesis(tx *txn.Tx) error {
	for _, mp := range p.cfg.Markets {
		if mp.RewardPerSecond == "" {
			continue
		}
		rate, err := fpmath.Parse(mp.RewardPerSecond)
		if err != nil {
			return fmt.Errorf("market %s reward rate: %w", mp.ID, err)
		}
		if err := p.Gauge.SetRewardRate(tx, mp.ID, rate); err != nil {
			return err
		}
	}
	for _, a := range p.cfg.Assets {
		if a.Treasury == "" || a.Symbol != p.cfg.RewardAsset {
			continue
		}
		amount, err := fpmath.Parse(a.Treasury)
		if err != nil {
			return fmt.Errorf("asset %s treasury: %w", a.Symbol, err)
		}
		if err := p.assets[a.Symbol].Faucet(tx, gauge.Treasury, amount); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) Config() *config.Protocol { return p.cfg }

func (p *Protocol) Asset(symbol string) (*asset.Token, error) {
	tok, ok := p.assets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return tok, nil
}

// Assets lists asset symbols in declaration order.
func (p *Protocol) Assets() []string {
	return p.cfg.Symbols()
}

// MarketIDs lists markets in declaration order.
func (p *Protocol) MarketIDs() []string {
	return append([]string(nil), p.order...)
}

func (p *Protocol) Market(id string) (Market, error) {
	if d, ok := p.debt[id]; ok {
		return d, nil
	}
	if c, ok := p.collateral[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
}

func (p *Protocol) DebtMarket(id string) (*market.DToken, error) {
	if d, ok := p.debt[id]; ok {
		return d, nil
	}
	if _, ok := p.collateral[id]; ok {
		return nil, fmt.Errorf("%w: %s is a collateral market", ErrWrongKind, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
}

func (p *Protocol) CollateralMarket(id string) (*market.CToken, error) {
	if c, ok := p.collateral[id]; ok {
		return c, nil
	}
	if _, ok := p.debt[id]; ok {
		return nil, fmt.Errorf("%w: %s is a debt market", ErrWrongKind, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
}

// DebtMarkets returns the debt markets sorted by id.
func (p *Protocol) DebtMarkets() []*market.DToken {
	ids := make([]string, 0, len(p.debt))
	for id := range p.debt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*market.DToken, len(ids))
	for i, id := range ids {
		out[i] = p.debt[id]
	}
	return out
}
