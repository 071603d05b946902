package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	KindDebt       = "debt"
	KindCollateral = "collateral"
)

var ErrInvalidProtocol = errors.New("config: invalid protocol")

// Protocol is the static topology of the lending protocol: which assets
// exist, which markets are listed on them and the risk parameters that
// govern them. Fractions are decimal strings ("0.75"), amounts are base-unit
// integer strings.
type Protocol struct {
	Admin           uuid.UUID `toml:"admin"`
	PositionFolding uuid.UUID `toml:"position_folding"`
	Genesis         int64     `toml:"genesis"`
	RewardAsset     string    `toml:"reward_asset"`

	Lendtroller LendtrollerParams `toml:"lendtroller"`
	Oracle      OracleParams      `toml:"oracle"`
	Assets      []AssetParams     `toml:"assets"`
	Markets     []MarketParams    `toml:"markets"`
}

type LendtrollerParams struct {
	CloseFactor          decimal.Decimal `toml:"close_factor"`
	LiquidationIncentive decimal.Decimal `toml:"liquidation_incentive"`
	MinHoldPeriod        int64           `toml:"min_hold_period"`
}

type OracleParams struct {
	MaxAge       int64           `toml:"max_age"`
	MaxDeviation decimal.Decimal `toml:"max_deviation"`
}

type AssetParams struct {
	Symbol string `toml:"symbol"`
	FeeBps uint64 `toml:"fee_bps"`
	// Treasury is minted to the gauge treasury at genesis when this asset
	// is the reward asset.
	Treasury string `toml:"treasury"`
}

type MarketParams struct {
	ID                   string           `toml:"id"`
	Kind                 string           `toml:"kind"`
	Underlying           string           `toml:"underlying"`
	InitialExchangeRate  decimal.Decimal  `toml:"initial_exchange_rate"`
	ReserveFactor        decimal.Decimal  `toml:"reserve_factor"`
	CollateralFactor     decimal.Decimal  `toml:"collateral_factor"`
	MaxBorrowRatePerYear decimal.Decimal  `toml:"max_borrow_rate_per_year"`
	RewardPerSecond      string           `toml:"reward_per_second"`
	RateModel            *RateModelParams `toml:"rate_model"`
}

// RateModelParams are the annual jump-rate parameters of a debt market.
type RateModelParams struct {
	BaseRatePerYear       decimal.Decimal `toml:"base_rate_per_year"`
	MultiplierPerYear     decimal.Decimal `toml:"multiplier_per_year"`
	JumpMultiplierPerYear decimal.Decimal `toml:"jump_multiplier_per_year"`
	Kink                  decimal.Decimal `toml:"kink"`
}

// LoadProtocol reads and validates a protocol file.
func LoadProtocol(path string) (*Protocol, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: protocol path required", ErrInvalidProtocol)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open protocol: %w", err)
	}
	defer f.Close()

	p, err := DecodeProtocol(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// DecodeProtocol parses a TOML protocol document. Unknown keys are rejected.
func DecodeProtocol(r io.Reader) (*Protocol, error) {
	var p Protocol
	meta, err := toml.NewDecoder(r).Decode(&p)
	if err != nil {
		return nil, fmt.Errorf("config: decode protocol: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown fields %v", ErrInvalidProtocol, undecoded)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks cross references. Numeric bounds are enforced by the
// components built from the topology.
func (p *Protocol) Validate() error {
	if p.Admin == uuid.Nil {
		return fmt.Errorf("%w: admin required", ErrInvalidProtocol)
	}
	if len(p.Assets) == 0 {
		return fmt.Errorf("%w: no assets", ErrInvalidProtocol)
	}

	assets := make(map[string]bool, len(p.Assets))
	for i, a := range p.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("%w: asset %d has no symbol", ErrInvalidProtocol, i)
		}
		if assets[a.Symbol] {
			return fmt.Errorf("%w: duplicate asset %s", ErrInvalidProtocol, a.Symbol)
		}
		assets[a.Symbol] = true
	}
	if p.RewardAsset != "" && !assets[p.RewardAsset] {
		return fmt.Errorf("%w: reward asset %s not declared", ErrInvalidProtocol, p.RewardAsset)
	}

	markets := make(map[string]bool, len(p.Markets))
	for _, m := range p.Markets {
		if m.ID == "" {
			return fmt.Errorf("%w: market without id", ErrInvalidProtocol)
		}
		if markets[strings.ToLower(m.ID)] {
			return fmt.Errorf("%w: duplicate market %s", ErrInvalidProtocol, m.ID)
		}
		markets[strings.ToLower(m.ID)] = true

		if !assets[m.Underlying] {
			return fmt.Errorf("%w: market %s underlying %q not declared", ErrInvalidProtocol, m.ID, m.Underlying)
		}
		if !m.InitialExchangeRate.IsPositive() {
			return fmt.Errorf("%w: market %s initial exchange rate must be positive", ErrInvalidProtocol, m.ID)
		}
		switch m.Kind {
		case KindDebt:
			if m.RateModel == nil {
				return fmt.Errorf("%w: debt market %s needs a rate_model", ErrInvalidProtocol, m.ID)
			}
		case KindCollateral:
			if m.RateModel != nil {
				return fmt.Errorf("%w: collateral market %s cannot carry a rate_model", ErrInvalidProtocol, m.ID)
			}
		default:
			return fmt.Errorf("%w: market %s kind %q", ErrInvalidProtocol, m.ID, m.Kind)
		}
	}
	return nil
}

// Symbols lists asset symbols in declaration order.
func (p *Protocol) Symbols() []string {
	out := make([]string, len(p.Assets))
	for i, a := range p.Assets {
		out[i] = a.Symbol
	}
	return out
}
