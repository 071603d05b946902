package lendtroller

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type ListingState struct {
	Market           string      `json:"market"`
	CollateralFactor uint256.Int `json:"collateral_factor"`
	MintPaused       bool        `json:"mint_paused"`
	BorrowPaused     bool        `json:"borrow_paused"`
}

type AccountState struct {
	Account    uuid.UUID `json:"account"`
	Markets    []string  `json:"markets"`
	LastBorrow int64     `json:"last_borrow,omitempty"`
}

// State is the mutable part of the policy. Listings themselves come from
// configuration; only their switches and factors are carried here.
type State struct {
	TransferPaused bool           `json:"transfer_paused"`
	SeizePaused    bool           `json:"seize_paused"`
	Listings       []ListingState `json:"listings"`
	Accounts       []AccountState `json:"accounts"`
}

func (l *Lendtroller) Export() *State {
	out := &State{TransferPaused: l.transferPaused, SeizePaused: l.seizePaused}
	for _, id := range l.Markets() {
		lst := l.markets[id]
		out.Listings = append(out.Listings, ListingState{
			Market:           id,
			CollateralFactor: lst.collateralFactor,
			MintPaused:       lst.mintPaused,
			BorrowPaused:     lst.borrowPaused,
		})
	}

	accounts := make(map[uuid.UUID]*AccountState)
	get := func(a uuid.UUID) *AccountState {
		st, ok := accounts[a]
		if !ok {
			st = &AccountState{Account: a}
			accounts[a] = st
		}
		return st
	}
	for a, ms := range l.accountMarkets {
		get(a).Markets = slices.Clone(ms)
	}
	for a, ts := range l.lastBorrow {
		get(a).LastBorrow = ts
	}
	for _, st := range accounts {
		out.Accounts = append(out.Accounts, *st)
	}
	slices.SortFunc(out.Accounts, func(a, b AccountState) int {
		return bytes.Compare(a.Account[:], b.Account[:])
	})
	return out
}

func (l *Lendtroller) Import(st *State) error {
	for _, ls := range st.Listings {
		lst, err := l.listing(ls.Market)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		if err := checkCollateralFactor(lst.market, ls.CollateralFactor); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}

	accountMarkets := make(map[uuid.UUID][]string)
	lastBorrow := make(map[uuid.UUID]int64)
	for _, a := range st.Accounts {
		for _, id := range a.Markets {
			if !l.IsListed(id) {
				return fmt.Errorf("import: %w: %s entered by %s", ErrNotListed, id, a.Account)
			}
		}
		if len(a.Markets) > 0 {
			accountMarkets[a.Account] = slices.Clone(a.Markets)
		}
		if a.LastBorrow != 0 {
			lastBorrow[a.Account] = a.LastBorrow
		}
	}

	for _, ls := range st.Listings {
		lst := l.markets[ls.Market]
		lst.collateralFactor = ls.CollateralFactor
		lst.mintPaused = ls.MintPaused
		lst.borrowPaused = ls.BorrowPaused
	}
	l.transferPaused = st.TransferPaused
	l.seizePaused = st.SeizePaused
	l.accountMarkets = accountMarkets
	l.lastBorrow = lastBorrow
	return nil
}
