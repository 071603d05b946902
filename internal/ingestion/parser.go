package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"LendLedger/internal/event"

	"github.com/google/uuid"
)

// ErrInvalidCommand marks a payload that parsed but is not a usable command.
var ErrInvalidCommand = errors.New("invalid command")

// ParseRawEvent decodes a wire payload into a typed command.
//
// The wire format is the command's JSON form: snake_case keys, accounts as
// UUID strings, amounts as decimal strings and timestamp in unix seconds.
// Unknown keys are rejected so that a misspelt field cannot silently become
// a zero amount.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	return ParseCommand(et, raw.Data)
}

// ParseCommand is ParseRawEvent for callers that already hold the type.
func ParseCommand(et event.EventType, data []byte) (event.Event, error) {
	evt, err := event.New(et)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	if err := validate(evt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	return evt, nil
}

func validate(evt event.Event) error {
	if evt.Time() <= 0 {
		return fmt.Errorf("%w: timestamp required", ErrInvalidCommand)
	}
	if evt.SourceSequence() < 0 {
		return fmt.Errorf("%w: negative sequence", ErrInvalidCommand)
	}

	switch e := evt.(type) {
	case *event.PriceUpdate:
		return firstErr(
			required("asset", e.Asset),
			required("feed", e.Feed),
		)
	case *event.Faucet:
		return firstErr(
			commandID(e.Header),
			required("asset", e.Asset),
			account("account", e.Account),
		)
	case *event.EnterMarkets:
		if len(e.Markets) == 0 {
			return fmt.Errorf("%w: markets required", ErrInvalidCommand)
		}
		return firstErr(commandID(e.Header), account("account", e.Account))
	case *event.SetPaused:
		return firstErr(
			commandID(e.Header),
			account("caller", e.Caller),
			required("action", e.Action),
		)
	}

	if m := evt.MarketID(); m == nil {
		return fmt.Errorf("%w: market required", ErrInvalidCommand)
	}

	switch e := evt.(type) {
	case *event.AccrueInterest:
		return commandID(e.Header)
	case *event.Mint:
		return firstErr(commandID(e.Header), account("minter", e.Minter))
	case *event.Redeem:
		return firstErr(commandID(e.Header), account("redeemer", e.Redeemer))
	case *event.RedeemUnderlying:
		return firstErr(commandID(e.Header), account("redeemer", e.Redeemer))
	case *event.Borrow:
		return firstErr(commandID(e.Header), account("borrower", e.Borrower))
	case *event.Repay:
		return firstErr(commandID(e.Header), account("payer", e.Payer))
	case *event.Transfer:
		return firstErr(commandID(e.Header), account("from", e.From), account("to", e.To))
	case *event.TransferFrom:
		return firstErr(commandID(e.Header),
			account("spender", e.Spender), account("from", e.From), account("to", e.To))
	case *event.Approve:
		return firstErr(commandID(e.Header), account("owner", e.Owner), account("spender", e.Spender))
	case *event.LiquidateUser:
		return firstErr(commandID(e.Header),
			required("collateral_market", e.CollateralMarket),
			account("liquidator", e.Liquidator), account("borrower", e.Borrower))
	case *event.BorrowForPositionFolding:
		return firstErr(commandID(e.Header), account("caller", e.Caller), account("user", e.User))
	case *event.RepayForPositionFolding:
		return firstErr(commandID(e.Header), account("caller", e.Caller), account("user", e.User))
	case *event.ExitMarket:
		return firstErr(commandID(e.Header), account("account", e.Account))
	case *event.AddReserves:
		return firstErr(commandID(e.Header), account("caller", e.Caller))
	case *event.ReduceReserves:
		return firstErr(commandID(e.Header), account("caller", e.Caller))
	case *event.SetReserveFactor:
		return firstErr(commandID(e.Header), account("caller", e.Caller))
	case *event.SetCollateralFactor:
		return firstErr(commandID(e.Header), account("caller", e.Caller))
	case *event.ClaimRewards:
		return firstErr(commandID(e.Header), account("account", e.Account))
	}
	return nil
}

func commandID(h event.Header) error {
	if h.CommandID == uuid.Nil {
		return fmt.Errorf("%w: command_id required", ErrInvalidCommand)
	}
	return nil
}

func account(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s required", ErrInvalidCommand, field)
	}
	return nil
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s required", ErrInvalidCommand, field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
