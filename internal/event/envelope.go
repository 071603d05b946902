package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates command payloads. The string form is the wire
// name used in NATS subjects and HTTP routes.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccrueInterest
	EventTypeMint
	EventTypeRedeem
	EventTypeRedeemUnderlying
	EventTypeBorrow
	EventTypeRepay
	EventTypeTransfer
	EventTypeTransferFrom
	EventTypeApprove
	EventTypeLiquidateUser
	EventTypeBorrowForPositionFolding
	EventTypeRepayForPositionFolding
	EventTypeEnterMarkets
	EventTypeExitMarket
	EventTypePriceUpdate
	EventTypeAddReserves
	EventTypeReduceReserves
	EventTypeSetReserveFactor
	EventTypeSetCollateralFactor
	EventTypeSetPaused
	EventTypeClaimRewards
	EventTypeFaucet
)

var eventTypeNames = map[EventType]string{
	EventTypeAccrueInterest:           "accrue_interest",
	EventTypeMint:                     "mint",
	EventTypeRedeem:                   "redeem",
	EventTypeRedeemUnderlying:         "redeem_underlying",
	EventTypeBorrow:                   "borrow",
	EventTypeRepay:                    "repay",
	EventTypeTransfer:                 "transfer",
	EventTypeTransferFrom:             "transfer_from",
	EventTypeApprove:                  "approve",
	EventTypeLiquidateUser:            "liquidate_user",
	EventTypeBorrowForPositionFolding: "borrow_for_position_folding",
	EventTypeRepayForPositionFolding:  "repay_for_position_folding",
	EventTypeEnterMarkets:             "enter_markets",
	EventTypeExitMarket:               "exit_market",
	EventTypePriceUpdate:              "price_update",
	EventTypeAddReserves:              "add_reserves",
	EventTypeReduceReserves:           "reduce_reserves",
	EventTypeSetReserveFactor:         "set_reserve_factor",
	EventTypeSetCollateralFactor:      "set_collateral_factor",
	EventTypeSetPaused:                "set_paused",
	EventTypeClaimRewards:             "claim_rewards",
	EventTypeFaucet:                   "faucet",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// AllEventTypes lists every known type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeAccrueInterest; et <= EventTypeFaucet; et++ {
		out = append(out, et)
	}
	return out
}

// EventEnvelope wraps every committed command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Market context (nil for global commands)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command, decodable with Decode
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// MarketID returns the market context (nil for global commands)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time is the command timestamp in unix seconds
	Time() int64
}

// Header carries the fields every command shares.
type Header struct {
	CommandID uuid.UUID `json:"command_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (h *Header) IdempotencyKey() string { return h.CommandID.String() }
func (h *Header) SourceSequence() int64  { return h.Sequence }
func (h *Header) Time() int64            { return h.Timestamp }

func marketRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
