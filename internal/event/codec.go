package event

import (
	"encoding/json"
	"fmt"
)

// New allocates an empty command of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeAccrueInterest:
		return &AccrueInterest{}, nil
	case EventTypeMint:
		return &Mint{}, nil
	case EventTypeRedeem:
		return &Redeem{}, nil
	case EventTypeRedeemUnderlying:
		return &RedeemUnderlying{}, nil
	case EventTypeBorrow:
		return &Borrow{}, nil
	case EventTypeRepay:
		return &Repay{}, nil
	case EventTypeTransfer:
		return &Transfer{}, nil
	case EventTypeTransferFrom:
		return &TransferFrom{}, nil
	case EventTypeApprove:
		return &Approve{}, nil
	case EventTypeLiquidateUser:
		return &LiquidateUser{}, nil
	case EventTypeBorrowForPositionFolding:
		return &BorrowForPositionFolding{}, nil
	case EventTypeRepayForPositionFolding:
		return &RepayForPositionFolding{}, nil
	case EventTypeEnterMarkets:
		return &EnterMarkets{}, nil
	case EventTypeExitMarket:
		return &ExitMarket{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeAddReserves:
		return &AddReserves{}, nil
	case EventTypeReduceReserves:
		return &ReduceReserves{}, nil
	case EventTypeSetReserveFactor:
		return &SetReserveFactor{}, nil
	case EventTypeSetCollateralFactor:
		return &SetCollateralFactor{}, nil
	case EventTypeSetPaused:
		return &SetPaused{}, nil
	case EventTypeClaimRewards:
		return &ClaimRewards{}, nil
	case EventTypeFaucet:
		return &Faucet{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Encode renders a command as the envelope payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode rebuilds a command from an envelope payload, for replay.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
