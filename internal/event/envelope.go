package event

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for settlement event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeDepositCreated
	EventTypeDepositExecuted
	EventTypeDepositCancelled
	EventTypeWithdrawalCreated
	EventTypeWithdrawalExecuted
	EventTypeWithdrawalCancelled
	EventTypeOrderCreated
	EventTypeOrderUpdated
	EventTypeOrderExecuted
	EventTypeOrderCancelled
	EventTypeSwapExecuted
	EventTypePositionIncreased
	EventTypePositionDecreased
	EventTypePositionLiquidated
	EventTypeRiskParamUpdated
	EventTypeRoleUpdated
	EventTypeOracleSignerUpdated
)

// EventEnvelope wraps every emitted event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Idempotency key of the command that produced the event
	CommandID string `json:"command_id"`

	// Position of the event within its command
	Index int `json:"index"`

	EventType EventType `json:"event_type"`

	// Market context (nil for global events)
	Market *common.Address `json:"market,omitempty"`

	// Chain block the command was processed at
	BlockNumber uint64 `json:"block_number"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// SHA-256 of state AFTER applying the command
	StateHash common.Hash `json:"state_hash"`

	// Previous command's state hash (chain integrity)
	PrevHash common.Hash `json:"prev_hash"`
}

// Event is the interface all settlement event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *common.Address
}

// Encode wraps evt into an envelope without sequence or hashes.
func Encode(evt Event) (EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return EventEnvelope{}, err
	}
	return EventEnvelope{
		EventType: evt.EventType(),
		Market:    evt.MarketID(),
		Payload:   payload,
	}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeDepositCreated:
		return "DepositCreated"
	case EventTypeDepositExecuted:
		return "DepositExecuted"
	case EventTypeDepositCancelled:
		return "DepositCancelled"
	case EventTypeWithdrawalCreated:
		return "WithdrawalCreated"
	case EventTypeWithdrawalExecuted:
		return "WithdrawalExecuted"
	case EventTypeWithdrawalCancelled:
		return "WithdrawalCancelled"
	case EventTypeOrderCreated:
		return "OrderCreated"
	case EventTypeOrderUpdated:
		return "OrderUpdated"
	case EventTypeOrderExecuted:
		return "OrderExecuted"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeSwapExecuted:
		return "SwapExecuted"
	case EventTypePositionIncreased:
		return "PositionIncreased"
	case EventTypePositionDecreased:
		return "PositionDecreased"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeRiskParamUpdated:
		return "RiskParamUpdated"
	case EventTypeRoleUpdated:
		return "RoleUpdated"
	case EventTypeOracleSignerUpdated:
		return "OracleSignerUpdated"
	default:
		return "Unknown"
	}
}

func marketRef(m common.Address) *common.Address {
	return &m
}

func newEvent(et EventType) Event {
	switch et {
	case EventTypeMarketCreated:
		return &MarketCreated{}
	case EventTypeDepositCreated:
		return &DepositCreated{}
	case EventTypeDepositExecuted:
		return &DepositExecuted{}
	case EventTypeDepositCancelled:
		return &DepositCancelled{}
	case EventTypeWithdrawalCreated:
		return &WithdrawalCreated{}
	case EventTypeWithdrawalExecuted:
		return &WithdrawalExecuted{}
	case EventTypeWithdrawalCancelled:
		return &WithdrawalCancelled{}
	case EventTypeOrderCreated:
		return &OrderCreated{}
	case EventTypeOrderUpdated:
		return &OrderUpdated{}
	case EventTypeOrderExecuted:
		return &OrderExecuted{}
	case EventTypeOrderCancelled:
		return &OrderCancelled{}
	case EventTypeSwapExecuted:
		return &SwapExecuted{}
	case EventTypePositionIncreased:
		return &PositionIncreased{}
	case EventTypePositionDecreased:
		return &PositionDecreased{}
	case EventTypePositionLiquidated:
		return &PositionLiquidated{}
	case EventTypeRiskParamUpdated:
		return &RiskParamUpdated{}
	case EventTypeRoleUpdated:
		return &RoleUpdated{}
	case EventTypeOracleSignerUpdated:
		return &OracleSignerUpdated{}
	default:
		return nil
	}
}

// Decode unpacks the payload of env into its concrete event.
func Decode(env EventEnvelope) (Event, error) {
	evt := newEvent(env.EventType)
	if evt == nil {
		return nil, fmt.Errorf("unknown event type %d", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	return evt, nil
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeMarketCreated; et <= EventTypeOracleSignerUpdated; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
