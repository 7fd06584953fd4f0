package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"PerpSettle/internal/core"
	"PerpSettle/internal/types"
)

// SubjectPrefix roots every inbound command subject:
// perp.commands.{group}.{CommandType}.
const SubjectPrefix = "perp.commands."

// commandJSON is the wire format of an inbound command. The type comes from
// the subject so a consumer filter cannot be bypassed by the body.
type commandJSON struct {
	ID        string          `json:"id"`
	Caller    string          `json:"caller"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature"`
}

// Decoder turns wire bodies into commands whose caller signed them under
// the deployment salt. Both the NATS and HTTP surfaces decode through it.
type Decoder struct {
	salt common.Hash
}

func NewDecoder(salt common.Hash) *Decoder {
	return &Decoder{salt: salt}
}

// Parse converts a raw message into a command ready for the processor.
// msgID, when the body carries no id, becomes the idempotency key so that
// JetStream redeliveries deduplicate.
func (d *Decoder) Parse(subject string, data []byte, msgID string) (core.Command, error) {
	typ, err := commandTypeOf(subject)
	if err != nil {
		return core.Command{}, err
	}
	return d.Decode(typ, data, msgID)
}

// Decode decodes a command body whose type is already known.
// fallbackID is used when the body carries no id.
func (d *Decoder) Decode(typ core.CommandType, data []byte, fallbackID string) (core.Command, error) {
	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Command{}, types.ErrMalformedCommand.Wrapf("parse %s: %s", typ, err)
	}
	if !common.IsHexAddress(j.Caller) {
		return core.Command{}, types.ErrMalformedCommand.Wrapf("caller %q is not an address", j.Caller)
	}

	cmd := core.Command{
		ID:        j.ID,
		Type:      typ,
		Caller:    common.HexToAddress(j.Caller),
		Payload:   j.Payload,
		Signature: j.Signature,
	}
	if cmd.ID == "" {
		cmd.ID = fallbackID
	}
	if err := core.Validate(cmd); err != nil {
		return core.Command{}, err
	}
	if err := core.Authenticate(cmd, d.salt); err != nil {
		return core.Command{}, err
	}
	return cmd, nil
}

func commandTypeOf(subject string) (core.CommandType, error) {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return "", fmt.Errorf("subject %q is not a command subject", subject)
	}
	t, ok := LookupCommandType(subject[strings.LastIndexByte(subject, '.')+1:])
	if !ok {
		return "", types.ErrUnknownCommand.Wrapf("subject %q", subject)
	}
	return t, nil
}

// LookupCommandType resolves a submittable command type by name.
func LookupCommandType(name string) (core.CommandType, bool) {
	for _, t := range core.Submittable {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// CommandSubject is the subject a client publishes cmd type t to.
func CommandSubject(t core.CommandType) string {
	return SubjectPrefix + groupOf(t) + "." + string(t)
}

func groupOf(t core.CommandType) string {
	switch t {
	case core.CmdCreateDeposit, core.CmdExecuteDeposit, core.CmdCancelDeposit:
		return "deposit"
	case core.CmdCreateWithdrawal, core.CmdExecuteWithdrawal, core.CmdCancelWithdrawal:
		return "withdrawal"
	case core.CmdCreateOrder, core.CmdUpdateOrder, core.CmdExecuteOrder, core.CmdCancelOrder:
		return "order"
	case core.CmdLiquidatePosition:
		return "liquidation"
	default:
		return "admin"
	}
}
