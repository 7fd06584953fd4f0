package core

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/exchange"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/types"
)

// CommandType names an exchange operation.
type CommandType string

const (
	CmdCreateDeposit      CommandType = "CreateDeposit"
	CmdExecuteDeposit     CommandType = "ExecuteDeposit"
	CmdCancelDeposit      CommandType = "CancelDeposit"
	CmdCreateWithdrawal   CommandType = "CreateWithdrawal"
	CmdExecuteWithdrawal  CommandType = "ExecuteWithdrawal"
	CmdCancelWithdrawal   CommandType = "CancelWithdrawal"
	CmdCreateOrder        CommandType = "CreateOrder"
	CmdUpdateOrder        CommandType = "UpdateOrder"
	CmdExecuteOrder       CommandType = "ExecuteOrder"
	CmdCancelOrder        CommandType = "CancelOrder"
	CmdLiquidatePosition  CommandType = "LiquidatePosition"
	CmdCreateMarket       CommandType = "CreateMarket"
	CmdSetConfig          CommandType = "SetConfig"
	CmdSetNativeToken     CommandType = "SetNativeToken"
	CmdGrantRole          CommandType = "GrantRole"
	CmdRevokeRole         CommandType = "RevokeRole"
	CmdAddOracleSigner    CommandType = "AddOracleSigner"
	CmdRemoveOracleSigner CommandType = "RemoveOracleSigner"
	CmdApplyGenesis       CommandType = "ApplyGenesis"
)

// Submittable lists the command types clients may send. Genesis is applied
// by the node itself.
var Submittable = []CommandType{
	CmdCreateDeposit, CmdExecuteDeposit, CmdCancelDeposit,
	CmdCreateWithdrawal, CmdExecuteWithdrawal, CmdCancelWithdrawal,
	CmdCreateOrder, CmdUpdateOrder, CmdExecuteOrder, CmdCancelOrder,
	CmdLiquidatePosition,
	CmdCreateMarket, CmdSetConfig, CmdSetNativeToken,
	CmdGrantRole, CmdRevokeRole, CmdAddOracleSigner, CmdRemoveOracleSigner,
}

// Command is one caller-submitted operation. ID is the idempotency key.
// Signature, when present, is the caller's signature over Digest.
type Command struct {
	ID        string          `json:"id"`
	Type      CommandType     `json:"type"`
	Caller    common.Address  `json:"caller"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`

	// Set by the processor when the command is accepted. Replay pins the
	// chain to this head and these block hashes.
	Head        *chain.Head            `json:"head,omitempty"`
	BlockHashes map[uint64]common.Hash `json:"block_hashes,omitempty"`
}

// --- payloads ---

type KeyPayload struct {
	Key common.Hash `json:"key"`
}

type ExecutePayload struct {
	Key      common.Hash      `json:"key"`
	PriceSet *oracle.PriceSet `json:"price_set"`
}

type UpdateOrderPayload struct {
	Key common.Hash `json:"key"`
	exchange.UpdateOrderParams
}

type LiquidatePayload struct {
	PositionKey common.Hash      `json:"position_key"`
	PriceSet    *oracle.PriceSet `json:"price_set"`
}

type CreateMarketPayload struct {
	IndexToken common.Address `json:"index_token"`
	LongToken  common.Address `json:"long_token"`
	ShortToken common.Address `json:"short_token"`
}

type SetConfigPayload struct {
	Param exchange.ConfigParam `json:"param"`
	Value *uint256.Int         `json:"value"`
}

type TokenPayload struct {
	Token common.Address `json:"token"`
}

type RolePayload struct {
	Account common.Address `json:"account"`
	Role    string         `json:"role"`
}

type SignerPayload struct {
	Signer common.Address `json:"signer"`
}

// NewCommand encodes payload into a command.
func NewCommand(id string, t CommandType, caller common.Address, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{ID: id, Type: t, Caller: caller, Payload: raw}, nil
}

// Digest is what a caller signs: keccak(salt ‖ keccak(type) ‖ keccak(id) ‖ keccak(payload)).
// The payload is hashed exactly as sent, so clients must sign the bytes they transmit.
// Binding the id means a replayed body is caught by the dedup tiers.
func (c Command) Digest(salt common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		salt[:],
		crypto.Keccak256([]byte(c.Type)),
		crypto.Keccak256([]byte(c.ID)),
		crypto.Keccak256(c.Payload),
	)
}

// Sign sets the caller to key's address and signs the command.
func (c *Command) Sign(salt common.Hash, key *ecdsa.PrivateKey) error {
	c.Caller = crypto.PubkeyToAddress(key.PublicKey)
	digest := c.Digest(salt)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("sign command: %w", err)
	}
	c.Signature = sig
	return nil
}

// Authenticate checks that Signature was produced by Caller for this salt.
func Authenticate(c Command, salt common.Hash) error {
	if c.ID == "" {
		return types.ErrUnauthorized.Wrap("signed commands need an id")
	}
	if len(c.Signature) == 0 {
		return types.ErrUnauthorized.Wrapf("%s from %s is not signed", c.Type, c.Caller.Hex())
	}
	signer, err := oracle.RecoverSigner(c.Digest(salt), c.Signature)
	if err != nil {
		return types.ErrUnauthorized.Wrapf("signature: %s", err)
	}
	if signer != c.Caller {
		return types.ErrUnauthorized.Wrapf("signed by %s, caller %s", signer.Hex(), c.Caller.Hex())
	}
	return nil
}

func payloadFor(t CommandType) any {
	switch t {
	case CmdCreateDeposit:
		return &exchange.DepositParams{}
	case CmdCreateWithdrawal:
		return &exchange.WithdrawalParams{}
	case CmdCreateOrder:
		return &exchange.OrderParams{}
	case CmdExecuteDeposit, CmdExecuteWithdrawal, CmdExecuteOrder:
		return &ExecutePayload{}
	case CmdCancelDeposit, CmdCancelWithdrawal, CmdCancelOrder:
		return &KeyPayload{}
	case CmdUpdateOrder:
		return &UpdateOrderPayload{}
	case CmdLiquidatePosition:
		return &LiquidatePayload{}
	case CmdCreateMarket:
		return &CreateMarketPayload{}
	case CmdSetConfig:
		return &SetConfigPayload{}
	case CmdSetNativeToken:
		return &TokenPayload{}
	case CmdGrantRole, CmdRevokeRole:
		return &RolePayload{}
	case CmdAddOracleSigner, CmdRemoveOracleSigner:
		return &SignerPayload{}
	case CmdApplyGenesis:
		return &exchange.Genesis{}
	}
	return nil
}

// Validate checks that cmd names a known type and its payload decodes,
// without touching any state.
func Validate(cmd Command) error {
	v := payloadFor(cmd.Type)
	if v == nil {
		return types.ErrUnknownCommand.Wrapf("%q", cmd.Type)
	}
	return decode(cmd, v)
}

// priceSetOf returns the price-set carried by cmd, if any.
func priceSetOf(cmd Command) *oracle.PriceSet {
	switch cmd.Type {
	case CmdExecuteDeposit, CmdExecuteWithdrawal, CmdExecuteOrder:
		var p ExecutePayload
		if json.Unmarshal(cmd.Payload, &p) == nil {
			return p.PriceSet
		}
	case CmdLiquidatePosition:
		var p LiquidatePayload
		if json.Unmarshal(cmd.Payload, &p) == nil {
			return p.PriceSet
		}
	}
	return nil
}
