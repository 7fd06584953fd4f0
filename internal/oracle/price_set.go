package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// PriceSet is a keeper-submitted bundle of compacted prices signed by oracle
// signers for one specific block.
type PriceSet struct {
	BlockNumber uint64           `json:"block_number"`
	BlockHash   common.Hash      `json:"block_hash"`
	Tokens      []common.Address `json:"tokens"`
	Prices      []*uint256.Int   `json:"prices"`
	Signatures  []hexutil.Bytes  `json:"signatures"`
}

// OracleSalt binds signatures to one deployment.
func OracleSalt(chainID uint64, name string) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], chainID)
	return crypto.Keccak256Hash(buf[:], []byte(name))
}

// Digest is the message every signer signs: keccak(salt ‖ block ‖ blockHash ‖ tokens ‖ prices).
func (ps *PriceSet) Digest(salt common.Hash) common.Hash {
	buf := make([]byte, 0, 32*(3+len(ps.Tokens)+len(ps.Prices)))
	buf = append(buf, salt[:]...)
	buf = append(buf, common.LeftPadBytes(new(uint256.Int).SetUint64(ps.BlockNumber).Bytes(), 32)...)
	buf = append(buf, ps.BlockHash[:]...)
	for _, token := range ps.Tokens {
		buf = append(buf, common.LeftPadBytes(token.Bytes(), 32)...)
	}
	for _, price := range ps.Prices {
		if price == nil {
			buf = append(buf, make([]byte, 32)...)
			continue
		}
		word := price.Bytes32()
		buf = append(buf, word[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// Sign appends the signature of key over the price-set digest.
func (ps *PriceSet) Sign(salt common.Hash, key *ecdsa.PrivateKey) error {
	digest := ps.Digest(salt)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("sign price set: %w", err)
	}
	ps.Signatures = append(ps.Signatures, sig)
	return nil
}

// RecoverSigner returns the address that produced sig over digest. Accepts both
// 0/1 and 27/28 recovery ids.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
