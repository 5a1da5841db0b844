// Package payments implements the Manager's payment ledger: per-recipient
// accrual with gapless nonces, proof-mediated settlement, and EdDSA-signed
// payout authorizations.
package payments

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Signer signs payout authorizations with EdDSA on BabyJubJub.
// The key is derived once at startup from the first 32 bytes of the
// configured private key.
type Signer struct {
	priv babyjub.PrivateKey
}

// NewSigner derives the signing key from a seed. Seeds shorter than 32
// bytes are rejected; longer ones are truncated.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("signing seed must be at least 32 bytes, got %d", len(seed))
	}
	var priv babyjub.PrivateKey
	copy(priv[:], seed[:32])
	return &Signer{priv: priv}, nil
}

// PublicKeyHex returns the compressed public key as hex. Published in the
// identify response and on the admin status document.
func (s *Signer) PublicKeyHex() string {
	comp := s.priv.Public().Compress()
	return hex.EncodeToString(comp[:])
}

// SignBatch signs (recipient, minNonce, maxNonce, amount) and returns the
// compressed signature as hex. The message is the Poseidon hash of the four
// field elements, matching what the settlement circuit expects.
func (s *Signer) SignBatch(recipient string, minNonce, maxNonce uint64, amount int64) (string, error) {
	recipientField, err := recipientToField(recipient)
	if err != nil {
		return "", err
	}

	msg, err := poseidon.Hash([]*big.Int{
		recipientField,
		new(big.Int).SetUint64(minNonce),
		new(big.Int).SetUint64(maxNonce),
		big.NewInt(amount),
	})
	if err != nil {
		return "", fmt.Errorf("poseidon hash: %w", err)
	}

	sig := s.priv.SignPoseidon(msg)
	comp := sig.Compress()
	return hex.EncodeToString(comp[:]), nil
}

// recipientToField maps a 32-byte hex address into the scalar field.
func recipientToField(recipient string) (*big.Int, error) {
	raw, err := hex.DecodeString(recipient)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("recipient must be 32 bytes of hex")
	}
	v := new(big.Int).SetBytes(raw)
	return v.Mod(v, constants.Q), nil
}
