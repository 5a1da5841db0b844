package payments

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

var testRecipient = strings.Repeat("ab", 32)

func testSeed() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestNewSignerSeedLength(t *testing.T) {
	if _, err := NewSigner(make([]byte, 16)); err == nil {
		t.Error("NewSigner(short seed) should fail")
	}
	if _, err := NewSigner(make([]byte, 64)); err != nil {
		t.Errorf("NewSigner(64-byte seed) error: %v", err)
	}
}

func TestSignerDeterministicKey(t *testing.T) {
	s1, _ := NewSigner(testSeed())
	s2, _ := NewSigner(testSeed())
	if s1.PublicKeyHex() != s2.PublicKeyHex() {
		t.Error("same seed produced different public keys")
	}
	if len(s1.PublicKeyHex()) != 64 {
		t.Errorf("compressed public key hex length = %d, want 64", len(s1.PublicKeyHex()))
	}
}

func TestSignBatchVerifies(t *testing.T) {
	s, err := NewSigner(testSeed())
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}

	sigHex, err := s.SignBatch(testRecipient, 0, 3, 17)
	if err != nil {
		t.Fatalf("SignBatch() error: %v", err)
	}

	// Reconstruct the signed message and verify with the library.
	recipientField, err := recipientToField(testRecipient)
	if err != nil {
		t.Fatalf("recipientToField() error: %v", err)
	}
	msg, err := poseidon.Hash([]*big.Int{
		recipientField, big.NewInt(0), big.NewInt(3), big.NewInt(17),
	})
	if err != nil {
		t.Fatalf("poseidon.Hash() error: %v", err)
	}

	sigRaw, err := hex.DecodeString(sigHex)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	var comp babyjub.SignatureComp
	copy(comp[:], sigRaw)
	sig, err := comp.Decompress()
	if err != nil {
		t.Fatalf("decompress signature: %v", err)
	}

	pubRaw, _ := hex.DecodeString(s.PublicKeyHex())
	var pubComp babyjub.PublicKeyComp
	copy(pubComp[:], pubRaw)
	pub, err := pubComp.Decompress()
	if err != nil {
		t.Fatalf("decompress public key: %v", err)
	}

	if !pub.VerifyPoseidon(msg, sig) {
		t.Error("signature did not verify")
	}

	// A different message must not verify.
	other, _ := poseidon.Hash([]*big.Int{
		recipientField, big.NewInt(0), big.NewInt(3), big.NewInt(18),
	})
	if pub.VerifyPoseidon(other, sig) {
		t.Error("signature verified for a different amount")
	}
}

func TestRecipientToFieldRejectsBadInput(t *testing.T) {
	if _, err := recipientToField("zz"); err == nil {
		t.Error("recipientToField(non-hex) should fail")
	}
	if _, err := recipientToField("abcd"); err == nil {
		t.Error("recipientToField(short) should fail")
	}
}
