// Package crypto provides question-key derivation, signed outcome
// attestations, key management, and HMAC request authentication.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/davencooke/predmarket/internal/domain"
)

// resolutionPrefix domain-separates resolution digests from any other
// signed payload, in the spirit of the Ethereum signed-message prefix.
const resolutionPrefix = "\x19predmarket resolution:\n"

// QuestionKey derives the canonical lookup key for a market phrase:
// Keccak-256 over the UTF-8 bytes. Identical phrases are the same market.
func QuestionKey(phrase string) domain.QuestionKey {
	return ethcrypto.Keccak256Hash([]byte(phrase))
}

// ResolutionDigest is the 32-byte message a trusted source signs to attest
// an outcome: keccak256(prefix || questionKey || outcome).
func ResolutionDigest(key domain.QuestionKey, outcome domain.Outcome) []byte {
	return ethcrypto.Keccak256(
		[]byte(resolutionPrefix),
		key.Bytes(),
		[]byte(outcome),
	)
}

// ResolutionSigner produces signed outcome attestations with a secp256k1
// key. The derived address is the identity the engine checks against the
// question's trusted-source set.
type ResolutionSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewResolutionSigner creates a signer from a hex-encoded secp256k1 private
// key, with or without a 0x prefix.
func NewResolutionSigner(privateKeyHex string) (*ResolutionSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid resolution key: %w", err)
	}
	return &ResolutionSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the identity derived from the signing key.
func (s *ResolutionSigner) Address() domain.Identity {
	return s.address
}

// Sign attests an outcome for a question, returning a hex-encoded 65-byte
// signature (r || s || v, v in {27,28}).
func (s *ResolutionSigner) Sign(key domain.QuestionKey, outcome domain.Outcome) (string, error) {
	sig, err := ethcrypto.Sign(ResolutionDigest(key, outcome), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: signing resolution: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverResolver recovers the identity that signed an outcome attestation.
// The caller is responsible for checking the identity against the question's
// trusted-source set; recovery alone proves possession of a key, not
// authority over the question.
func RecoverResolver(key domain.QuestionKey, outcome domain.Outcome, sigHex string) (domain.Identity, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return domain.Identity{}, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(ResolutionDigest(key, outcome), sig)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("crypto: recovering resolver: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
