// Package evm provides ECDSA signers for the state-channel protocol: a
// primary wallet signer used once during the auth handshake, and delegated
// session-key signers used for every message after it.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces EIP-191 personal-sign signatures for relay messages.
type Signer interface {
	// Address returns the checksummed Ethereum address of the signer.
	Address() string

	// SignMessage signs the message with the EIP-191 personal-sign
	// prefix and returns the 65-byte (r, s, v) signature.
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// PrivateKeySigner implements Signer with an in-memory ECDSA private key.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key,
// with or without a "0x" prefix.
func NewSignerFromPrivateKey(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// GenerateSessionKey creates a fresh ephemeral signer for session-key
// delegation.
func GenerateSessionKey() (*PrivateKeySigner, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the Ethereum address of the signer.
func (s *PrivateKeySigner) Address() string {
	return s.address.Hex()
}

// SignMessage signs an EIP-191 prefixed digest of the message.
func (s *PrivateKeySigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	digest := personalDigest(message)

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Recovery ID 0/1 -> 27/28.
	signature[64] += 27

	return signature, nil
}

// RecoverSigner returns the address that produced the signature over the
// EIP-191 prefixed message. Used by the relay side (and tests) to verify
// challenge and envelope signatures.
func RecoverSigner(message, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("invalid signature length %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(personalDigest(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// VerifySignature reports whether address signed the message.
func VerifySignature(address string, message, signature []byte) bool {
	recovered, err := RecoverSigner(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, address)
}

// EncodeSignature renders a signature as a 0x-prefixed hex string for the
// wire.
func EncodeSignature(signature []byte) string {
	return hexutil.Encode(signature)
}

// DecodeSignature parses a 0x-prefixed hex signature from the wire.
func DecodeSignature(encoded string) ([]byte, error) {
	sig, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return sig, nil
}

func personalDigest(message []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}
