// Package signature implements the X-Flashbots-Signature authentication scheme used by bundle relays.
//
// The header value is "<address>:<signature>" where signature is an EIP-191 personal signature
// over the hex encoded keccak256 hash of the exact request body.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const HTTPHeader = "X-Flashbots-Signature"

var (
	ErrInvalidKey       = errors.New("invalid signing key")
	ErrInvalidHeader    = errors.New("invalid signature header")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match signer address")
)

// Signer holds the searcher identity key. It is safe for concurrent use.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil || key.D == nil || key.Curve != crypto.S256() {
		return nil, ErrInvalidKey
	}
	if key.D.Sign() <= 0 || key.D.Cmp(crypto.S256().Params().N) >= 0 {
		return nil, ErrInvalidKey
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// NewSignerFromHexKey parses a hex private key, with or without 0x prefix
func NewSignerFromHexKey(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewSigner(key)
}

// NewRandomSigner creates a signer with a fresh identity
func NewRandomSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Create returns the header value for body
func (s *Signer) Create(body []byte) (string, error) {
	sig, err := crypto.Sign(messageHash(body), s.key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return s.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// Verify checks header against body and returns the signing address
func Verify(header string, body []byte) (common.Address, error) {
	parts := strings.Split(header, ":")
	if len(parts) != 2 {
		return common.Address{}, ErrInvalidHeader
	}
	if !common.IsHexAddress(parts[0]) {
		return common.Address{}, ErrInvalidHeader
	}
	claimed := common.HexToAddress(parts[0])

	sig, err := hexutil.Decode(parts[1])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(messageHash(body), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != claimed {
		return common.Address{}, ErrSignerMismatch
	}
	return claimed, nil
}

func messageHash(body []byte) []byte {
	return accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body))))
}
