package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer authorizes transactions on behalf of the distributor. It also pays fees.
type Signer interface {
	Address() string
	SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// KeySigner signs with an in-process secp256k1 key
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid distributor private key: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the checksummed distributor address
func (s *KeySigner) Address() string {
	return s.address.Hex()
}

// SignTx signs tx for chainID with the latest signer rules
func (s *KeySigner) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.key)
}
