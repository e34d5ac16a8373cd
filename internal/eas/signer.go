package eas

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Signer holds the key attestations are signed with
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex encoded private key
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid wallet private key", "key could not be parsed")
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an existing key
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the signer address
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for the given chain
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// Wallet is the server-side stand-in for a connected browser wallet. A wallet
// without a signer is disconnected.
type Wallet struct {
	signer  *Signer
	backend Backend
}

// NewWallet creates a wallet; signer may be nil
func NewWallet(signer *Signer, backend Backend) *Wallet {
	return &Wallet{signer: signer, backend: backend}
}

// Connected reports whether a signer is configured
func (w *Wallet) Connected() bool {
	return w != nil && w.signer != nil
}

// Signer returns the wallet signer, nil when disconnected
func (w *Wallet) Signer() *Signer {
	if w == nil {
		return nil
	}
	return w.signer
}

// Address returns the wallet address, the zero address when disconnected
func (w *Wallet) Address() common.Address {
	if !w.Connected() {
		return common.Address{}
	}
	return w.signer.Address()
}

// GasBalance returns the native balance of the wallet
func (w *Wallet) GasBalance(ctx context.Context) (*big.Int, error) {
	if !w.Connected() {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Wallet connection is required")
	}
	balance, err := w.backend.BalanceAt(ctx, w.signer.Address(), nil)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to read wallet balance", err)
	}
	return balance, nil
}
