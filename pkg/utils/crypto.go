package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateID generates a random hex ID
func GenerateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// ParseUID parses a 0x-prefixed 32 byte attestation or schema identifier
func ParseUID(uid string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(uid, "0x"), "0X")
	if len(trimmed) != 64 {
		return common.Hash{}, NewAppError(ErrCodeValidation, "Invalid identifier",
			fmt.Sprintf("expected 32 bytes hex, got %q", uid))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return common.Hash{}, NewAppError(ErrCodeValidation, "Invalid identifier", err.Error())
	}
	return common.BytesToHash(raw), nil
}

// ContentHash returns the keccak256 hex digest used as a content identifier
// for storage backends that do not produce one
func ContentHash(data []byte) string {
	return crypto.Keccak256Hash(data).Hex()
}
