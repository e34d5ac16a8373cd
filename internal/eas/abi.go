package eas

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// contractABI covers the subset of the EAS contract the logbook calls
const contractABI = `[
  {
    "type": "function",
    "name": "attest",
    "stateMutability": "payable",
    "inputs": [{
      "name": "request",
      "type": "tuple",
      "internalType": "struct AttestationRequest",
      "components": [
        {"name": "schema", "type": "bytes32"},
        {"name": "data", "type": "tuple", "internalType": "struct AttestationRequestData", "components": [
          {"name": "recipient", "type": "address"},
          {"name": "expirationTime", "type": "uint64"},
          {"name": "revocable", "type": "bool"},
          {"name": "refUID", "type": "bytes32"},
          {"name": "data", "type": "bytes"},
          {"name": "value", "type": "uint256"}
        ]}
      ]
    }],
    "outputs": [{"name": "", "type": "bytes32"}]
  },
  {
    "type": "function",
    "name": "getAttestation",
    "stateMutability": "view",
    "inputs": [{"name": "uid", "type": "bytes32"}],
    "outputs": [{
      "name": "",
      "type": "tuple",
      "internalType": "struct Attestation",
      "components": [
        {"name": "uid", "type": "bytes32"},
        {"name": "schema", "type": "bytes32"},
        {"name": "time", "type": "uint64"},
        {"name": "expirationTime", "type": "uint64"},
        {"name": "revocationTime", "type": "uint64"},
        {"name": "refUID", "type": "bytes32"},
        {"name": "recipient", "type": "address"},
        {"name": "attester", "type": "address"},
        {"name": "revocable", "type": "bool"},
        {"name": "data", "type": "bytes"}
      ]
    }]
  },
  {
    "type": "event",
    "name": "Attested",
    "anonymous": false,
    "inputs": [
      {"name": "recipient", "type": "address", "indexed": true},
      {"name": "attester", "type": "address", "indexed": true},
      {"name": "uid", "type": "bytes32", "indexed": false},
      {"name": "schemaUID", "type": "bytes32", "indexed": true}
    ]
  }
]`

// ParsedABI returns the parsed EAS contract ABI
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}

// attestationRequestData mirrors AttestationRequestData
type attestationRequestData struct {
	Recipient      common.Address
	ExpirationTime uint64
	Revocable      bool
	RefUID         [32]byte
	Data           []byte
	Value          *big.Int
}

// attestationRequest mirrors AttestationRequest
type attestationRequest struct {
	Schema [32]byte
	Data   attestationRequestData
}

// attestationTuple mirrors the Attestation struct returned by getAttestation
type attestationTuple struct {
	Uid            [32]byte
	Schema         [32]byte
	Time           uint64
	ExpirationTime uint64
	RevocationTime uint64
	RefUID         [32]byte
	Recipient      common.Address
	Attester       common.Address
	Revocable      bool
	Data           []byte
}
