package eas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartdevs17/eas-logbook/internal/models"
)

// MemoryBackend is an in-process chain with one EAS contract. Transactions are
// mined as soon as they are sent; receipts become visible after ReceiptDelay
// polls.
type MemoryBackend struct {
	mu sync.Mutex

	codec        *Client
	chainID      *big.Int
	block        uint64
	balances     map[common.Address]*big.Int
	nonces       map[common.Address]uint64
	attestations map[common.Hash]*models.RawAttestation
	receipts     map[common.Hash]*types.Receipt
	logs         []types.Log
	polls        map[common.Hash]int

	ReceiptDelay int
	SendErr      error
	Sent         int
	Calls        int
}

// NewMemoryBackend creates a simulated chain with the contract at address
func NewMemoryBackend(chainID uint64, contract common.Address) *MemoryBackend {
	m := &MemoryBackend{
		chainID:      new(big.Int).SetUint64(chainID),
		balances:     make(map[common.Address]*big.Int),
		nonces:       make(map[common.Address]uint64),
		attestations: make(map[common.Hash]*models.RawAttestation),
		receipts:     make(map[common.Hash]*types.Receipt),
		polls:        make(map[common.Hash]int),
	}
	client, err := NewClient(m, contract, time.Millisecond)
	if err != nil {
		panic(err)
	}
	m.codec = client
	return m
}

// Fund sets the balance of account
func (m *MemoryBackend) Fund(account common.Address, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = new(big.Int).Set(wei)
}

// Put stores an attestation directly
func (m *MemoryBackend) Put(raw *models.RawAttestation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *raw
	m.attestations[raw.UID] = &copied
}

// Attestation returns a stored attestation
func (m *MemoryBackend) Attestation(uid common.Hash) (*models.RawAttestation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.attestations[uid]
	return raw, ok
}

func (m *MemoryBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if msg.To == nil || *msg.To != m.codec.contract || len(msg.Data) < 4 {
		return nil, nil
	}
	method, err := m.codec.abi.MethodById(msg.Data[:4])
	if err != nil || method.Name != "getAttestation" {
		return nil, fmt.Errorf("execution reverted")
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	uid := common.Hash(args[0].([32]byte))

	raw, ok := m.attestations[uid]
	if !ok {
		raw = &models.RawAttestation{}
	}
	return m.codec.EncodeAttestation(raw)
}

func (m *MemoryBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account], nil
}

func (m *MemoryBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *MemoryBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (m *MemoryBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent++

	if m.SendErr != nil {
		return m.SendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != m.nonces[from] {
		return fmt.Errorf("nonce too low")
	}
	req, err := m.codec.DecodeAttestCall(tx.Data())
	if err != nil {
		return err
	}

	m.nonces[from]++
	m.block++
	uid := crypto.Keccak256Hash(tx.Hash().Bytes(), req.Schema.Bytes())
	m.attestations[uid] = &models.RawAttestation{
		UID:            uid,
		Schema:         req.Schema,
		Time:           uint64(time.Now().Unix()),
		ExpirationTime: req.ExpirationTime,
		RefUID:         req.RefUID,
		Recipient:      req.Recipient,
		Attester:       from,
		Revocable:      req.Revocable,
		Data:           req.Data,
	}

	log, err := m.codec.EncodeAttestedLog(AttestedEvent{
		UID:       uid,
		Schema:    req.Schema,
		Recipient: req.Recipient,
		Attester:  from,
		TxHash:    tx.Hash(),
		Block:     m.block,
	})
	if err != nil {
		return err
	}
	m.logs = append(m.logs, *log)
	m.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(m.block),
		Logs:        []*types.Log{log},
	}
	return nil
}

func (m *MemoryBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	receipt, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if m.polls[txHash] < m.ReceiptDelay {
		m.polls[txHash]++
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (m *MemoryBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *MemoryBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MemoryBackend) LatestBlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

// FilterLogs matches emitted logs by block range, address and topic position
func (m *MemoryBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Log
	for _, l := range m.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		matched := false
		for _, t := range alternatives {
			if t == topics[i] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
