package eas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Backend is the subset of an Ethereum client the EAS client needs.
// *ethclient.Client and connection.Client satisfy it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// AttestationRequest describes one attestation to submit
type AttestationRequest struct {
	Schema         common.Hash
	Recipient      common.Address
	ExpirationTime uint64
	Revocable      bool
	RefUID         common.Hash
	Data           []byte
}

// AttestedEvent is a parsed Attested log
type AttestedEvent struct {
	UID       common.Hash
	Schema    common.Hash
	Recipient common.Address
	Attester  common.Address
	TxHash    common.Hash
	Block     uint64
}

// Client talks to one deployed EAS contract
type Client struct {
	backend      Backend
	contract     common.Address
	abi          abi.ABI
	pollInterval time.Duration
	gasMargin    uint64
	logger       *logrus.Entry

	chainMu sync.Mutex
	chainID *big.Int
}

// NewClient creates a client for the contract at address
func NewClient(backend Backend, address common.Address, pollInterval time.Duration) (*Client, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to parse EAS ABI", err.Error())
	}
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}

	return &Client{
		backend:      backend,
		contract:     address,
		abi:          parsed,
		pollInterval: pollInterval,
		gasMargin:    20,
		logger:       utils.ComponentLogger("eas").WithField("contract", address.Hex()),
	}, nil
}

// Address returns the contract address
func (c *Client) Address() common.Address {
	return c.contract
}

// ChainID returns the chain id of the backend, cached after the first call
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to get chain id", err)
	}
	c.chainID = id
	return id, nil
}

// GetAttestation reads an attestation straight from the contract
func (c *Client) GetAttestation(ctx context.Context, uid common.Hash) (*models.RawAttestation, error) {
	input, err := c.abi.Pack("getAttestation", [32]byte(uid))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to pack getAttestation", err)
	}

	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		c.logger.WithError(err).WithField("uid", uid.Hex()).Error("getAttestation call failed")
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to read attestation", err)
	}

	values, err := c.abi.Unpack("getAttestation", output)
	if err != nil || len(values) != 1 {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected getAttestation output",
			fmt.Sprintf("%d bytes", len(output)))
	}
	tuple := *abi.ConvertType(values[0], new(attestationTuple)).(*attestationTuple)

	raw := &models.RawAttestation{
		UID:            common.Hash(tuple.Uid),
		Schema:         common.Hash(tuple.Schema),
		Time:           tuple.Time,
		ExpirationTime: tuple.ExpirationTime,
		RevocationTime: tuple.RevocationTime,
		RefUID:         common.Hash(tuple.RefUID),
		Recipient:      tuple.Recipient,
		Attester:       tuple.Attester,
		Revocable:      tuple.Revocable,
		Data:           tuple.Data,
	}
	if !raw.Exists() {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Attestation not found", uid.Hex())
	}
	return raw, nil
}

// Attest signs and sends an attest transaction and returns without waiting
func (c *Client) Attest(ctx context.Context, signer *Signer, req AttestationRequest) (*PendingAttestation, error) {
	input, err := c.abi.Pack("attest", attestationRequest{
		Schema: [32]byte(req.Schema),
		Data: attestationRequestData{
			Recipient:      req.Recipient,
			ExpirationTime: req.ExpirationTime,
			Revocable:      req.Revocable,
			RefUID:         [32]byte(req.RefUID),
			Data:           req.Data,
			Value:          big.NewInt(0),
		},
	})
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to pack attest call", err)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	from := signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeSubmission, "Failed to get account nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeSubmission, "Failed to suggest gas price", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.contract, Data: input})
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeSubmission, "Attestation would be rejected", err)
	}
	gas += gas * c.gasMargin / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     input,
	})
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeSubmission, "Failed to sign transaction", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.logger.WithError(err).WithField("from", from.Hex()).Error("Failed to send attest transaction")
		return nil, utils.WrapAppError(utils.ErrCodeSubmission, "Transaction was rejected", err)
	}

	c.logger.WithFields(logrus.Fields{
		"tx_hash": signed.Hash().Hex(),
		"from":    from.Hex(),
		"nonce":   nonce,
		"gas":     gas,
	}).Info("Attest transaction sent")

	return &PendingAttestation{TxHash: signed.Hash(), client: c}, nil
}

// PendingAttestation is a sent but unconfirmed attest transaction
type PendingAttestation struct {
	TxHash common.Hash
	client *Client
}

// Wait polls for the receipt until it is mined or ctx is done, then returns
// the new attestation uid
func (p *PendingAttestation) Wait(ctx context.Context) (*AttestedEvent, error) {
	c := p.client
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, p.TxHash)
		switch {
		case err == nil:
			return c.eventFromReceipt(receipt)
		case errors.Is(err, ethereum.NotFound):
			c.logger.WithField("tx_hash", p.TxHash.Hex()).Debug("Waiting for attest transaction")
		default:
			c.logger.WithError(err).WithField("tx_hash", p.TxHash.Hex()).Warn("Failed to get receipt, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) eventFromReceipt(receipt *types.Receipt) (*AttestedEvent, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, utils.NewAppError(utils.ErrCodeSubmission, "Attestation transaction reverted", receipt.TxHash.Hex())
	}
	for _, log := range receipt.Logs {
		if log.Address != c.contract {
			continue
		}
		event, err := c.ParseAttested(log)
		if err != nil {
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"tx_hash": receipt.TxHash.Hex(),
			"uid":     event.UID.Hex(),
			"block":   event.Block,
		}).Info("Attestation confirmed")
		return event, nil
	}
	return nil, utils.NewAppError(utils.ErrCodeSubmission, "No Attested event in receipt", receipt.TxHash.Hex())
}

// ParseAttested parses an Attested log emitted by the contract
func (c *Client) ParseAttested(log *types.Log) (*AttestedEvent, error) {
	event := c.abi.Events["Attested"]
	if len(log.Topics) != 4 || log.Topics[0] != event.ID {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Not an Attested log", log.TxHash.Hex())
	}

	values, err := c.abi.Unpack("Attested", log.Data)
	if err != nil || len(values) != 1 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to unpack Attested log", log.TxHash.Hex())
	}
	uid, ok := values[0].([32]byte)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unexpected Attested uid type", fmt.Sprintf("%T", values[0]))
	}

	return &AttestedEvent{
		UID:       common.Hash(uid),
		Recipient: common.BytesToAddress(log.Topics[1].Bytes()),
		Attester:  common.BytesToAddress(log.Topics[2].Bytes()),
		Schema:    log.Topics[3],
		TxHash:    log.TxHash,
		Block:     log.BlockNumber,
	}, nil
}

// AttestedTopic is the topic hash of the Attested event
func (c *Client) AttestedTopic() common.Hash {
	return c.abi.Events["Attested"].ID
}

// EncodeAttestedLog builds the log the contract emits for an attestation.
// Useful to simulated backends.
func (c *Client) EncodeAttestedLog(ev AttestedEvent) (*types.Log, error) {
	data, err := c.abi.Events["Attested"].Inputs.NonIndexed().Pack([32]byte(ev.UID))
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: c.contract,
		Topics: []common.Hash{
			c.AttestedTopic(),
			common.BytesToHash(ev.Recipient.Bytes()),
			common.BytesToHash(ev.Attester.Bytes()),
			ev.Schema,
		},
		Data:        data,
		TxHash:      ev.TxHash,
		BlockNumber: ev.Block,
	}, nil
}

// EncodeAttestation builds the getAttestation return data for raw
func (c *Client) EncodeAttestation(raw *models.RawAttestation) ([]byte, error) {
	return c.abi.Methods["getAttestation"].Outputs.Pack(attestationTuple{
		Uid:            [32]byte(raw.UID),
		Schema:         [32]byte(raw.Schema),
		Time:           raw.Time,
		ExpirationTime: raw.ExpirationTime,
		RevocationTime: raw.RevocationTime,
		RefUID:         [32]byte(raw.RefUID),
		Recipient:      raw.Recipient,
		Attester:       raw.Attester,
		Revocable:      raw.Revocable,
		Data:           raw.Data,
	})
}

// DecodeAttestCall unpacks the request of an attest transaction's input
func (c *Client) DecodeAttestCall(input []byte) (*AttestationRequest, error) {
	if len(input) < 4 {
		return nil, fmt.Errorf("input too short")
	}
	method, err := c.abi.MethodById(input[:4])
	if err != nil || method.Name != "attest" {
		return nil, fmt.Errorf("not an attest call")
	}
	values, err := method.Inputs.Unpack(input[4:])
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unpack attest input: %v", err)
	}
	req := *abi.ConvertType(values[0], new(attestationRequest)).(*attestationRequest)
	return &AttestationRequest{
		Schema:         common.Hash(req.Schema),
		Recipient:      req.Data.Recipient,
		ExpirationTime: req.Data.ExpirationTime,
		Revocable:      req.Data.Revocable,
		RefUID:         common.Hash(req.Data.RefUID),
		Data:           req.Data.Data,
	}, nil
}
