package connection

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Client exposes the chain calls the EAS client makes, resolving the live
// ethclient from a Manager on every call and recording RPC metrics
type Client struct {
	manager  Manager
	recorder Recorder
	logger   *logrus.Entry
}

// NewClient creates a client over manager
func NewClient(manager Manager, recorder Recorder) *Client {
	return &Client{
		manager:  manager,
		recorder: recorder,
		logger:   utils.ComponentLogger("rpc"),
	}
}

// do runs fn against the live client and records the outcome
func (c *Client) do(ctx context.Context, method string, fn func(*ethclient.Client) error) error {
	start := time.Now()
	client, err := c.manager.GetClientWithContext(ctx)
	endpoint := c.manager.CurrentURL()
	if err != nil {
		c.record(endpoint, method, "error", start)
		if c.recorder != nil {
			c.recorder.RecordConnectionError(endpoint, "no_client")
		}
		return err
	}

	callErr := fn(client)
	status := "success"
	if callErr != nil && callErr != ethereum.NotFound {
		status = "error"
		c.logger.WithError(callErr).WithFields(logrus.Fields{
			"method":   method,
			"endpoint": endpoint,
		}).Debug("RPC call failed")
	}
	c.record(endpoint, method, status, start)
	return callErr
}

func (c *Client) record(endpoint, method, status string, start time.Time) {
	if c.recorder != nil {
		c.recorder.RecordRPCRequest(endpoint, method, status, time.Since(start))
	}
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func(ec *ethclient.Client) (err error) {
		out, err = ec.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, "eth_getTransactionCount", func(ec *ethclient.Client) (err error) {
		nonce, err = ec.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, "eth_gasPrice", func(ec *ethclient.Client) (err error) {
		price, err = ec.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(ctx, "eth_estimateGas", func(ec *ethclient.Client) (err error) {
		gas, err = ec.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, "eth_sendRawTransaction", func(ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func(ec *ethclient.Client) (err error) {
		receipt, err = ec.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.do(ctx, "eth_getBalance", func(ec *ethclient.Client) (err error) {
		balance, err = ec.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.do(ctx, "eth_chainId", func(ec *ethclient.Client) (err error) {
		id, err = ec.ChainID(ctx)
		return err
	})
	return id, err
}

// LatestBlockNumber returns the head block number
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.do(ctx, "eth_blockNumber", func(ec *ethclient.Client) (err error) {
		number, err = ec.BlockNumber(ctx)
		return err
	})
	return number, err
}

// FilterLogs runs an eth_getLogs query
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ec *ethclient.Client) (err error) {
		logs, err = ec.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}
