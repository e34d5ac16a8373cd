package eas

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// LogBackend reads the head and logs of a chain. connection.Client and
// MemoryBackend satisfy it.
type LogBackend interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// AttestedQuery selects Attested logs of the contract in [from, to]. A zero
// schema matches every schema.
func (c *Client) AttestedQuery(from, to uint64, schema common.Hash) ethereum.FilterQuery {
	topics := [][]common.Hash{{c.AttestedTopic()}, nil, nil}
	if schema != (common.Hash{}) {
		topics = append(topics, []common.Hash{schema})
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    topics,
	}
}

// AttestedEvents returns the parsed Attested events in [from, to]. Logs that
// do not parse are skipped.
func (c *Client) AttestedEvents(ctx context.Context, backend LogBackend, from, to uint64, schema common.Hash) ([]*AttestedEvent, error) {
	logs, err := backend.FilterLogs(ctx, c.AttestedQuery(from, to, schema))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to filter Attested logs", err)
	}

	events := make([]*AttestedEvent, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		ev, err := c.ParseAttested(&logs[i])
		if err != nil {
			c.logger.WithError(err).WithField("tx_hash", logs[i].TxHash.Hex()).Debug("Skipping log")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
