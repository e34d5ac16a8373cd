package submission

import (
	"context"

	"github.com/smartdevs17/eas-logbook/internal/eas"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// ChainAttester signs attestations with the wallet's key and sends them
// through an EAS client
type ChainAttester struct {
	client *eas.Client
	wallet *eas.Wallet
}

// NewChainAttester creates an Attester backed by the EAS contract
func NewChainAttester(client *eas.Client, wallet *eas.Wallet) *ChainAttester {
	return &ChainAttester{client: client, wallet: wallet}
}

// Attest sends req and returns the pending transaction
func (a *ChainAttester) Attest(ctx context.Context, req eas.AttestationRequest) (Pending, error) {
	signer := a.wallet.Signer()
	if signer == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Wallet connection is required")
	}
	pending, err := a.client.Attest(ctx, signer, req)
	if err != nil {
		return nil, err
	}
	return pending, nil
}
