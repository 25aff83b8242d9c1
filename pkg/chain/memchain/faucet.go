package memchain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

// Faucet funds devnet accounts from thin air.
//
// Native currency is minted to the account and then sent to custody with
// depositData, so a custody receiver credits it on the exchange. Tokens are
// minted to the wallet and approved to custody, ready for a signed deposit.
type Faucet struct {
	chain       *Chain
	custody     common.Address
	depositData []byte
	log         *zap.SugaredLogger
}

// NewFaucet creates a faucet depositing native currency into custody
func NewFaucet(c *Chain, custody common.Address, depositData []byte, log *zap.SugaredLogger) *Faucet {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Faucet{chain: c, custody: custody, depositData: depositData, log: log}
}

// Fund gives to amount of assetID
func (f *Faucet) Fund(ctx context.Context, assetID, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("faucet: zero amount")
	}

	if asset.IsNative(assetID) {
		f.chain.MintNative(to, amount)
		if err := f.chain.SendNative(ctx, to, f.custody, amount, f.depositData); err != nil {
			return fmt.Errorf("faucet deposit: %w", err)
		}
		f.log.Infow("faucet_native", "to", to.Hex(), "amount", amount.Dec())
		return nil
	}

	if err := f.chain.Mint(assetID, to, amount); err != nil {
		return fmt.Errorf("faucet mint: %w", err)
	}
	allowance, err := f.chain.Allowance(assetID, to, f.custody)
	if err != nil {
		return err
	}
	if err := f.chain.Approve(assetID, to, f.custody, new(uint256.Int).Add(allowance, amount)); err != nil {
		return fmt.Errorf("faucet approve: %w", err)
	}
	f.log.Infow("faucet_token", "token", assetID.Hex(), "to", to.Hex(), "amount", amount.Dec())
	return nil
}
