package memchain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Gateway acts on the chain as the custody account. It satisfies
// exchange.TokenGateway and exchange.NativePayer.
type Gateway struct {
	chain   *Chain
	custody common.Address
}

// NewGateway binds a gateway to custody
func NewGateway(c *Chain, custody common.Address) *Gateway {
	return &Gateway{chain: c, custody: custody}
}

func (g *Gateway) Custody() common.Address { return g.custody }

func (g *Gateway) TransferFrom(ctx context.Context, tokenAddr, owner, to common.Address, amount *uint256.Int) error {
	return g.chain.TransferFrom(ctx, tokenAddr, g.custody, owner, to, amount)
}

func (g *Gateway) Transfer(ctx context.Context, tokenAddr, to common.Address, amount *uint256.Int) error {
	return g.chain.Transfer(ctx, tokenAddr, g.custody, to, amount)
}

func (g *Gateway) BalanceOf(_ context.Context, tokenAddr, owner common.Address) (*uint256.Int, error) {
	return g.chain.TokenBalance(tokenAddr, owner)
}

// Send pays native currency out of custody. Receivers are not invoked for
// outbound payments.
func (g *Gateway) Send(_ context.Context, to common.Address, amount *uint256.Int) error {
	g.chain.mu.Lock()
	defer g.chain.mu.Unlock()
	return g.chain.moveNative(g.custody, to, amount)
}
