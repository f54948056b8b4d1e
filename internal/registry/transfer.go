package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transferer 将登记簿持有的原生资产转给收款方
//
// ctx携带重入令牌，收款方回调应沿用它调用登记簿。回调若换用新的
// ctx进入受保护操作，会在Guard.ExternalWait后以Reentrant失败，
// 期间提现一直阻塞。
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// TransferFunc 函数适配器
type TransferFunc func(ctx context.Context, to common.Address, amount *big.Int) error

// Transfer 调用f
func (f TransferFunc) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return f(ctx, to, amount)
}

