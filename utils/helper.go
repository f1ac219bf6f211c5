package utils

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"github.com/bsm/redislock"
	"github.com/cockroachdb/errors"
)

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

func NewTrue() *bool {
	b := true
	return &b
}

// StockLock serializes ledger writers of one (product, warehouse) pair across instances.
// Without Redis it is a no-op and the snapshot update relies on the database alone.
// The returned release func must be called once the surrounding transaction has finished.
func StockLock(ctx context.Context, productId int, warehouseId int, moduleName string, functionName string) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	logger := config.GetLogger()
	lockKey := fmt.Sprintf("stockLock:%d:%d", productId, warehouseId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 100),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, moduleName, functionName, "Could not obtain stock lock", lockKey, err)
		return nil, NewConflictError("stock of product %d in warehouse %d is locked by another writer", productId, warehouseId)
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining stock lock", lockKey, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
