package collector

import (
	"context"

	"protocol-metrics/internal/storage"
)

// AdvisoryLock adapts a PostgreSQL advisory lock to Locker.
type AdvisoryLock struct {
	Locker storage.AdvisoryLocker
	Key    int64
}

// TryLock implements Locker.
func (a AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	return a.Locker.TryAdvisoryLock(ctx, a.Key)
}

var _ Locker = AdvisoryLock{}
