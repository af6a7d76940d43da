package hardsync

import (
	"context"

	"github.com/fpmas/fpmas-go/syncmode"
)

// DataSync is a no-op under HardSyncMode: spec §4.5.2 keeps no separate
// replica-refresh pass because every DISTANT read/write already goes
// through a live Mutex RPC to the owning rank. Synchronize's only real
// work is Linker's termination-detection round.
type DataSync[T any] struct{}

func (DataSync[T]) Synchronize(ctx context.Context, dg syncmode.DistGraphView[T]) error {
	return nil
}
