// Package bootstrap discovers N independently-started OS processes and
// agrees on a stable 0..N-1 rank assignment before transport.New is
// called (spec §6: "the core's only external state is the live MPI
// communicator"). It is optional — transport/local needs no bootstrap at
// all — and is grounded on the self-registration and exchange-path watch
// etcd/scheduler/scheduler.go already does in the teacher's pack, adapted
// from hostname scheduling to rank assignment.
package bootstrap

import (
	"context"
	"fmt"

	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	errwrap "github.com/pkg/errors"
)

// Join registers this process under runID, claims the next free rank via
// a Mutex-guarded counter key (exactly the session+concurrency.Mutex
// discipline scheduler.go's campaignFunc uses to serialize access to
// shared etcd state), then watches the peers prefix until worldSize
// processes have all joined, returning every peer's self-reported address
// ordered by rank.
func Join(ctx context.Context, client *etcd.Client, runID string, worldSize int, selfAddr string) (rank int, peers []string, err error) {
	session, err := concurrency.NewSession(client)
	if err != nil {
		return 0, nil, errwrap.Wrap(err, "bootstrap: could not create session")
	}
	defer session.Close()

	lockPath := fmt.Sprintf("/%s/lock", runID)
	peersPrefix := fmt.Sprintf("/%s/peers/", runID)

	mutex := concurrency.NewMutex(session, lockPath)
	if err := mutex.Lock(ctx); err != nil {
		return 0, nil, errwrap.Wrap(err, "bootstrap: could not acquire rank lock")
	}

	resp, err := client.Get(ctx, peersPrefix, etcd.WithPrefix())
	if err != nil {
		_ = mutex.Unlock(ctx)
		return 0, nil, errwrap.Wrap(err, "bootstrap: could not list existing peers")
	}
	myRank := len(resp.Kvs)
	if myRank >= worldSize {
		_ = mutex.Unlock(ctx)
		return 0, nil, errwrap.Errorf("bootstrap: world already has %d peers, no room for rank %d", len(resp.Kvs), myRank)
	}

	myKey := fmt.Sprintf("%srank-%d", peersPrefix, myRank)
	if _, err := client.Put(ctx, myKey, selfAddr, etcd.WithLease(session.Lease())); err != nil {
		_ = mutex.Unlock(ctx)
		return 0, nil, errwrap.Wrap(err, "bootstrap: could not register self")
	}

	if err := mutex.Unlock(ctx); err != nil {
		return 0, nil, errwrap.Wrap(err, "bootstrap: could not release rank lock")
	}

	addrs, err := waitForPeers(ctx, client, peersPrefix, worldSize)
	if err != nil {
		return 0, nil, err
	}
	return myRank, addrs, nil
}

// waitForPeers watches peersPrefix until worldSize distinct rank keys
// have appeared, then returns their addresses ordered by rank.
func waitForPeers(ctx context.Context, client *etcd.Client, peersPrefix string, worldSize int) ([]string, error) {
	watchChan := client.Watch(ctx, peersPrefix, etcd.WithPrefix())

	for {
		resp, err := client.Get(ctx, peersPrefix, etcd.WithPrefix())
		if err != nil {
			return nil, errwrap.Wrap(err, "bootstrap: could not list peers while waiting")
		}
		if len(resp.Kvs) >= worldSize {
			return orderByRank(resp.Kvs, peersPrefix, worldSize)
		}

		select {
		case _, ok := <-watchChan:
			if !ok {
				return nil, errwrap.New("bootstrap: watch closed before every peer joined")
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func orderByRank(kvs []*mvccpb.KeyValue, peersPrefix string, worldSize int) ([]string, error) {
	addrs := make([]string, worldSize)
	seen := make([]bool, worldSize)
	for _, kv := range kvs {
		var r int
		if _, err := fmt.Sscanf(string(kv.Key), peersPrefix+"rank-%d", &r); err != nil {
			continue
		}
		if r < 0 || r >= worldSize {
			continue
		}
		addrs[r] = string(kv.Value)
		seen[r] = true
	}
	for r, ok := range seen {
		if !ok {
			return nil, errwrap.Errorf("bootstrap: rank %d missing from peers after quorum reached", r)
		}
	}
	return addrs, nil
}
