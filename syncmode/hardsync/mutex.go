package hardsync

import (
	"context"
	"runtime"

	"github.com/fpmas/fpmas-go/graph"

	errwrap "github.com/pkg/errors"
)

// Mutex is HardSyncMode's per-node client (spec §4.5.2): every call is an
// RPC to n's owning rank, serviced by that rank's Server. Reads and writes
// are always live — nothing is cached locally between calls — which is
// exactly the pessimistic trade GhostMode (syncmode/ghost) declines to
// make.
type Mutex[T any] struct {
	node   *graph.Node[T]
	server *Server[T]
}

// NewMutex builds a hardsync Mutex for n, RPC-ing through server. server is
// used uniformly whether n is LOCAL or DISTANT: a LOCAL node's RPC simply
// loops back to this same process. That is wasteful but correct, and keeps
// Mutex installation identical across LOCAL/DISTANT exactly as GhostMode
// does.
func NewMutex[T any](n *graph.Node[T], server *Server[T]) graph.Mutex[T] {
	return &Mutex[T]{node: n, server: server}
}

func (m *Mutex[T]) owner() int { return m.node.Location() }

// waitForResponse blocks for a message matching (src, tag) while
// interleaving the local server's request-handling, so a cycle of mutexes
// all waiting on each other can never deadlock (spec §4.5.2 deadlock
// avoidance discipline).
func waitForResponse[T any](ctx context.Context, s *Server[T], src, tag int) (Message[T], error) {
	tr := s.msgTr
	for {
		if _, ok, err := tr.Iprobe(src, tag); err != nil {
			return Message[T]{}, errwrap.Wrap(err, "hardsync: iprobe for response failed")
		} else if ok {
			msg, _, err := tr.Recv(ctx, src, tag)
			if err != nil {
				return Message[T]{}, errwrap.Wrap(err, "hardsync: recv response failed")
			}
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			return Message[T]{}, err
		}
		if err := s.HandleIncomingRequests(ctx); err != nil {
			return Message[T]{}, err
		}
		runtime.Gosched()
	}
}

func (m *Mutex[T]) Read(ctx context.Context) (T, error) {
	var zero T
	epoch := m.server.currentEpoch()
	owner := m.owner()
	reqId := newRequestId()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(Read, epoch), Message[T]{NodeId: m.node.Id(), RequestId: reqId}); err != nil {
		return zero, errwrap.Wrap(err, "hardsync: send READ failed")
	}
	m.server.markBlack()
	msg, err := waitForResponse(ctx, m.server, owner, wireTag(ReadResponse, epoch))
	if err != nil {
		return zero, err
	}
	if msg.Gone {
		return zero, errwrap.Errorf("hardsync: node %s no longer exists on rank %d (request %s)", m.node.Id(), owner, reqId)
	}
	return msg.Data, nil
}

// ReleaseRead ends a shared read access. HardSyncMode services READ the
// same way as LOCK_SHARED (both simply increment the shared-reader count),
// so releasing one is UNLOCK_SHARED.
func (m *Mutex[T]) ReleaseRead(ctx context.Context) error {
	epoch := m.server.currentEpoch()
	owner := m.owner()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(UnlockShared, epoch), Message[T]{NodeId: m.node.Id(), RequestId: newRequestId()}); err != nil {
		return errwrap.Wrap(err, "hardsync: send UNLOCK_SHARED (from ReleaseRead) failed")
	}
	m.server.markBlack()
	return nil
}

func (m *Mutex[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	epoch := m.server.currentEpoch()
	owner := m.owner()
	reqId := newRequestId()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(Acquire, epoch), Message[T]{NodeId: m.node.Id(), RequestId: reqId}); err != nil {
		return zero, errwrap.Wrap(err, "hardsync: send ACQUIRE failed")
	}
	m.server.markBlack()
	msg, err := waitForResponse(ctx, m.server, owner, wireTag(AcquireResponse, epoch))
	if err != nil {
		return zero, err
	}
	if msg.Gone {
		return zero, errwrap.Errorf("hardsync: node %s no longer exists on rank %d (request %s)", m.node.Id(), owner, reqId)
	}
	return msg.Data, nil
}

func (m *Mutex[T]) ReleaseAcquire(ctx context.Context, data T) error {
	epoch := m.server.currentEpoch()
	owner := m.owner()
	msg := Message[T]{NodeId: m.node.Id(), Data: data, Weight: m.node.Weight(), RequestId: newRequestId()}
	if err := m.server.msgTr.Send(ctx, owner, wireTag(ReleaseAcquire, epoch), msg); err != nil {
		return errwrap.Wrap(err, "hardsync: send RELEASE_ACQUIRE failed")
	}
	m.server.markBlack()
	return nil
}

func (m *Mutex[T]) Lock(ctx context.Context) error {
	epoch := m.server.currentEpoch()
	owner := m.owner()
	reqId := newRequestId()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(Lock, epoch), Message[T]{NodeId: m.node.Id(), RequestId: reqId}); err != nil {
		return errwrap.Wrap(err, "hardsync: send LOCK failed")
	}
	m.server.markBlack()
	msg, err := waitForResponse(ctx, m.server, owner, wireTag(LockResponse, epoch))
	if err != nil {
		return err
	}
	if msg.Gone {
		return errwrap.Errorf("hardsync: node %s no longer exists on rank %d (request %s)", m.node.Id(), owner, reqId)
	}
	return nil
}

func (m *Mutex[T]) Unlock(ctx context.Context) error {
	epoch := m.server.currentEpoch()
	owner := m.owner()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(Unlock, epoch), Message[T]{NodeId: m.node.Id(), RequestId: newRequestId()}); err != nil {
		return errwrap.Wrap(err, "hardsync: send UNLOCK failed")
	}
	m.server.markBlack()
	return nil
}

func (m *Mutex[T]) LockShared(ctx context.Context) error {
	epoch := m.server.currentEpoch()
	owner := m.owner()
	reqId := newRequestId()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(LockShared, epoch), Message[T]{NodeId: m.node.Id(), RequestId: reqId}); err != nil {
		return errwrap.Wrap(err, "hardsync: send LOCK_SHARED failed")
	}
	m.server.markBlack()
	msg, err := waitForResponse(ctx, m.server, owner, wireTag(LockSharedResponse, epoch))
	if err != nil {
		return err
	}
	if msg.Gone {
		return errwrap.Errorf("hardsync: node %s no longer exists on rank %d (request %s)", m.node.Id(), owner, reqId)
	}
	return nil
}

func (m *Mutex[T]) UnlockShared(ctx context.Context) error {
	epoch := m.server.currentEpoch()
	owner := m.owner()
	if err := m.server.msgTr.Send(ctx, owner, wireTag(UnlockShared, epoch), Message[T]{NodeId: m.node.Id(), RequestId: newRequestId()}); err != nil {
		return errwrap.Wrap(err, "hardsync: send UNLOCK_SHARED failed")
	}
	m.server.markBlack()
	return nil
}
