package hardsync

import (
	"github.com/fpmas/fpmas-go/id"
	"github.com/google/uuid"
)

// Message is the wire envelope for every node-mutex RPC (READ, ACQUIRE,
// LOCK, LOCK_SHARED and their responses, UNLOCK, UNLOCK_SHARED,
// RELEASE_ACQUIRE). Most fields are unused by most tags; Data/Weight only
// matter for ReleaseAcquire and the Read/Acquire responses.
type Message[T any] struct {
	NodeId id.Id
	Data   T
	Weight float64
	// Gone answers a request that raced a local erase of the node (spec
	// §6 Open Question decision, see DESIGN.md).
	Gone bool
	// RequestId correlates a request with its response and with the
	// server's error logging; every client call mints a fresh one and
	// the server echoes it back unchanged.
	RequestId string
}

// newRequestId mints a fresh correlation id for an outgoing request.
func newRequestId() string {
	return uuid.NewString()
}

// Token is the Dijkstra-Safra colored token passed around the ring to
// detect quiescence at the end of a synchronize() round.
type Token struct {
	Black bool
}

// pendingRequest remembers who asked for an exclusive or shared grant
// while a node was busy, so drain can answer it once the node frees up.
type pendingRequest struct {
	requester int
	tag       Tag
	requestId string
}

// nodeState is the per-node server bookkeeping of spec §4.5.2's policy
// table: an exclusive lock flag, a shared-reader count, and the pending
// queues drained on release. The spec describes three FIFO queues (READ,
// LOCK/LOCK_SHARED, ACQUIRE); since the drain rule always processes all
// READs then at most one of the other three picked in arrival order, a
// single combined lockQueue preserving arrival order over LOCK,
// LOCK_SHARED and ACQUIRE is behaviorally identical and is what this
// implementation keeps (see DESIGN.md Open Question decisions).
type nodeState[T any] struct {
	locked      bool
	sharedCount int
	readQueue   []pendingRequest
	lockQueue   []pendingRequest
}
