package hardsync

import (
	"context"
	"sync"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// Server answers every RPC HardSyncMode's clients address to the nodes
// this process owns (spec §4.5.2: "a server component running on every
// process handles incoming requests").
type Server[T any] struct {
	rank      int
	worldSize int
	comm      transport.Communicator

	msgTr   *transport.Transport[Message[T]]
	edgeTr  *transport.Transport[syncmode.EdgePacket]
	idTr    *transport.Transport[id.Id]
	tokenTr *transport.Transport[Token]
	endTr   *transport.Transport[Epoch]

	mu     sync.Mutex
	epoch  Epoch
	black  bool // has this process sent a message since the last token pass
	states map[id.Id]*nodeState[T]

	dg syncmode.GraphMutator[T]
}

// NewServer builds a Server bound to comm. Bind must be called once the
// owning DistGraph exists, before any request involving it can be
// serviced; NewMode does not bind, and Linker.Synchronize binds the graph
// it is handed.
func NewServer[T any](comm transport.Communicator) *Server[T] {
	return &Server[T]{
		rank:      comm.Rank(),
		worldSize: comm.WorldSize(),
		comm:      comm,
		msgTr:     transport.New[Message[T]](comm, transport.JSONCodec[Message[T]]{}),
		edgeTr:    transport.New[syncmode.EdgePacket](comm, transport.JSONCodec[syncmode.EdgePacket]{}),
		idTr:      transport.New[id.Id](comm, transport.JSONCodec[id.Id]{}),
		tokenTr:   transport.New[Token](comm, transport.JSONCodec[Token]{}),
		endTr:     transport.New[Epoch](comm, transport.JSONCodec[Epoch]{}),
		states:    make(map[id.Id]*nodeState[T]),
	}
}

// NewMode builds a Server together with the syncmode.Mode wiring it into a
// DistGraph. Bind the returned Server to the DistGraph immediately after
// constructing it — LINK/UNLINK/REMOVE_NODE and every mutex RPC is
// serviced against the bound graph from then on.
func NewMode[T any](comm transport.Communicator) (*Server[T], syncmode.Mode[T]) {
	server := NewServer[T](comm)
	mode := syncmode.Mode[T]{
		Linker: NewLinker[T](server),
		Data:   DataSync[T]{},
		NewMutex: func(n *graph.Node[T]) graph.Mutex[T] {
			return NewMutex[T](n, server)
		},
	}
	return server, mode
}

// Bind attaches the owning DistGraph so incoming requests can read and
// mutate the local graph.
func (s *Server[T]) Bind(dg syncmode.GraphMutator[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dg = dg
}

func (s *Server[T]) boundGraph() (syncmode.GraphMutator[T], error) {
	s.mu.Lock()
	dg := s.dg
	s.mu.Unlock()
	if dg == nil {
		return nil, errwrap.New("hardsync: server used before Bind")
	}
	return dg, nil
}

func (s *Server[T]) stateFor(nid id.Id) *nodeState[T] {
	st, ok := s.states[nid]
	if !ok {
		st = &nodeState[T]{}
		s.states[nid] = st
	}
	return st
}

func (s *Server[T]) markBlack() {
	s.mu.Lock()
	s.black = true
	s.mu.Unlock()
}

func (s *Server[T]) currentEpoch() Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// requestTags lists every tag HandleIncomingRequests actively drains.
// Response tags (READ_RESPONSE, ACQUIRE_RESPONSE, ...) are deliberately
// excluded: they are consumed directly by the client call awaiting them,
// never by this generic dispatcher, so a response can never be stolen out
// from under the request that is waiting on it.
var requestTags = []Tag{Read, Acquire, Lock, LockShared, Unlock, UnlockShared, ReleaseAcquire, Link, Unlink, RemoveNode}

// HandleIncomingRequests drains every currently pending request-kind
// message once, without blocking. It is the onIdle callback every client
// poll loop interleaves with its own wait, so two processes can never both
// be stuck waiting on each other (spec §4.5.2 deadlock avoidance).
func (s *Server[T]) HandleIncomingRequests(ctx context.Context) error {
	epoch := s.currentEpoch()
	for _, tag := range requestTags {
		for {
			_, ok, err := s.comm.Iprobe(transport.AnySource, wireTag(tag, epoch))
			if err != nil {
				return errwrap.Wrap(err, "hardsync: iprobe failed")
			}
			if !ok {
				break
			}
			if err := s.handleOne(ctx, tag, epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server[T]) handleOne(ctx context.Context, tag Tag, epoch Epoch) error {
	wt := wireTag(tag, epoch)
	switch tag {
	case Read:
		msg, status, err := s.msgTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv READ failed")
		}
		return s.handleRead(ctx, status.Src, msg, epoch)
	case Acquire, Lock:
		msg, status, err := s.msgTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv ACQUIRE/LOCK failed")
		}
		return s.handleExclusive(ctx, status.Src, msg, tag, epoch)
	case LockShared:
		msg, status, err := s.msgTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv LOCK_SHARED failed")
		}
		return s.handleLockShared(ctx, status.Src, msg, epoch)
	case Unlock:
		msg, _, err := s.msgTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv UNLOCK failed")
		}
		return s.handleUnlock(ctx, msg.NodeId, epoch)
	case UnlockShared:
		msg, _, err := s.msgTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv UNLOCK_SHARED failed")
		}
		return s.handleUnlockShared(ctx, msg.NodeId, epoch)
	case ReleaseAcquire:
		msg, _, err := s.msgTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv RELEASE_ACQUIRE failed")
		}
		return s.handleReleaseAcquire(ctx, msg, epoch)
	case Link:
		pkt, _, err := s.edgeTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv LINK failed")
		}
		dg, err := s.boundGraph()
		if err != nil {
			return err
		}
		dg.ImportEdge(pkt)
		return nil
	case Unlink:
		eid, _, err := s.idTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv UNLINK failed")
		}
		dg, err := s.boundGraph()
		if err != nil {
			return err
		}
		if e, ok := dg.Graph().GetEdge(eid); ok {
			dg.Graph().EraseEdge(e)
		}
		return nil
	case RemoveNode:
		nid, _, err := s.idTr.Recv(ctx, transport.AnySource, wt)
		if err != nil {
			return errwrap.Wrap(err, "hardsync: recv REMOVE_NODE failed")
		}
		s.mu.Lock()
		delete(s.states, nid)
		s.mu.Unlock()
		return nil
	}
	return nil
}

func (s *Server[T]) handleRead(ctx context.Context, requester int, msg Message[T], epoch Epoch) error {
	nid := msg.NodeId
	s.mu.Lock()
	st := s.stateFor(nid)
	if st.locked {
		st.readQueue = append(st.readQueue, pendingRequest{requester: requester, tag: Read, requestId: msg.RequestId})
		s.mu.Unlock()
		return nil
	}
	st.sharedCount++
	s.mu.Unlock()
	return s.sendReadResponse(ctx, requester, nid, epoch, msg.RequestId)
}

func (s *Server[T]) sendReadResponse(ctx context.Context, requester int, nid id.Id, epoch Epoch, requestId string) error {
	dg, err := s.boundGraph()
	if err != nil {
		return err
	}
	msg := Message[T]{NodeId: nid, RequestId: requestId}
	if n, ok := dg.Graph().GetNode(nid); ok {
		msg.Data = n.Data()
		msg.Weight = n.Weight()
	} else {
		msg.Gone = true
	}
	return s.msgTr.Send(ctx, requester, wireTag(ReadResponse, epoch), msg)
}

func (s *Server[T]) handleExclusive(ctx context.Context, requester int, msg Message[T], tag Tag, epoch Epoch) error {
	nid := msg.NodeId
	s.mu.Lock()
	st := s.stateFor(nid)
	if !st.locked && st.sharedCount == 0 {
		st.locked = true
		s.mu.Unlock()
		return s.sendExclusiveGrant(ctx, requester, nid, tag, epoch, msg.RequestId)
	}
	st.lockQueue = append(st.lockQueue, pendingRequest{requester: requester, tag: tag, requestId: msg.RequestId})
	s.mu.Unlock()
	return nil
}

func (s *Server[T]) sendExclusiveGrant(ctx context.Context, requester int, nid id.Id, tag Tag, epoch Epoch, requestId string) error {
	dg, err := s.boundGraph()
	if err != nil {
		return err
	}
	respTag := LockResponse
	if tag == Acquire {
		respTag = AcquireResponse
	}
	msg := Message[T]{NodeId: nid, RequestId: requestId}
	n, ok := dg.Graph().GetNode(nid)
	if !ok {
		msg.Gone = true
	} else if tag == Acquire {
		msg.Data = n.Data()
		msg.Weight = n.Weight()
	}
	return s.msgTr.Send(ctx, requester, wireTag(respTag, epoch), msg)
}

func (s *Server[T]) handleLockShared(ctx context.Context, requester int, msg Message[T], epoch Epoch) error {
	nid := msg.NodeId
	s.mu.Lock()
	st := s.stateFor(nid)
	if !st.locked {
		st.sharedCount++
		s.mu.Unlock()
		return s.msgTr.Send(ctx, requester, wireTag(LockSharedResponse, epoch), Message[T]{NodeId: nid, RequestId: msg.RequestId})
	}
	st.lockQueue = append(st.lockQueue, pendingRequest{requester: requester, tag: LockShared, requestId: msg.RequestId})
	s.mu.Unlock()
	return nil
}

func (s *Server[T]) handleUnlock(ctx context.Context, nid id.Id, epoch Epoch) error {
	s.mu.Lock()
	st := s.stateFor(nid)
	st.locked = false
	s.mu.Unlock()
	return s.drain(ctx, nid, epoch)
}

func (s *Server[T]) handleUnlockShared(ctx context.Context, nid id.Id, epoch Epoch) error {
	s.mu.Lock()
	st := s.stateFor(nid)
	if st.sharedCount > 0 {
		st.sharedCount--
	}
	needsDrain := st.sharedCount == 0
	s.mu.Unlock()
	if needsDrain {
		return s.drain(ctx, nid, epoch)
	}
	return nil
}

func (s *Server[T]) handleReleaseAcquire(ctx context.Context, msg Message[T], epoch Epoch) error {
	dg, err := s.boundGraph()
	if err != nil {
		return err
	}
	if n, ok := dg.Graph().GetNode(msg.NodeId); ok {
		n.SetData(msg.Data)
		n.SetWeight(msg.Weight)
	}
	s.mu.Lock()
	st := s.stateFor(msg.NodeId)
	st.locked = false
	s.mu.Unlock()
	return s.drain(ctx, msg.NodeId, epoch)
}

// drain grants every queued READ (batched into one shared-lock expansion)
// then, if the node is still free, exactly one queued LOCK/LOCK_SHARED/
// ACQUIRE in arrival order (spec §4.5.2 draining order).
func (s *Server[T]) drain(ctx context.Context, nid id.Id, epoch Epoch) error {
	s.mu.Lock()
	st := s.stateFor(nid)
	reads := st.readQueue
	st.readQueue = nil
	st.sharedCount += len(reads)

	var next *pendingRequest
	if len(st.lockQueue) > 0 && !st.locked {
		nx := st.lockQueue[0]
		if nx.tag == LockShared {
			st.lockQueue = st.lockQueue[1:]
			next = &nx
			st.sharedCount++
		} else if st.sharedCount == 0 {
			st.lockQueue = st.lockQueue[1:]
			next = &nx
			st.locked = true
		}
	}
	s.mu.Unlock()

	for _, r := range reads {
		if err := s.sendReadResponse(ctx, r.requester, nid, epoch, r.requestId); err != nil {
			return err
		}
	}
	if next == nil {
		return nil
	}
	if next.tag == LockShared {
		return s.msgTr.Send(ctx, next.requester, wireTag(LockSharedResponse, epoch), Message[T]{NodeId: nid, RequestId: next.requestId})
	}
	return s.sendExclusiveGrant(ctx, next.requester, nid, next.tag, epoch, next.requestId)
}
