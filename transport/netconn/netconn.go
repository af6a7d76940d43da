// Package netconn implements transport.Communicator over real TCP
// connections for genuinely separate OS processes, the network-backed twin
// of transport/local's in-process Hub. Every rank pair talks over one
// persistent net/rpc connection opened lazily on first use; Migrate,
// Gather, AllGather and Bcast are expressed in terms of Send/Recv with a
// private, sequence-correlated tag range rather than the round/barrier
// bookkeeping local.Hub uses, since there is no shared memory here to hold
// a round table in.
package netconn

import (
	"context"
	"encoding/binary"
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"

	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Reserved, widely-spaced private tag ranges for the four collectives, kept
// well clear of the small non-negative tags application code uses (spec
// §4.1's point-to-point send/recv tags). Each collective's calls are
// further disambiguated by a monotonic per-Comm sequence number, relying on
// every rank calling a given collective the same number of times in the
// same relative order (communicator.go's own SPMD assumption).
const (
	tagMigrateBase   = -10_000_000
	tagGatherBase    = -20_000_000
	tagAllGatherBase = -30_000_000
	tagBcastBase     = -40_000_000
)

// envelope is one in-flight point-to-point message, mirroring
// transport/local's own envelope: the ack/sync fields exist only to carry
// Issend's synchronous-completion signal back across the wire, since there
// is no shared channel a remote sender can poll directly.
type envelope struct {
	src     int
	tag     int
	payload []byte
	sync    bool
	ackID   uint64
}

// inbox holds every undelivered message addressed to this rank. Lifted
// from transport/local's inbox/match/waitForMatch trio unchanged in shape:
// only the feed (RPC Deliver calls instead of a direct Hub post) differs.
type inbox struct {
	mu     sync.Mutex
	msgs   []*envelope
	notify chan struct{}
}

func newInbox() *inbox { return &inbox{notify: make(chan struct{})} }

func (ib *inbox) post(e *envelope) {
	ib.mu.Lock()
	ib.msgs = append(ib.msgs, e)
	old := ib.notify
	ib.notify = make(chan struct{})
	ib.mu.Unlock()
	close(old)
}

func match(msgs []*envelope, src, tag int) int {
	for i, m := range msgs {
		if (src == transport.AnySource || m.src == src) && (tag == transport.AnyTag || m.tag == tag) {
			return i
		}
	}
	return -1
}

func waitForMatch(ctx context.Context, ib *inbox, src, tag int) error {
	for {
		ib.mu.Lock()
		i := match(ib.msgs, src, tag)
		ch := ib.notify
		ib.mu.Unlock()
		if i >= 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Comm is one rank's endpoint: a listening RPC server plus lazily-dialed
// clients to every peer named in addrs.
type Comm struct {
	rank      int
	worldSize int
	addrs     []string

	listener net.Listener
	server   *rpc.Server

	mu      sync.Mutex
	clients map[int]*rpc.Client

	inbox *inbox

	ackSeq      uint64
	pendingMu   sync.Mutex
	pendingAcks map[uint64]chan struct{}

	migrateSeq   int64
	gatherSeq    int64
	allGatherSeq int64
	bcastSeq     int64
}

// New builds a Comm for rank among addrs (one address per rank, ordered,
// typically the []string bootstrap.Join returns). If lis is non-nil it is
// used as the listening socket as-is (letting a caller bind its own port
// before advertising it, or a test bind to 127.0.0.1:0 without a
// close-then-reopen race); otherwise New listens on addrs[rank] itself.
func New(rank int, addrs []string, lis net.Listener) (*Comm, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, errwrap.Errorf("netconn: rank %d out of range for %d addresses", rank, len(addrs))
	}
	c := &Comm{
		rank:        rank,
		worldSize:   len(addrs),
		addrs:       addrs,
		clients:     make(map[int]*rpc.Client),
		inbox:       newInbox(),
		pendingAcks: make(map[uint64]chan struct{}),
	}

	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", addrs[rank])
		if err != nil {
			return nil, errwrap.Wrapf(err, "netconn: listen on %s failed", addrs[rank])
		}
	}
	c.listener = lis

	server := rpc.NewServer()
	if err := server.RegisterName("Service", &rpcService{c: c}); err != nil {
		return nil, errwrap.Wrap(err, "netconn: register RPC service failed")
	}
	c.server = server
	go server.Accept(lis)

	return c, nil
}

// Close stops accepting new connections and closes every dialed peer
// connection. In-flight calls are not cancelled.
func (c *Comm) Close() error {
	c.mu.Lock()
	for _, cl := range c.clients {
		_ = cl.Close()
	}
	c.mu.Unlock()
	return c.listener.Close()
}

func (c *Comm) Rank() int      { return c.rank }
func (c *Comm) WorldSize() int { return c.worldSize }

func (c *Comm) clientFor(dst int) (*rpc.Client, error) {
	c.mu.Lock()
	if cl, ok := c.clients[dst]; ok {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	cl, err := rpc.Dial("tcp", c.addrs[dst])
	if err != nil {
		return nil, errwrap.Wrapf(err, "netconn: dial rank %d at %s failed", dst, c.addrs[dst])
	}

	c.mu.Lock()
	if existing, ok := c.clients[dst]; ok {
		c.mu.Unlock()
		_ = cl.Close()
		return existing, nil
	}
	c.clients[dst] = cl
	c.mu.Unlock()
	return cl, nil
}

// --- RPC service ---------------------------------------------------------

type rpcService struct{ c *Comm }

// DeliverArgs is the wire envelope one Send/Issend call carries.
type DeliverArgs struct {
	Src, Tag int
	Payload  []byte
	Sync     bool
	AckID    uint64
}

// DeliverReply is empty; Deliver never fails the RPC itself, it just
// enqueues.
type DeliverReply struct{}

func (s *rpcService) Deliver(args DeliverArgs, reply *DeliverReply) error {
	s.c.inbox.post(&envelope{src: args.Src, tag: args.Tag, payload: args.Payload, sync: args.Sync, ackID: args.AckID})
	return nil
}

// AckArgs carries an Issend completion signal back to its sender.
type AckArgs struct{ AckID uint64 }

// AckReply is empty.
type AckReply struct{}

func (s *rpcService) Ack(args AckArgs, reply *AckReply) error {
	s.c.pendingMu.Lock()
	if ch, ok := s.c.pendingAcks[args.AckID]; ok {
		close(ch)
		delete(s.c.pendingAcks, args.AckID)
	}
	s.c.pendingMu.Unlock()
	return nil
}

// notifyAck runs after a Recv consumes a synchronous envelope, signalling
// its original sender. A self-send never leaves the process.
func (c *Comm) notifyAck(src int, ackID uint64) {
	if src == c.rank {
		c.pendingMu.Lock()
		if ch, ok := c.pendingAcks[ackID]; ok {
			close(ch)
			delete(c.pendingAcks, ackID)
		}
		c.pendingMu.Unlock()
		return
	}
	client, err := c.clientFor(src)
	if err != nil {
		return // best-effort: the sender's Request.Test() simply never completes
	}
	_ = client.Call("Service.Ack", AckArgs{AckID: ackID}, &AckReply{})
}

func (c *Comm) deliver(dst, tag int, payload []byte, sync bool, ackID uint64) error {
	if dst < 0 || dst >= c.worldSize {
		return errwrap.Errorf("netconn: send to invalid rank %d", dst)
	}
	if dst == c.rank {
		c.inbox.post(&envelope{src: c.rank, tag: tag, payload: payload, sync: sync, ackID: ackID})
		return nil
	}
	client, err := c.clientFor(dst)
	if err != nil {
		return err
	}
	args := DeliverArgs{Src: c.rank, Tag: tag, Payload: payload, Sync: sync, AckID: ackID}
	if err := client.Call("Service.Deliver", args, &DeliverReply{}); err != nil {
		return errwrap.Wrapf(err, "netconn: deliver to rank %d failed", dst)
	}
	return nil
}

// --- point to point --------------------------------------------------

func (c *Comm) Send(ctx context.Context, dst, tag int, payload []byte) error {
	return c.deliver(dst, tag, payload, false, 0)
}

type request struct{ ch chan struct{} }

func (r *request) Test() (bool, error) {
	select {
	case <-r.ch:
		return true, nil
	default:
		return false, nil
	}
}

func (c *Comm) Issend(ctx context.Context, dst, tag int, payload []byte) (transport.Request, error) {
	ackID := atomic.AddUint64(&c.ackSeq, 1)
	ch := make(chan struct{})
	c.pendingMu.Lock()
	c.pendingAcks[ackID] = ch
	c.pendingMu.Unlock()

	if err := c.deliver(dst, tag, payload, true, ackID); err != nil {
		c.pendingMu.Lock()
		delete(c.pendingAcks, ackID)
		c.pendingMu.Unlock()
		return nil, err
	}
	return &request{ch: ch}, nil
}

func (c *Comm) Probe(ctx context.Context, src, tag int) (transport.Status, error) {
	for {
		if err := waitForMatch(ctx, c.inbox, src, tag); err != nil {
			return transport.Status{}, err
		}
		c.inbox.mu.Lock()
		i := match(c.inbox.msgs, src, tag)
		if i < 0 {
			c.inbox.mu.Unlock()
			continue
		}
		m := c.inbox.msgs[i]
		c.inbox.mu.Unlock()
		return transport.Status{Src: m.src, Tag: m.tag, Size: len(m.payload)}, nil
	}
}

func (c *Comm) Iprobe(src, tag int) (transport.Status, bool, error) {
	c.inbox.mu.Lock()
	defer c.inbox.mu.Unlock()
	i := match(c.inbox.msgs, src, tag)
	if i < 0 {
		return transport.Status{}, false, nil
	}
	m := c.inbox.msgs[i]
	return transport.Status{Src: m.src, Tag: m.tag, Size: len(m.payload)}, true, nil
}

func (c *Comm) Recv(ctx context.Context, src, tag int) ([]byte, transport.Status, error) {
	for {
		if err := waitForMatch(ctx, c.inbox, src, tag); err != nil {
			return nil, transport.Status{}, err
		}
		c.inbox.mu.Lock()
		i := match(c.inbox.msgs, src, tag)
		if i < 0 {
			c.inbox.mu.Unlock()
			continue
		}
		m := c.inbox.msgs[i]
		c.inbox.msgs = append(c.inbox.msgs[:i], c.inbox.msgs[i+1:]...)
		c.inbox.mu.Unlock()
		if m.sync {
			go c.notifyAck(m.src, m.ackID)
		}
		return m.payload, transport.Status{Src: m.src, Tag: m.tag, Size: len(m.payload)}, nil
	}
}

// --- collectives -----------------------------------------------------

func (c *Comm) Migrate(ctx context.Context, out map[int][]byte) (map[int][]byte, error) {
	tag := tagMigrateBase + int(atomic.AddInt64(&c.migrateSeq, 1))

	in := make(map[int][]byte)
	var mu sync.Mutex
	var errs *multierror.Error

	g, gctx := errgroup.WithContext(ctx)
	for dst := 0; dst < c.worldSize; dst++ {
		if dst == c.rank {
			continue
		}
		dst := dst
		g.Go(func() error {
			if err := c.Send(gctx, dst, tag, out[dst]); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, errwrap.Wrapf(err, "netconn: migrate send to rank %d", dst))
				mu.Unlock()
			}
			return nil
		})
	}
	for src := 0; src < c.worldSize; src++ {
		if src == c.rank {
			continue
		}
		src := src
		g.Go(func() error {
			payload, _, err := c.Recv(gctx, src, tag)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, errwrap.Wrapf(err, "netconn: migrate recv from rank %d", src))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			in[src] = payload
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return nil, errs
	}
	return in, nil
}

func (c *Comm) Gather(ctx context.Context, payload []byte, root int) ([][]byte, error) {
	tag := tagGatherBase + int(atomic.AddInt64(&c.gatherSeq, 1))

	if c.rank != root {
		return nil, c.Send(ctx, root, tag, payload)
	}

	result := make([][]byte, c.worldSize)
	result[root] = payload
	var mu sync.Mutex
	var errs *multierror.Error

	g, gctx := errgroup.WithContext(ctx)
	for src := 0; src < c.worldSize; src++ {
		if src == root {
			continue
		}
		src := src
		g.Go(func() error {
			payload, _, err := c.Recv(gctx, src, tag)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, errwrap.Wrapf(err, "netconn: gather recv from rank %d", src))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result[src] = payload
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return nil, errs
	}
	return result, nil
}

func (c *Comm) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	tag := tagAllGatherBase + int(atomic.AddInt64(&c.allGatherSeq, 1))

	// Both phases below reuse tag: phase one only ever flows rank->root
	// and phase two only ever flows root->rank, so a Recv's explicit src
	// argument keeps the two from matching each other.
	const root = 0
	if c.rank != root {
		if err := c.Send(ctx, root, tag, payload); err != nil {
			return nil, err
		}
		encoded, _, err := c.Recv(ctx, root, tag)
		if err != nil {
			return nil, err
		}
		return decodeChunks(encoded), nil
	}

	result := make([][]byte, c.worldSize)
	result[root] = payload
	var mu sync.Mutex
	var errs *multierror.Error

	g, gctx := errgroup.WithContext(ctx)
	for src := 1; src < c.worldSize; src++ {
		src := src
		g.Go(func() error {
			payload, _, err := c.Recv(gctx, src, tag)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, errwrap.Wrapf(err, "netconn: all_gather recv from rank %d", src))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result[src] = payload
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if errs != nil {
		return nil, errs
	}

	encoded := encodeChunks(result)
	var bcastErrs *multierror.Error
	g2, gctx2 := errgroup.WithContext(ctx)
	for dst := 1; dst < c.worldSize; dst++ {
		dst := dst
		g2.Go(func() error {
			if err := c.Send(gctx2, dst, tag, encoded); err != nil {
				mu.Lock()
				bcastErrs = multierror.Append(bcastErrs, errwrap.Wrapf(err, "netconn: all_gather broadcast to rank %d", dst))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g2.Wait()
	if bcastErrs != nil {
		return nil, bcastErrs
	}
	return result, nil
}

func (c *Comm) Bcast(ctx context.Context, payload []byte, root int) ([]byte, error) {
	tag := tagBcastBase + int(atomic.AddInt64(&c.bcastSeq, 1))

	if c.rank != root {
		data, _, err := c.Recv(ctx, root, tag)
		return data, err
	}

	var mu sync.Mutex
	var errs *multierror.Error
	g, gctx := errgroup.WithContext(ctx)
	for dst := 0; dst < c.worldSize; dst++ {
		if dst == root {
			continue
		}
		dst := dst
		g.Go(func() error {
			if err := c.Send(gctx, dst, tag, payload); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, errwrap.Wrapf(err, "netconn: bcast to rank %d", dst))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return nil, errs
	}
	return payload, nil
}

// encodeChunks/decodeChunks give AllGather a wire format for its second
// (Bcast-shaped) phase, which only carries a single []byte: each chunk is
// length-prefixed with a big-endian uint32.
func encodeChunks(chunks [][]byte) []byte {
	var out []byte
	var lenBuf [4]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c)))
		out = append(out, lenBuf[:]...)
		out = append(out, c...)
	}
	return out
}

func decodeChunks(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			break
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
