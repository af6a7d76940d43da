// Package local implements transport.Communicator entirely in-process, one
// goroutine per simulated rank talking over shared memory instead of a real
// network. This is what the test suite and the worked example use to
// exercise N "processes" inside a single binary; it still goes through the
// same two-phase size-then-bytes migrate path and the same Issend/test
// synchronous-send discipline a real network backend would, so the rest of
// the module never has to special-case it.
package local

import (
	"context"
	"sync"

	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// Hub is the shared state binding every rank's Communicator together. All
// ranks of one simulation run must be built from the same Hub.
type Hub struct {
	worldSize int

	mu        sync.Mutex
	migrateGen int
	migrateRounds map[int]*migrateRound

	gatherGen    int
	gatherRounds map[int]*gatherRound

	allGatherGen    int
	allGatherRounds map[int]*gatherRound

	bcastGen    int
	bcastRounds map[int]*bcastRound

	inboxes []*inbox // one per rank
}

// NewHub allocates a Hub for worldSize simulated ranks.
func NewHub(worldSize int) *Hub {
	h := &Hub{
		worldSize:       worldSize,
		migrateRounds:   make(map[int]*migrateRound),
		gatherRounds:    make(map[int]*gatherRound),
		allGatherRounds: make(map[int]*gatherRound),
		bcastRounds:     make(map[int]*bcastRound),
		inboxes:         make([]*inbox, worldSize),
	}
	for i := range h.inboxes {
		h.inboxes[i] = newInbox()
	}
	return h
}

// Rank returns a Communicator bound to the given rank of this Hub.
func (h *Hub) Rank(rank int) transport.Communicator {
	return &comm{hub: h, rank: rank}
}

// comm is one rank's view of the Hub.
type comm struct {
	hub  *Hub
	rank int
}

func (c *comm) Rank() int      { return c.rank }
func (c *comm) WorldSize() int { return c.hub.worldSize }

// --- migrate -----------------------------------------------------------

// migrateRound is one all-to-all exchange. It models spec §4.1's two-phase
// exchange explicitly: the "sizes" phase is the act of every rank posting
// its per-destination payload lengths into contributions before anyone
// reads; the "bytes" phase is the read that follows the barrier.
type migrateRound struct {
	worldSize    int
	mu           sync.Mutex
	contributed  int
	perDest      map[int]map[int][]byte // dest -> src -> payload
	done         chan struct{}
}

func newMigrateRound(worldSize int) *migrateRound {
	return &migrateRound{
		worldSize: worldSize,
		perDest:   make(map[int]map[int][]byte),
		done:      make(chan struct{}),
	}
}

func (h *Hub) currentMigrateRound() (*migrateRound, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	gen := h.migrateGen
	r, ok := h.migrateRounds[gen]
	if !ok {
		r = newMigrateRound(h.worldSize)
		h.migrateRounds[gen] = r
	}
	return r, gen
}

func (h *Hub) advanceMigrateRound(gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.migrateRounds, gen)
	if gen == h.migrateGen {
		h.migrateGen++
	}
}

// Migrate implements transport.Communicator. Every rank of the Hub must call
// Migrate the same number of times, in the same relative order, exactly as
// a real MPI all-to-all would require.
func (c *comm) Migrate(ctx context.Context, out map[int][]byte) (map[int][]byte, error) {
	round, gen := c.hub.currentMigrateRound()

	round.mu.Lock()
	for dest, payload := range out {
		if len(payload) == 0 {
			continue
		}
		if round.perDest[dest] == nil {
			round.perDest[dest] = make(map[int][]byte)
		}
		round.perDest[dest][c.rank] = payload
	}
	round.contributed++
	last := round.contributed == round.worldSize
	if last {
		close(round.done)
	}
	round.mu.Unlock()

	if last {
		c.hub.advanceMigrateRound(gen)
	}

	select {
	case <-round.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	round.mu.Lock()
	defer round.mu.Unlock()
	return round.perDest[c.rank], nil
}

// --- gather / all_gather -------------------------------------------------

type gatherRound struct {
	worldSize   int
	mu          sync.Mutex
	values      [][]byte
	contributed int
	done        chan struct{}
}

func newGatherRound(worldSize int) *gatherRound {
	return &gatherRound{
		worldSize: worldSize,
		values:    make([][]byte, worldSize),
		done:      make(chan struct{}),
	}
}

func (h *Hub) currentGatherRound(allGather bool) (*gatherRound, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if allGather {
		gen := h.allGatherGen
		r, ok := h.allGatherRounds[gen]
		if !ok {
			r = newGatherRound(h.worldSize)
			h.allGatherRounds[gen] = r
		}
		return r, gen
	}
	gen := h.gatherGen
	r, ok := h.gatherRounds[gen]
	if !ok {
		r = newGatherRound(h.worldSize)
		h.gatherRounds[gen] = r
	}
	return r, gen
}

func (h *Hub) advanceGatherRound(allGather bool, gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if allGather {
		delete(h.allGatherRounds, gen)
		if gen == h.allGatherGen {
			h.allGatherGen++
		}
		return
	}
	delete(h.gatherRounds, gen)
	if gen == h.gatherGen {
		h.gatherGen++
	}
}

func (c *comm) Gather(ctx context.Context, payload []byte, root int) ([][]byte, error) {
	round, gen := c.hub.currentGatherRound(false)
	round.mu.Lock()
	round.values[c.rank] = payload
	round.contributed++
	last := round.contributed == round.worldSize
	if last {
		close(round.done)
	}
	round.mu.Unlock()
	if last {
		c.hub.advanceGatherRound(false, gen)
	}

	select {
	case <-round.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.rank != root {
		return nil, nil
	}
	return round.values, nil
}

func (c *comm) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	round, gen := c.hub.currentGatherRound(true)
	round.mu.Lock()
	round.values[c.rank] = payload
	round.contributed++
	last := round.contributed == round.worldSize
	if last {
		close(round.done)
	}
	round.mu.Unlock()
	if last {
		c.hub.advanceGatherRound(true, gen)
	}

	select {
	case <-round.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return round.values, nil
}

// --- bcast ---------------------------------------------------------------

type bcastRound struct {
	worldSize   int
	mu          sync.Mutex
	payload     []byte
	contributed int
	done        chan struct{}
}

func newBcastRound(worldSize int) *bcastRound {
	return &bcastRound{worldSize: worldSize, done: make(chan struct{})}
}

func (h *Hub) currentBcastRound() (*bcastRound, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	gen := h.bcastGen
	r, ok := h.bcastRounds[gen]
	if !ok {
		r = newBcastRound(h.worldSize)
		h.bcastRounds[gen] = r
	}
	return r, gen
}

func (h *Hub) advanceBcastRound(gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bcastRounds, gen)
	if gen == h.bcastGen {
		h.bcastGen++
	}
}

func (c *comm) Bcast(ctx context.Context, payload []byte, root int) ([]byte, error) {
	round, gen := c.hub.currentBcastRound()
	round.mu.Lock()
	if c.rank == root {
		round.payload = payload
	}
	round.contributed++
	last := round.contributed == round.worldSize
	if last {
		close(round.done)
	}
	round.mu.Unlock()
	if last {
		c.hub.advanceBcastRound(gen)
	}

	select {
	case <-round.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	round.mu.Lock()
	defer round.mu.Unlock()
	return round.payload, nil
}

// --- point to point --------------------------------------------------

// envelope is one in-flight point-to-point message.
type envelope struct {
	src     int
	tag     int
	payload []byte
	ack     chan struct{} // non-nil for Issend; closed once Recv consumes it
}

// inbox holds every undelivered message addressed to one rank. notify is
// closed and replaced every time a message is posted, giving blocked
// Probe/Recv callers a channel to select on alongside ctx.Done().
type inbox struct {
	mu     sync.Mutex
	msgs   []*envelope
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{})}
}

func (ib *inbox) post(e *envelope) {
	ib.mu.Lock()
	ib.msgs = append(ib.msgs, e)
	old := ib.notify
	ib.notify = make(chan struct{})
	ib.mu.Unlock()
	close(old)
}

// waitForMatch blocks until a message matching (src, tag) is posted to ib or
// ctx is cancelled, then returns nil without removing it (or ctx's error).
// Callers look the message up again under their own lock, since another
// caller may have consumed it in the meantime.
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

// match returns the index of the first envelope matching (src, tag), or -1.
func match(msgs []*envelope, src, tag int) int {
	for i, m := range msgs {
		if (src == transport.AnySource || m.src == src) && (tag == transport.AnyTag || m.tag == tag) {
			return i
		}
	}
	return -1
}

func (c *comm) Send(ctx context.Context, dst, tag int, payload []byte) error {
	if dst < 0 || dst >= c.hub.worldSize {
		return errwrap.Errorf("local: send to invalid rank %d", dst)
	}
	c.hub.inboxes[dst].post(&envelope{src: c.rank, tag: tag, payload: payload})
	return nil
}

func (c *comm) Issend(ctx context.Context, dst, tag int, payload []byte) (transport.Request, error) {
	if dst < 0 || dst >= c.hub.worldSize {
		return nil, errwrap.Errorf("local: Issend to invalid rank %d", dst)
	}
	ack := make(chan struct{})
	c.hub.inboxes[dst].post(&envelope{src: c.rank, tag: tag, payload: payload, ack: ack})
	return &request{ack: ack}, nil
}

type request struct{ ack chan struct{} }

func (r *request) Test() (bool, error) {
	select {
	case <-r.ack:
		return true, nil
	default:
		return false, nil
	}
}

func (c *comm) Probe(ctx context.Context, src, tag int) (transport.Status, error) {
	ib := c.hub.inboxes[c.rank]
	for {
		if err := waitForMatch(ctx, ib, src, tag); err != nil {
			return transport.Status{}, err
		}
		ib.mu.Lock()
		i := match(ib.msgs, src, tag)
		if i < 0 { // raced with a concurrent Recv on this rank; wait for the next arrival
			ib.mu.Unlock()
			continue
		}
		m := ib.msgs[i]
		ib.mu.Unlock()
		return transport.Status{Src: m.src, Tag: m.tag, Size: len(m.payload)}, nil
	}
}

func (c *comm) Iprobe(src, tag int) (transport.Status, bool, error) {
	ib := c.hub.inboxes[c.rank]
	ib.mu.Lock()
	defer ib.mu.Unlock()
	i := match(ib.msgs, src, tag)
	if i < 0 {
		return transport.Status{}, false, nil
	}
	m := ib.msgs[i]
	return transport.Status{Src: m.src, Tag: m.tag, Size: len(m.payload)}, true, nil
}

func (c *comm) Recv(ctx context.Context, src, tag int) ([]byte, transport.Status, error) {
	ib := c.hub.inboxes[c.rank]
	for {
		if err := waitForMatch(ctx, ib, src, tag); err != nil {
			return nil, transport.Status{}, err
		}
		ib.mu.Lock()
		i := match(ib.msgs, src, tag)
		if i < 0 { // another Recv on this rank beat us to it; wait for the next arrival
			ib.mu.Unlock()
			continue
		}
		m := ib.msgs[i]
		ib.msgs = append(ib.msgs[:i], ib.msgs[i+1:]...)
		ib.mu.Unlock()
		if m.ack != nil {
			close(m.ack)
		}
		return m.payload, transport.Status{Src: m.src, Tag: m.tag, Size: len(m.payload)}, nil
	}
}
