// Package location implements the distributed location manager: for every
// id ever seen on this process, a current best-known owning rank, kept
// approximately consistent across the world by a three-round gossip
// protocol (spec §4.4: Report, Resolve, Respond).
package location

import (
	"context"
	"sync"

	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// reportMsg is Step A's wire message: "I just became the LOCAL owner of
// this id."
type reportMsg struct {
	Id   id.Id
	Rank int
}

// lookupMsg is Step B's wire message: "where does this id currently live?"
type lookupMsg struct {
	Id id.Id
}

// respondMsg is Step C's wire message: the registrar's authoritative answer.
type respondMsg struct {
	Id   id.Id
	Rank int
}

// Manager is one process's view of the location table (spec §4.4). For ids
// whose origin rank equals this process's rank, Manager is the registrar:
// its table entry is authoritative and is what every Resolve lookup for
// that id ultimately answers from.
type Manager struct {
	origin int

	mu            sync.RWMutex
	table         map[id.Id]int  // best-known location for every id ever seen
	authoritative map[id.Id]int  // registrar-only: id -> current owner, for ids this rank originated
	tracked       map[id.Id]bool // DISTANT ids this process still cares about resolving

	reportTr  *transport.Transport[reportMsg]
	lookupTr  *transport.Transport[lookupMsg]
	respondTr *transport.Transport[respondMsg]

	Logf func(format string, v ...interface{})
}

// NewManager builds a location Manager bound to comm. comm must already be
// bound to this process's rank.
func NewManager(comm transport.Communicator, logf func(string, ...interface{})) *Manager {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Manager{
		origin:        comm.Rank(),
		table:         make(map[id.Id]int),
		authoritative: make(map[id.Id]int),
		tracked:       make(map[id.Id]bool),
		reportTr:      transport.New[reportMsg](comm, transport.JSONCodec[reportMsg]{}),
		lookupTr:      transport.New[lookupMsg](comm, transport.JSONCodec[lookupMsg]{}),
		respondTr:     transport.New[respondMsg](comm, transport.JSONCodec[respondMsg]{}),
		Logf:          logf,
	}
}

// SetLocal directly records nid as owned by this process, skipping the
// gossip round. Used when a node is minted fresh by build_node: since the
// id was just minted by this process's own generator, this process is
// trivially both the owner and (if it is also the registrar) authoritative.
func (m *Manager) SetLocal(nid id.Id) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[nid] = m.origin
	if nid.Origin == m.origin {
		m.authoritative[nid] = m.origin
	}
	delete(m.tracked, nid)
}

// Track marks nid as a DISTANT replica this process wants kept up to date by
// future Resolve rounds.
func (m *Manager) Track(nid id.Id) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[nid] = true
}

// Untrack stops tracking nid, e.g. once the local replica is erased.
func (m *Manager) Untrack(nid id.Id) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, nid)
}

// Location returns the best-known rank for nid, and whether anything is
// known about it at all.
func (m *Manager) Location(nid id.Id) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.table[nid]
	return r, ok
}

// UpdateLocations runs the full three-round protocol (spec §4.4): Report
// newlyLocal to each node's registrar, Resolve every other tracked id
// against its registrar, and Respond to incoming lookups from the
// authoritative table. Every process in the world must call
// UpdateLocations the same number of times, since each step is exactly one
// migrate collective (spec: "the entire protocol is O(3) collective
// communications regardless of graph size").
func (m *Manager) UpdateLocations(ctx context.Context, newlyLocal []id.Id) error {
	// Step A: Report.
	outReport := make(map[int][]reportMsg)
	m.mu.Lock()
	for _, nid := range newlyLocal {
		m.table[nid] = m.origin
		delete(m.tracked, nid)
		if nid.Origin == m.origin {
			m.authoritative[nid] = m.origin
			continue
		}
		outReport[nid.Origin] = append(outReport[nid.Origin], reportMsg{Id: nid, Rank: m.origin})
	}
	m.mu.Unlock()

	inReport, err := m.reportTr.Migrate(ctx, outReport)
	if err != nil {
		return errwrap.Wrap(err, "location: report migrate failed")
	}

	m.mu.Lock()
	for _, msgs := range inReport {
		for _, msg := range msgs {
			m.authoritative[msg.Id] = msg.Rank
			m.table[msg.Id] = msg.Rank
		}
	}

	// Step B: Resolve. Ids this process is its own registrar for are
	// answered straight out of the authoritative table; everything else
	// needs a lookup sent to its origin.
	outLookup := make(map[int][]lookupMsg)
	for nid := range m.tracked {
		if nid.Origin == m.origin {
			if rank, ok := m.authoritative[nid]; ok {
				m.table[nid] = rank
			}
			continue
		}
		outLookup[nid.Origin] = append(outLookup[nid.Origin], lookupMsg{Id: nid})
	}
	m.mu.Unlock()

	inLookup, err := m.lookupTr.Migrate(ctx, outLookup)
	if err != nil {
		return errwrap.Wrap(err, "location: lookup migrate failed")
	}

	// Step C: Respond, from the authoritative table only.
	outRespond := make(map[int][]respondMsg)
	m.mu.Lock()
	for src, msgs := range inLookup {
		for _, msg := range msgs {
			rank, ok := m.authoritative[msg.Id]
			if !ok {
				// we are asked about an id we believe we originated but
				// have no authoritative entry for yet; answer with
				// ourselves, the only rank that could plausibly hold it.
				rank = m.origin
			}
			outRespond[src] = append(outRespond[src], respondMsg{Id: msg.Id, Rank: rank})
		}
	}
	m.mu.Unlock()

	inRespond, err := m.respondTr.Migrate(ctx, outRespond)
	if err != nil {
		return errwrap.Wrap(err, "location: respond migrate failed")
	}

	m.mu.Lock()
	for _, msgs := range inRespond {
		for _, msg := range msgs {
			m.table[msg.Id] = msg.Rank
		}
	}
	m.mu.Unlock()

	return nil
}
