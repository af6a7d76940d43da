// Package transport is a thin, typed wrapper over an MPI-2-equivalent
// message transport (spec §4.1, §6). Communicator is the untyped byte-level
// contract a concrete transport (in-process, or over real sockets) must
// satisfy; Transport[T] adds per-element-type (de)serialization on top.
package transport

import "context"

// AnySource and AnyTag let Probe/Iprobe/Recv match any source rank or tag,
// mirroring MPI_ANY_SOURCE / MPI_ANY_TAG.
const (
	AnySource = -1
	AnyTag    = -1
)

// Status describes a matched or probed message.
type Status struct {
	Src  int // rank that sent the message
	Tag  int
	Size int // length of the payload in bytes
}

// Request is a handle to a non-blocking, synchronous send (Issend). It
// completes only once a matching Recv has consumed it on the peer (spec
// §4.1): "Issend(T, dst, tag) -> Request (synchronous, non-blocking:
// completes only once matched by a recv)".
type Request interface {
	// Test returns true once the send has been matched by a Recv. It
	// never blocks.
	Test() (bool, error)
}

// Communicator is the ranked process-group transport every concrete backend
// (transport/local, a real network backend) must implement. It intentionally
// mirrors the operations spec §4.1 names: migrate, gather, all_gather, bcast,
// send, Issend, probe, Iprobe, recv, test.
type Communicator interface {
	// Rank returns this process's rank in the communicator.
	Rank() int
	// WorldSize returns the total number of ranks in the communicator.
	WorldSize() int

	// Migrate performs a variable-length all-to-all: out maps destination
	// rank to the raw payload to send it (absent or empty entries send
	// nothing), and the result maps source rank to the payload received
	// from it. It tolerates exporting to a strict subset of peers.
	Migrate(ctx context.Context, out map[int][]byte) (map[int][]byte, error)

	// Gather collects payload from every rank at root. Every rank must
	// call Gather the same number of times, in the same relative order,
	// for correct results (SPMD collective semantics).
	Gather(ctx context.Context, payload []byte, root int) ([][]byte, error)

	// AllGather is Gather followed by an implicit Bcast of the full
	// result to every rank.
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)

	// Bcast distributes root's payload to every rank, root included.
	// Non-root callers may pass a nil payload; it is ignored.
	Bcast(ctx context.Context, payload []byte, root int) ([]byte, error)

	// Send is an ordinary blocking point-to-point send.
	Send(ctx context.Context, dst, tag int, payload []byte) error

	// Issend is a non-blocking synchronous send: it returns immediately
	// with a Request that completes only once a matching Recv consumes
	// the message on dst.
	Issend(ctx context.Context, dst, tag int, payload []byte) (Request, error)

	// Probe blocks until a message matching (src, tag) is available,
	// without consuming it.
	Probe(ctx context.Context, src, tag int) (Status, error)

	// Iprobe is the non-blocking form of Probe: ok is false if nothing is
	// available yet.
	Iprobe(src, tag int) (status Status, ok bool, err error)

	// Recv blocks until a message matching (src, tag) is available, and
	// consumes it.
	Recv(ctx context.Context, src, tag int) ([]byte, Status, error)
}
