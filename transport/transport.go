package transport

import (
	"context"
	"sync"

	errwrap "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Transport specializes a Communicator by an element type T, giving callers
// a typed migrate/gather/bcast/send/recv surface instead of raw bytes (spec
// §4.1: "The transport exposes, per element type T: ...").
type Transport[T any] struct {
	Comm  Communicator
	Codec Codec[T]
}

// New builds a Transport for element type T over the given Communicator and
// Codec.
func New[T any](comm Communicator, codec Codec[T]) *Transport[T] {
	return &Transport[T]{Comm: comm, Codec: codec}
}

// Rank returns the local rank.
func (tr *Transport[T]) Rank() int { return tr.Comm.Rank() }

// WorldSize returns the communicator's size.
func (tr *Transport[T]) WorldSize() int { return tr.Comm.WorldSize() }

// Migrate performs the variable-length all-to-all described in spec §4.1:
// "migrate is built atop a two-phase exchange: first, sizes are exchanged;
// then bytes." The size phase is the underlying Communicator's concern (see
// transport/local); here we fan the per-destination encode out across a
// bounded errgroup so one slow or failing peer doesn't serialize the rest.
func (tr *Transport[T]) Migrate(ctx context.Context, out map[int][]T) (map[int][]T, error) {
	raw := make(map[int][]byte, len(out))
	var mu lockGuard
	g, _ := errgroup.WithContext(ctx)
	for rank, items := range out {
		rank, items := rank, items
		if len(items) == 0 {
			continue
		}
		g.Go(func() error {
			b, err := EncodeAll(tr.Codec, items)
			if err != nil {
				return errwrap.Wrapf(err, "transport: encode migrate payload for rank %d", rank)
			}
			mu.lock()
			raw[rank] = b
			mu.unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	recvRaw, err := tr.Comm.Migrate(ctx, raw)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: migrate failed")
	}

	result := make(map[int][]T, len(recvRaw))
	var rmu lockGuard
	g2, _ := errgroup.WithContext(ctx)
	for rank, b := range recvRaw {
		rank, b := rank, b
		if len(b) == 0 {
			continue
		}
		g2.Go(func() error {
			items, err := DecodeAll(tr.Codec, b)
			if err != nil {
				return errwrap.Wrapf(err, "transport: decode migrate payload from rank %d", rank)
			}
			rmu.lock()
			result[rank] = items
			rmu.unlock()
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Gather collects payload from every rank at root (spec §4.1 gather(T,
// root) -> Vec<T>).
func (tr *Transport[T]) Gather(ctx context.Context, v T, root int) ([]T, error) {
	b, err := tr.Codec.Encode(v)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: encode gather payload")
	}
	raw, err := tr.Comm.Gather(ctx, b, root)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: gather failed")
	}
	if raw == nil { // non-root ranks have nothing to decode
		return nil, nil
	}
	out := make([]T, len(raw))
	for i, rb := range raw {
		out[i], err = tr.Codec.Decode(rb)
		if err != nil {
			return nil, errwrap.Wrapf(err, "transport: decode gathered element %d", i)
		}
	}
	return out, nil
}

// AllGather is spec §4.1's all_gather(T) -> Vec<T>.
func (tr *Transport[T]) AllGather(ctx context.Context, v T) ([]T, error) {
	b, err := tr.Codec.Encode(v)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: encode all_gather payload")
	}
	raw, err := tr.Comm.AllGather(ctx, b)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: all_gather failed")
	}
	out := make([]T, len(raw))
	for i, rb := range raw {
		out[i], err = tr.Codec.Decode(rb)
		if err != nil {
			return nil, errwrap.Wrapf(err, "transport: decode all_gathered element %d", i)
		}
	}
	return out, nil
}

// Bcast is spec §4.1's bcast(T, root) -> T.
func (tr *Transport[T]) Bcast(ctx context.Context, v T, root int) (T, error) {
	var zero T
	var payload []byte
	if tr.Rank() == root {
		b, err := tr.Codec.Encode(v)
		if err != nil {
			return zero, errwrap.Wrap(err, "transport: encode bcast payload")
		}
		payload = b
	}
	raw, err := tr.Comm.Bcast(ctx, payload, root)
	if err != nil {
		return zero, errwrap.Wrap(err, "transport: bcast failed")
	}
	out, err := tr.Codec.Decode(raw)
	if err != nil {
		return zero, errwrap.Wrap(err, "transport: decode bcast payload")
	}
	return out, nil
}

// Send is spec §4.1's send(T, dst, tag).
func (tr *Transport[T]) Send(ctx context.Context, dst, tag int, v T) error {
	b, err := tr.Codec.Encode(v)
	if err != nil {
		return errwrap.Wrap(err, "transport: encode send payload")
	}
	if err := tr.Comm.Send(ctx, dst, tag, b); err != nil {
		return errwrap.Wrap(err, "transport: send failed")
	}
	return nil
}

// Issend is spec §4.1's Issend(T, dst, tag) -> Request.
func (tr *Transport[T]) Issend(ctx context.Context, dst, tag int, v T) (Request, error) {
	b, err := tr.Codec.Encode(v)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: encode Issend payload")
	}
	req, err := tr.Comm.Issend(ctx, dst, tag, b)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: Issend failed")
	}
	return req, nil
}

// Probe is spec §4.1's probe(src, tag) -> Status (blocking).
func (tr *Transport[T]) Probe(ctx context.Context, src, tag int) (Status, error) {
	return tr.Comm.Probe(ctx, src, tag)
}

// Iprobe is spec §4.1's Iprobe(src, tag) -> Option<Status> (non-blocking).
func (tr *Transport[T]) Iprobe(src, tag int) (Status, bool, error) {
	return tr.Comm.Iprobe(src, tag)
}

// Recv is spec §4.1's recv(src, tag) -> T.
func (tr *Transport[T]) Recv(ctx context.Context, src, tag int) (T, Status, error) {
	var zero T
	b, status, err := tr.Comm.Recv(ctx, src, tag)
	if err != nil {
		return zero, status, errwrap.Wrap(err, "transport: recv failed")
	}
	v, err := tr.Codec.Decode(b)
	if err != nil {
		return zero, status, errwrap.Wrap(err, "transport: decode recv payload")
	}
	return v, status, nil
}

// Test is spec §4.1's test(Request) -> bool.
func (tr *Transport[T]) Test(req Request) (bool, error) {
	return req.Test()
}

// PollUntilSent drives an Issend to completion by alternating test() with an
// onIdle callback, exactly as spec §4.5.2 and design notes §9 require of the
// HardSync client: "model it as a while(!test(req)) { server.tick(); }".
// onIdle can service peer requests while this process awaits its own send.
// Nothing in the module calls PollUntilSent: the hardsync client uses Send
// and polls for its response with Iprobe, servicing requests in between.
func (tr *Transport[T]) PollUntilSent(ctx context.Context, req Request, onIdle func() error) error {
	for {
		done, err := req.Test()
		if err != nil {
			return errwrap.Wrap(err, "transport: Issend test failed")
		}
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if onIdle != nil {
			if err := onIdle(); err != nil {
				return errwrap.Wrap(err, "transport: poll onIdle failed")
			}
		}
	}
}

// lockGuard wraps a sync.Mutex behind lock/unlock helpers used by Migrate's
// encode and decode fan-outs.
type lockGuard struct{ mu sync.Mutex }

func (l *lockGuard) lock()   { l.mu.Lock() }
func (l *lockGuard) unlock() { l.mu.Unlock() }
