package ghost

import (
	"context"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// DataSync is GhostMode's pull-based replica refresh: every rank asks each
// DISTANT node's owner for its current data, in exactly two migrate calls
// (spec §4.5.1: request ids per owner, then (id, data, weight) replies).
type DataSync[T any] struct {
	reqTr  *transport.Transport[id.Id]
	dataTr *transport.Transport[syncmode.NodePacket[T]]
}

// NewDataSync builds a GhostMode DataSync bound to comm.
func NewDataSync[T any](comm transport.Communicator) *DataSync[T] {
	return &DataSync[T]{
		reqTr:  transport.New[id.Id](comm, transport.JSONCodec[id.Id]{}),
		dataTr: transport.New[syncmode.NodePacket[T]](comm, transport.JSONCodec[syncmode.NodePacket[T]]{}),
	}
}

// Synchronize requests every DISTANT node's current data from its owner
// and overwrites the local replica with whatever comes back.
func (d *DataSync[T]) Synchronize(ctx context.Context, dg syncmode.DistGraphView[T]) error {
	requests := make(map[int][]id.Id)
	for _, n := range dg.Graph().Nodes() {
		if n.State() != graph.Distant {
			continue
		}
		requests[n.Location()] = append(requests[n.Location()], n.Id())
	}

	inRequests, err := d.reqTr.Migrate(ctx, requests)
	if err != nil {
		return errwrap.Wrap(err, "ghost: data-sync request migrate failed")
	}

	replies := make(map[int][]syncmode.NodePacket[T])
	for requester, ids := range inRequests {
		for _, nid := range ids {
			n, ok := dg.Graph().GetNode(nid)
			if !ok || n.State() != graph.Local {
				continue
			}
			replies[requester] = append(replies[requester], syncmode.NodePacket[T]{
				Id: nid, Data: n.Data(), Weight: n.Weight(),
			})
		}
	}

	inReplies, err := d.dataTr.Migrate(ctx, replies)
	if err != nil {
		return errwrap.Wrap(err, "ghost: data-sync reply migrate failed")
	}
	for _, pkts := range inReplies {
		for _, pkt := range pkts {
			if n, ok := dg.Graph().GetNode(pkt.Id); ok {
				n.SetData(pkt.Data)
				n.SetWeight(pkt.Weight)
			}
		}
	}
	return nil
}
