package distgraph

import "github.com/fpmas/fpmas-go/syncmode"

// nodePacket, lightNode and edgePacket are aliases onto the shared wire
// types in syncmode, so distgraph, ghost and hardsync all agree on one
// wire shape without an import cycle.
type nodePacket[T any] = syncmode.NodePacket[T]
type lightNode = syncmode.LightNode
type edgePacket = syncmode.EdgePacket
