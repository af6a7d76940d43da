package syncmode

import "github.com/fpmas/fpmas-go/id"

// NodePacket is the full-data wire envelope for a node crossing ranks
// (spec §6: "{id, data, weight}"), shared by distgraph's distribute and
// every sync mode's DataSync/SyncLinker implementation so they agree on
// one wire shape without an import cycle back to distgraph.
type NodePacket[T any] struct {
	Id     id.Id
	Data   T
	Weight float64
}

// LightNode is an edge endpoint reference without its data payload (spec
// §4.3 step 3: "edge packets (light-serialized endpoints)").
type LightNode struct {
	Id     id.Id
	Weight float64
}

// EdgePacket is the wire envelope for an edge crossing ranks (spec §6:
// "{id, layer, weight, (source_id, source_location), (target_id,
// target_location)}").
type EdgePacket struct {
	Id             id.Id
	Layer          int
	Weight         float64
	Source         LightNode
	SourceLocation int
	Target         LightNode
	TargetLocation int
}
