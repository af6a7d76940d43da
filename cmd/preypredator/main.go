// Command preypredator runs the examples/preypredator worked example on an
// in-process transport/local Hub, one goroutine per rank, mirroring
// original_source's PreyPredator/main.cpp: build the initial graph at rank
// 0, then every rank runs the same collective step loop (act, rebalance,
// synchronize) against its own view of the distributed graph.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sync"

	"github.com/fpmas/fpmas-go/config"
	"github.com/fpmas/fpmas-go/examples/preypredator"
	"github.com/fpmas/fpmas-go/fpmas"
	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/loadbalance"
	"github.com/fpmas/fpmas-go/model"
	"github.com/fpmas/fpmas-go/transport"
	"github.com/fpmas/fpmas-go/transport/local"

	errwrap "github.com/pkg/errors"
)

func main() {
	ranks := flag.Int("ranks", 2, "number of simulated MPI ranks")
	predators := flag.Int("predators", 3, "number of predator agents")
	steps := flag.Int("steps", 5, "number of simulation steps to run")
	lbPeriod := flag.Int("lbperiod", 2, "steps between load-balancing passes (0 disables)")
	flag.Parse()

	if err := run(*ranks, *predators, *steps, *lbPeriod); err != nil {
		log.Fatal(err)
	}
}

func run(worldSize, predatorCount, steps, lbPeriod int) error {
	hub := local.NewHub(worldSize)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([][]preypredator.AgentData, worldSize)
	errs := make([]error, worldSize)

	for r := 0; r < worldSize; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[r], errs[r] = driveRank(ctx, hub.Rank(r), r, worldSize, predatorCount, steps, lbPeriod)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			return errwrap.Wrapf(err, "rank %d", r)
		}
	}

	all := make([]preypredator.AgentData, 0)
	for _, r := range reports {
		all = append(all, r...)
	}
	out, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return errwrap.Wrap(err, "encode final state")
	}
	fmt.Println(string(out))
	return nil
}

// driveRank runs one rank's half of the collective loop: every rank calls
// Runtime.Step and Rebalance the same number of times regardless of
// whether it currently owns any nodes, since Distribute and Synchronize
// are both collective operations under transport/local's Hub.
func driveRank(ctx context.Context, comm transport.Communicator, rank, worldSize, predatorCount, steps, lbPeriod int) ([]preypredator.AgentData, error) {
	cfg := config.Config{Rank: rank, WorldSize: worldSize, Mode: "ghost", LBPeriod: lbPeriod}

	balance := loadbalance.NewSimple(worldSize)
	preyGroup := model.NewGroup("prey", 0)
	predatorGroup := model.NewGroup("predators", 1)

	sim, err := fpmas.New[any](cfg, comm, balance, model.ForJob([]*model.Group{preyGroup, predatorGroup}))
	if err != nil {
		return nil, errwrap.Wrap(err, "fpmas.New")
	}

	groupFor := func(role preypredator.Role) *model.Group {
		if role == preypredator.Prey {
			return preyGroup
		}
		return predatorGroup
	}
	agentFor := func(role preypredator.Role) model.Agent {
		if role == preypredator.Prey {
			return preypredator.PreyAgent{}
		}
		return preypredator.PredatorAgent{}
	}

	sim.Graph.OnSetLocal(func(n *graph.Node[any]) {
		data, ok := n.Data().(preypredator.AgentData)
		if !ok {
			return
		}
		groupFor(data.Role).Add(n, agentFor(data.Role))
	})
	sim.Graph.OnSetDistant(func(n *graph.Node[any]) {
		preyGroup.Remove(n.Id())
		predatorGroup.Remove(n.Id())
	})

	sim.Scheduler.ScheduleRecurring(0, 1, preyGroup.Job())
	sim.Scheduler.ScheduleRecurring(0, 1, predatorGroup.Job())

	if rank == 0 {
		buildInitialGraph(ctx, sim, predatorCount)
		for _, n := range sim.Graph.Graph().Nodes() {
			if data, ok := n.Data().(preypredator.AgentData); ok {
				groupFor(data.Role).Add(n, agentFor(data.Role))
			}
		}
	}

	for step := 0; step < steps; step++ {
		sim.Runtime.Step()
		if err := sim.Rebalance(ctx, step); err != nil {
			return nil, errwrap.Wrapf(err, "rebalance step %d", step)
		}
	}

	var owned []preypredator.AgentData
	for _, n := range sim.Graph.Graph().Nodes() {
		if n.State() != graph.Local {
			continue
		}
		if data, ok := n.Data().(preypredator.AgentData); ok {
			owned = append(owned, data)
		}
	}
	return owned, nil
}

// buildInitialGraph plants one prey and predatorCount predators on rank 0's
// local graph, each predator linked to the shared prey, mirroring
// original_source's main.cpp initial topology.
func buildInitialGraph(ctx context.Context, sim *fpmas.Simulation[any], predatorCount int) {
	prey := sim.Graph.BuildNode(preypredator.AgentData{
		Label: "prey-0",
		Role:  preypredator.Prey,
		State: preypredator.Alive,
	}, 1)

	for i := 0; i < predatorCount; i++ {
		predator := sim.Graph.BuildNode(preypredator.AgentData{
			Label: fmt.Sprintf("predator-%d", i),
			Role:  preypredator.Predator,
			State: preypredator.Alive,
		}, 1)
		if _, err := sim.Graph.Link(ctx, predator, prey, 0, 1); err != nil {
			log.Printf("link predator-%d: %v", i, err)
		}
	}
}
