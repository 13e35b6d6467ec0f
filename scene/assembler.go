package scene

import (
	"log"
	"sort"

	"github.com/kwv/fragmesh/pointcloud"
)

// Assembler folds matching results into a pose graph. Odometry pairs extend
// the node chain through the accumulated odometry; loop closures only add
// uncertain edges between existing nodes.
type Assembler struct {
	graph    *PoseGraph
	odometry pointcloud.Transform
	gaps     []PairKey
}

// NewAssembler starts a graph with a single identity node
func NewAssembler() *Assembler {
	return &Assembler{
		graph:    &PoseGraph{Nodes: []PoseGraphNode{{Pose: pointcloud.Identity()}}},
		odometry: pointcloud.Identity(),
	}
}

// Fold adds one result. Results must arrive in ascending key order.
func (a *Assembler) Fold(r MatchingResult) {
	if !r.Success() {
		if r.Key.Adjacent() {
			a.gaps = append(a.gaps, r.Key)
		}
		return
	}

	edge := PoseGraphEdge{
		Source:         r.Key.S,
		Target:         r.Key.T,
		Transformation: r.Edge.Transformation,
		Information:    r.Edge.Information,
		Confidence:     1.0,
	}

	if r.Key.Adjacent() {
		a.odometry = r.Edge.Transformation.Mul(a.odometry)
		a.graph.Nodes = append(a.graph.Nodes, PoseGraphNode{Pose: a.odometry.MustInverse()})
		a.graph.Edges = append(a.graph.Edges, edge)
		return
	}

	edge.Uncertain = true
	a.graph.Edges = append(a.graph.Edges, edge)
}

// Assemble folds results in ascending (S, T) order, whatever order they are
// given in, and returns the graph
func (a *Assembler) Assemble(results []MatchingResult) *PoseGraph {
	sorted := make([]MatchingResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key.Less(sorted[j].Key)
	})

	for _, r := range sorted {
		a.Fold(r)
	}
	if len(a.gaps) > 0 {
		log.Printf("[ODOMETRY] WARN %d odometry pair(s) failed, node indices drift from fragment indices after %v", len(a.gaps), a.gaps[0])
	}
	return a.graph
}

// Graph returns the graph built so far
func (a *Assembler) Graph() *PoseGraph {
	return a.graph
}

// Odometry returns the accumulated odometry
func (a *Assembler) Odometry() pointcloud.Transform {
	return a.odometry
}

// OdometryGaps returns the adjacent pairs that failed, in fold order
func (a *Assembler) OdometryGaps() []PairKey {
	return a.gaps
}
