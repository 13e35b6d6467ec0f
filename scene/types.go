// Package scene builds a scene-level pose graph from an ordered set of
// overlapping point-cloud fragments: pairwise registration, the all-pairs
// matching driver, pose-graph assembly and the run orchestration around them.
package scene

import (
	"fmt"
	"time"

	"github.com/kwv/fragmesh/pointcloud"
)

// Fragment is one point-cloud file in the ordered fragment sequence
type Fragment struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
}

// PairKey identifies one matching task between fragments S < T
type PairKey struct {
	S int `json:"s"`
	T int `json:"t"`
}

// Edge kinds
const (
	KindOdometry    = "odometry"
	KindLoopClosure = "loop_closure"
)

// PairKeys returns the n(n-1)/2 keys for n fragments in ascending (S, T) order
func PairKeys(n int) []PairKey {
	if n < 2 {
		return nil
	}
	keys := make([]PairKey, 0, n*(n-1)/2)
	for s := 0; s < n; s++ {
		for t := s + 1; t < n; t++ {
			keys = append(keys, PairKey{S: s, T: t})
		}
	}
	return keys
}

// Adjacent reports whether the pair is temporally adjacent (an odometry pair)
func (k PairKey) Adjacent() bool {
	return k.T == k.S+1
}

// Kind returns "odometry" for adjacent pairs and "loop_closure" otherwise
func (k PairKey) Kind() string {
	if k.Adjacent() {
		return KindOdometry
	}
	return KindLoopClosure
}

// Less orders keys by S, then T
func (k PairKey) Less(o PairKey) bool {
	if k.S != o.S {
		return k.S < o.S
	}
	return k.T < o.T
}

func (k PairKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.S, k.T)
}

// Registration is a successful pairwise alignment. Overlap is the
// information-matrix correspondence ratio used by the confidence gate.
type Registration struct {
	Transformation pointcloud.Transform
	Information    pointcloud.Information
	Overlap        float64
}

// MatchingResult is the outcome of one matching task. Exactly one of Edge
// and Err is set.
type MatchingResult struct {
	Key     PairKey
	Edge    *Registration
	Err     error
	Elapsed time.Duration
}

// Success reports whether the pair registered
func (r MatchingResult) Success() bool {
	return r.Edge != nil
}

// Transformation returns the registered transform, or identity on failure
func (r MatchingResult) Transformation() pointcloud.Transform {
	if r.Edge == nil {
		return pointcloud.Identity()
	}
	return r.Edge.Transformation
}

// Information returns the registered information matrix, or identity on failure
func (r MatchingResult) Information() pointcloud.Information {
	if r.Edge == nil {
		return pointcloud.IdentityInformation()
	}
	return r.Edge.Information
}

// PoseGraphNode holds the absolute pose of one fragment
type PoseGraphNode struct {
	Pose pointcloud.Transform
}

// PoseGraphEdge is a relative-pose constraint between two nodes. Uncertain
// marks loop closures, which the optimizer may down-weight or prune.
type PoseGraphEdge struct {
	Source         int
	Target         int
	Transformation pointcloud.Transform
	Information    pointcloud.Information
	Uncertain      bool
	Confidence     float64
}

// PoseGraph is the scene graph handed to the global optimizer
type PoseGraph struct {
	Nodes []PoseGraphNode
	Edges []PoseGraphEdge
}

// CertainEdges counts odometry edges
func (g *PoseGraph) CertainEdges() int {
	n := 0
	for _, e := range g.Edges {
		if !e.Uncertain {
			n++
		}
	}
	return n
}

// UncertainEdges counts loop-closure edges
func (g *PoseGraph) UncertainEdges() int {
	return len(g.Edges) - g.CertainEdges()
}
