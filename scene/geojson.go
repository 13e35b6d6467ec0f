package scene

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// nodePoint projects a node position onto the ground (x, y) plane
func nodePoint(n PoseGraphNode) orb.Point {
	t := n.Pose.TranslationPart()
	return orb.Point{t.X, t.Y}
}

// Trajectory returns the top-down path through all node positions
func Trajectory(g *PoseGraph) orb.LineString {
	ls := make(orb.LineString, len(g.Nodes))
	for i, n := range g.Nodes {
		ls[i] = nodePoint(n)
	}
	return ls
}

// TrajectoryLength is the planar length of the trajectory in dataset units
func TrajectoryLength(g *PoseGraph) float64 {
	return planar.Length(Trajectory(g))
}

// simplifyTrajectory applies Douglas-Peucker with the given tolerance.
// Tolerance <= 0 or short lines are returned unchanged.
func simplifyTrajectory(ls orb.LineString, tolerance float64) orb.LineString {
	if tolerance <= 0 || len(ls) < 3 {
		return ls
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok {
		return ls
	}
	return simplified
}

// alignedNodes counts the leading nodes whose index is still their fragment
// index. An odometry gap (i, i+1) adds no node, so every node after node i
// belongs to a later fragment than its index.
func alignedNodes(g *PoseGraph) int {
	chained := make(map[int]bool, len(g.Edges))
	for _, e := range g.Edges {
		if !e.Uncertain && e.Target == e.Source+1 {
			chained[e.Source] = true
		}
	}
	n := 0
	for n+1 < len(g.Nodes) && chained[n] {
		n++
	}
	return min(n+1, len(g.Nodes))
}

// drawableEdges returns the edges whose fragments both map to a node
func drawableEdges(g *PoseGraph) []PoseGraphEdge {
	n := alignedNodes(g)
	out := make([]PoseGraphEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e.Source < n && e.Target < n {
			out = append(out, e)
		}
	}
	return out
}

// GraphGeoJSON exports the pose graph as a top-down FeatureCollection: one
// trajectory LineString, one Point per node and one LineString per edge.
// Edges are drawn only up to the first odometry gap; the trajectory feature
// reports how many were skipped.
func GraphGeoJSON(g *PoseGraph, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	trajectory := Trajectory(g)
	if len(trajectory) >= 2 {
		f := geojson.NewFeature(simplifyTrajectory(trajectory, tolerance))
		f.Properties["kind"] = "trajectory"
		f.Properties["length"] = planar.Length(trajectory)
		f.Properties["nodes"] = len(trajectory)
		f.Properties["skippedEdges"] = len(g.Edges) - len(drawableEdges(g))
		fc.Append(f)
	}

	for i, p := range trajectory {
		f := geojson.NewFeature(p)
		f.Properties["kind"] = "node"
		f.Properties["node"] = i
		fc.Append(f)
	}

	for _, e := range drawableEdges(g) {
		kind := KindOdometry
		if e.Uncertain {
			kind = KindLoopClosure
		}
		f := geojson.NewFeature(orb.LineString{trajectory[e.Source], trajectory[e.Target]})
		f.Properties["kind"] = kind
		f.Properties["source"] = e.Source
		f.Properties["target"] = e.Target
		f.Properties["correspondences"] = e.Information[5][5]
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes GraphGeoJSON to path
func WriteGeoJSON(path string, g *PoseGraph, tolerance float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating GeoJSON directory: %w", err)
	}
	data, err := GraphGeoJSON(g, tolerance).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}
