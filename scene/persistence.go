package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kwv/fragmesh/pointcloud"
)

// Pose graphs are stored in the Open3D JSON layout: matrices are flattened
// column-major, nodes carry "pose", edges carry source/target node ids.

type poseGraphFile struct {
	ClassName    string          `json:"class_name"`
	Edges        []poseGraphEdge `json:"edges"`
	Nodes        []poseGraphNode `json:"nodes"`
	VersionMajor int             `json:"version_major"`
	VersionMinor int             `json:"version_minor"`
}

type poseGraphNode struct {
	ClassName    string    `json:"class_name"`
	Pose         []float64 `json:"pose"`
	VersionMajor int       `json:"version_major"`
	VersionMinor int       `json:"version_minor"`
}

type poseGraphEdge struct {
	ClassName      string    `json:"class_name"`
	Confidence     float64   `json:"confidence"`
	Information    []float64 `json:"information"`
	SourceNodeID   int       `json:"source_node_id"`
	TargetNodeID   int       `json:"target_node_id"`
	Transformation []float64 `json:"transformation"`
	Uncertain      bool      `json:"uncertain"`
	VersionMajor   int       `json:"version_major"`
	VersionMinor   int       `json:"version_minor"`
}

// MarshalJSON encodes the graph in the Open3D pose-graph layout
func (g *PoseGraph) MarshalJSON() ([]byte, error) {
	f := poseGraphFile{
		ClassName:    "PoseGraph",
		Edges:        make([]poseGraphEdge, 0, len(g.Edges)),
		Nodes:        make([]poseGraphNode, 0, len(g.Nodes)),
		VersionMajor: 1,
	}
	for _, n := range g.Nodes {
		f.Nodes = append(f.Nodes, poseGraphNode{
			ClassName:    "PoseGraphNode",
			Pose:         n.Pose.ColumnMajor(),
			VersionMajor: 1,
		})
	}
	for _, e := range g.Edges {
		f.Edges = append(f.Edges, poseGraphEdge{
			ClassName:      "PoseGraphEdge",
			Confidence:     e.Confidence,
			Information:    e.Information.ColumnMajor(),
			SourceNodeID:   e.Source,
			TargetNodeID:   e.Target,
			Transformation: e.Transformation.ColumnMajor(),
			Uncertain:      e.Uncertain,
			VersionMajor:   1,
		})
	}
	return json.Marshal(f)
}

// UnmarshalJSON decodes the Open3D pose-graph layout
func (g *PoseGraph) UnmarshalJSON(data []byte) error {
	var f poseGraphFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	g.Nodes = make([]PoseGraphNode, 0, len(f.Nodes))
	for i, n := range f.Nodes {
		pose, err := pointcloud.TransformFromColumnMajor(n.Pose)
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		g.Nodes = append(g.Nodes, PoseGraphNode{Pose: pose})
	}

	g.Edges = make([]PoseGraphEdge, 0, len(f.Edges))
	for i, e := range f.Edges {
		t, err := pointcloud.TransformFromColumnMajor(e.Transformation)
		if err != nil {
			return fmt.Errorf("edge %d: %w", i, err)
		}
		info, err := pointcloud.InformationFromColumnMajor(e.Information)
		if err != nil {
			return fmt.Errorf("edge %d: %w", i, err)
		}
		g.Edges = append(g.Edges, PoseGraphEdge{
			Source:         e.SourceNodeID,
			Target:         e.TargetNodeID,
			Transformation: t,
			Information:    info,
			Uncertain:      e.Uncertain,
			Confidence:     e.Confidence,
		})
	}
	return nil
}

// SavePoseGraph writes the graph to path, creating parent directories
func SavePoseGraph(path string, g *PoseGraph) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrOutputNotWritable, filepath.Dir(path), err)
	}

	data, err := json.MarshalIndent(g, "", "\t")
	if err != nil {
		return fmt.Errorf("marshaling pose graph: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrOutputNotWritable, path, err)
	}
	return nil
}

// LoadPoseGraph reads a pose graph written by SavePoseGraph or Open3D
func LoadPoseGraph(path string) (*PoseGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pose graph: %w", err)
	}

	var g PoseGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing pose graph %s: %w", path, err)
	}
	return &g, nil
}

// FileOdometrySource reads per-fragment optimized pose graphs from the
// dataset layout
type FileOdometrySource struct {
	config *Config
}

// NewFileOdometrySource creates an odometry source rooted at path_dataset
func NewFileOdometrySource(config *Config) *FileOdometrySource {
	return &FileOdometrySource{config: config}
}

// LastPose returns the pose of the last node of fragment s's optimized pose
// graph. A missing, unreadable or empty graph yields ErrMissingOdometry.
func (o *FileOdometrySource) LastPose(s int) (pointcloud.Transform, error) {
	path := o.config.OdometryPath(s)
	g, err := LoadPoseGraph(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pointcloud.Identity(), fmt.Errorf("%w: %s does not exist", ErrMissingOdometry, path)
		}
		return pointcloud.Identity(), fmt.Errorf("%w: %v", ErrMissingOdometry, err)
	}
	if len(g.Nodes) == 0 {
		return pointcloud.Identity(), fmt.Errorf("%w: %s has no nodes", ErrMissingOdometry, path)
	}
	return g.Nodes[len(g.Nodes)-1].Pose, nil
}
