package scene

import (
	"context"

	"github.com/kwv/fragmesh/pointcloud"
)

// Geometry loads and prepares point clouds
type Geometry interface {
	LoadCloud(path string) (*pointcloud.PointCloud, error)
	Downsample(c *pointcloud.PointCloud, voxel float64) *pointcloud.PointCloud
	EstimateNormals(c *pointcloud.PointCloud, radius float64, maxNN int) *pointcloud.PointCloud
	ComputeFeatures(c *pointcloud.PointCloud, radius float64, maxNN int) *pointcloud.Feature
}

// Solver runs the numerical registration routines
type Solver interface {
	GlobalRegister(strategy pointcloud.GlobalStrategy, src, tgt *pointcloud.PointCloud,
		srcFeat, tgtFeat *pointcloud.Feature, distance float64) (pointcloud.RegistrationResult, error)
	ICP(method pointcloud.ICPMethod, src, tgt *pointcloud.PointCloud, maxDist float64,
		init pointcloud.Transform, criteria pointcloud.Convergence) (pointcloud.RegistrationResult, error)
	InformationMatrix(src, tgt *pointcloud.PointCloud, maxDist float64, t pointcloud.Transform) pointcloud.Information
}

// OdometrySource provides the last pose of a fragment's optimized odometry
// pose graph
type OdometrySource interface {
	LastPose(fragment int) (pointcloud.Transform, error)
}

// Optimizer runs global pose-graph optimization from the graph at in,
// writing the optimized graph to out
type Optimizer interface {
	Optimize(ctx context.Context, in, out string) error
}
