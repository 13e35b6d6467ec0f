package scene

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/kwv/fragmesh/pointcloud"
)

// Registration parameters, as multiples of voxel_size unless noted
const (
	normalRadiusFactor        = 2.0
	normalMaxNN               = 30
	featureRadiusFactor       = 5.0
	featureMaxNN              = 100
	globalDistanceFactor      = 1.5
	icpDistanceFactor         = 1.4
	informationDistanceFactor = 1.4

	// ConfidenceThreshold is the minimum overlap ratio (exclusive) for a
	// refined loop closure to be accepted
	ConfidenceThreshold = 0.3
)

// icpScale is one level of the multiscale ICP schedule
type icpScale struct {
	Voxel      float64
	Iterations int
}

// odometrySchedule is a single fine pass seeded by the fragment odometry
func odometrySchedule(voxel float64) []icpScale {
	return []icpScale{{Voxel: voxel / 4, Iterations: 30}}
}

// loopClosureSchedule is coarse to fine, seeded by global registration
func loopClosureSchedule(voxel float64) []icpScale {
	return []icpScale{
		{Voxel: voxel, Iterations: 50},
		{Voxel: voxel / 2, Iterations: 30},
		{Voxel: voxel / 4, Iterations: 14},
	}
}

// Registrar aligns one fragment pair
type Registrar struct {
	config   *Config
	geometry Geometry
	solver   Solver
	odometry OdometrySource
}

// NewRegistrar creates a pair registrar
func NewRegistrar(config *Config, geometry Geometry, solver Solver, odometry OdometrySource) *Registrar {
	return &Registrar{
		config:   config,
		geometry: geometry,
		solver:   solver,
		odometry: odometry,
	}
}

// Preprocess downsamples the cloud at voxel_size, estimates normals and
// computes FPFH descriptors
func (r *Registrar) Preprocess(cloud *pointcloud.PointCloud) (*pointcloud.PointCloud, *pointcloud.Feature) {
	voxel := r.config.VoxelSize
	down := r.geometry.Downsample(cloud, voxel)
	down = r.geometry.EstimateNormals(down, voxel*normalRadiusFactor, normalMaxNN)
	feature := r.geometry.ComputeFeatures(down, voxel*featureRadiusFactor, featureMaxNN)
	return down, feature
}

// InitialAlignment returns the starting transform for refinement. Adjacent
// pairs invert the last pose of fragment S's optimized odometry; other pairs
// run global registration, and an identity result (trace exactly 4) is
// reported as ErrAlignmentNotFound whatever its fitness.
func (r *Registrar) InitialAlignment(ctx context.Context, key PairKey, srcDown, tgtDown *pointcloud.PointCloud, srcFeat, tgtFeat *pointcloud.Feature) (pointcloud.Transform, error) {
	if err := ctx.Err(); err != nil {
		return pointcloud.Identity(), err
	}

	if key.Adjacent() {
		pose, err := r.odometry.LastPose(key.S)
		if err != nil {
			return pointcloud.Identity(), err
		}
		inv, err := pose.Inverse()
		if err != nil {
			return pointcloud.Identity(), fmt.Errorf("%w: fragment %d final pose: %v", ErrMissingOdometry, key.S, err)
		}
		r.debugf("[ODOMETRY] %v initial alignment from fragment odometry:\n%s", key, formatTransform(inv))
		return inv, nil
	}

	distance := r.config.VoxelSize * globalDistanceFactor
	result, err := r.solver.GlobalRegister(r.config.Strategy(), srcDown, tgtDown, srcFeat, tgtFeat, distance)
	if err != nil {
		return pointcloud.Identity(), fmt.Errorf("%s global registration: %w", r.config.Strategy(), err)
	}
	if result.Transformation.Trace() == 4.0 {
		return pointcloud.Identity(), fmt.Errorf("%w (fitness %.3f)", ErrAlignmentNotFound, result.Fitness)
	}
	r.debugf("[LOOP] %v %s alignment fitness=%.3f rmse=%.4f:\n%s",
		key, r.config.Strategy(), result.Fitness, result.InlierRMSE, formatTransform(result.Transformation))
	return result.Transformation, nil
}

// RefineLocally runs multiscale ICP from init and gates the result on the
// information-matrix overlap ratio. ErrLowConfidence is returned together
// with the computed transform and information.
func (r *Registrar) RefineLocally(ctx context.Context, key PairKey, src, tgt *pointcloud.PointCloud, init pointcloud.Transform) (pointcloud.Transform, pointcloud.Information, error) {
	schedule := loopClosureSchedule(r.config.VoxelSize)
	method := r.config.LoopClosureMethod()
	if key.Adjacent() {
		schedule = odometrySchedule(r.config.VoxelSize)
		method = pointcloud.PointToPlane
	}

	current := init
	for _, scale := range schedule {
		if err := ctx.Err(); err != nil {
			return current, pointcloud.IdentityInformation(), err
		}

		srcDown := r.geometry.EstimateNormals(r.geometry.Downsample(src, scale.Voxel), scale.Voxel*normalRadiusFactor, normalMaxNN)
		tgtDown := r.geometry.EstimateNormals(r.geometry.Downsample(tgt, scale.Voxel), scale.Voxel*normalRadiusFactor, normalMaxNN)

		maxDist := scale.Voxel * icpDistanceFactor
		if method == pointcloud.Colored {
			maxDist = scale.Voxel
		}
		criteria := pointcloud.DefaultConvergence()
		criteria.MaxIterations = scale.Iterations

		result, err := r.solver.ICP(method, srcDown, tgtDown, maxDist, current, criteria)
		if err != nil {
			return current, pointcloud.IdentityInformation(), fmt.Errorf("%s ICP at voxel %.4f: %w", method, scale.Voxel, err)
		}
		r.debugf("[REGISTER] %v %s voxel=%.4f fitness=%.3f rmse=%.4f iterations=%d",
			key, method, scale.Voxel, result.Fitness, result.InlierRMSE, result.Iterations)
		current = result.Transformation
	}

	info := r.solver.InformationMatrix(src, tgt, r.config.VoxelSize*informationDistanceFactor, current)
	overlap := Overlap(info, src.Len(), tgt.Len())
	if !(overlap > ConfidenceThreshold) {
		return current, info, fmt.Errorf("%w: overlap %.3f <= %.1f", ErrLowConfidence, overlap, ConfidenceThreshold)
	}
	return current, info, nil
}

// Overlap is the confidence proxy information[5][5] / min(|src|, |tgt|)
func Overlap(info pointcloud.Information, srcLen, tgtLen int) float64 {
	n := srcLen
	if tgtLen < n {
		n = tgtLen
	}
	if n <= 0 {
		return 0
	}
	return info[5][5] / float64(n)
}

// RegisterPair loads, preprocesses, aligns and refines one pair. Pair-level
// failures are returned inside the result; the error return is reserved for
// conditions that must abort the run (unreadable fragment, cancellation).
// Adjacent pairs are kept even when the confidence gate rejects them; only a
// missing odometry pose graph fails an adjacent pair.
func (r *Registrar) RegisterPair(ctx context.Context, fragments []Fragment, key PairKey) (MatchingResult, error) {
	start := time.Now()
	result := MatchingResult{Key: key}
	fail := func(err error) (MatchingResult, error) {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result, nil
	}

	src, err := r.load(fragments[key.S])
	if err != nil {
		return result, err
	}
	tgt, err := r.load(fragments[key.T])
	if err != nil {
		return result, err
	}

	srcDown, srcFeat := r.Preprocess(src)
	tgtDown, tgtFeat := r.Preprocess(tgt)

	init, err := r.InitialAlignment(ctx, key, srcDown, tgtDown, srcFeat, tgtFeat)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return fail(err)
	}

	transformation, information, err := r.RefineLocally(ctx, key, src, tgt, init)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return result, ctx.Err()
		case key.Adjacent() && errors.Is(err, ErrLowConfidence):
			log.Printf("[ODOMETRY] WARN %v kept despite %v", key, err)
		default:
			return fail(err)
		}
	}

	result.Edge = &Registration{
		Transformation: transformation,
		Information:    information,
		Overlap:        Overlap(information, src.Len(), tgt.Len()),
	}
	result.Elapsed = time.Since(start)
	r.debugf("[REGISTER] %v final transformation:\n%s\ninformation:\n%s",
		key, formatTransform(transformation), formatInformation(information))
	return result, nil
}

// CheckFragments loads every fragment once and returns ErrFragmentUnreadable
// for the first one that fails. A single-fragment dataset has no pairs, so
// this is the only place its fragment is read.
func (r *Registrar) CheckFragments(fragments []Fragment) error {
	for _, f := range fragments {
		if _, err := r.load(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registrar) load(f Fragment) (*pointcloud.PointCloud, error) {
	cloud, err := r.geometry.LoadCloud(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFragmentUnreadable, f.Path, err)
	}
	return cloud, nil
}

func (r *Registrar) debugf(format string, args ...interface{}) {
	if r.config.DebugMode {
		log.Printf(format, args...)
	}
}

func formatTransform(t pointcloud.Transform) string {
	rows := make([]string, 4)
	for i := range t {
		rows[i] = formatRow(t[i][:])
	}
	return strings.Join(rows, "\n")
}

func formatInformation(m pointcloud.Information) string {
	rows := make([]string, 6)
	for i := range m {
		rows[i] = formatRow(m[i][:])
	}
	return strings.Join(rows, "\n")
}

func formatRow(row []float64) string {
	cells := make([]string, len(row))
	for i, v := range row {
		if math.Abs(v) < 1e-12 {
			v = 0
		}
		cells[i] = fmt.Sprintf("%12.6g", v)
	}
	return "  [" + strings.Join(cells, " ") + "]"
}
