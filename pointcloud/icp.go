package pointcloud

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"
)

// ICPMethod selects the error metric minimised by ICP
type ICPMethod int

const (
	// PointToPlane minimises the distance along target normals
	PointToPlane ICPMethod = iota
	// PointToPoint minimises Euclidean distance between correspondences
	PointToPoint
	// Colored adds a photometric term to point-to-plane
	Colored
)

func (m ICPMethod) String() string {
	switch m {
	case PointToPlane:
		return "point_to_plane"
	case PointToPoint:
		return "point_to_point"
	case Colored:
		return "color"
	default:
		return fmt.Sprintf("ICPMethod(%d)", int(m))
	}
}

// Convergence holds the ICP stopping rules. Iteration stops after
// MaxIterations, or once both fitness and RMSE change by less than their
// relative thresholds between two iterations.
type Convergence struct {
	RelativeFitness float64
	RelativeRMSE    float64
	MaxIterations   int
}

// DefaultConvergence returns the standard ICP stopping rules
func DefaultConvergence() Convergence {
	return Convergence{
		RelativeFitness: 1e-6,
		RelativeRMSE:    1e-6,
		MaxIterations:   30,
	}
}

// RegistrationResult contains the result of a registration
type RegistrationResult struct {
	Transformation  Transform // Source-to-target transformation
	Fitness         float64   // Inlier correspondences / source points
	InlierRMSE      float64   // RMSE over inlier correspondences
	Correspondences int       // Number of inlier correspondences
	Iterations      int       // Iterations performed (ICP) or hypotheses validated (RANSAC)
	Converged       bool      // Whether the convergence criteria were met
}

// Evaluate scores a transformation: fitness and inlier RMSE of source
// points that land within maxDist of a target point.
func Evaluate(source *PointCloud, targetIndex *Index, maxDist float64, t Transform) RegistrationResult {
	result := RegistrationResult{Transformation: t}
	if source.Len() == 0 {
		return result
	}
	var sq []float64
	for _, p := range source.Points {
		nb, ok := targetIndex.Nearest(t.Apply(p))
		if ok && nb.Distance <= maxDist {
			sq = append(sq, nb.Distance*nb.Distance)
		}
	}
	result.Correspondences = len(sq)
	if len(sq) > 0 {
		result.Fitness = float64(len(sq)) / float64(source.Len())
		result.InlierRMSE = math.Sqrt(stat.Mean(sq, nil))
	}
	return result
}

// findCorrespondences pairs every source point with its nearest target point
// within maxDist. source must already be in the current frame.
func findCorrespondences(source *PointCloud, targetIndex *Index, maxDist float64) ([]Correspondence, float64, float64) {
	var corr []Correspondence
	sumSq := 0.0
	for i, p := range source.Points {
		nb, ok := targetIndex.Nearest(p)
		if ok && nb.Distance <= maxDist {
			corr = append(corr, Correspondence{Source: i, Target: nb.Index})
			sumSq += nb.Distance * nb.Distance
		}
	}
	if len(corr) == 0 {
		return nil, 0, 0
	}
	fitness := float64(len(corr)) / float64(source.Len())
	rmse := math.Sqrt(sumSq / float64(len(corr)))
	return corr, fitness, rmse
}

// RegisterICP refines init by iterative closest point. Point-to-plane and
// colored ICP need target normals; colored ICP also needs colors on both
// clouds and falls back to point-to-plane without them.
func RegisterICP(method ICPMethod, source, target *PointCloud, maxDist float64, init Transform, criteria Convergence) (RegistrationResult, error) {
	if source.Len() == 0 || target.Len() == 0 {
		return RegistrationResult{Transformation: init}, fmt.Errorf("ICP on empty cloud (source=%d target=%d)", source.Len(), target.Len())
	}
	if method != PointToPoint && !target.HasNormals() {
		return RegistrationResult{Transformation: init}, fmt.Errorf("%s ICP requires target normals", method)
	}
	if method == Colored && !(source.HasColors() && target.HasColors()) {
		method = PointToPlane
	}

	targetIndex := NewIndex(target.Points)
	grads := colorGradientsFor(method, target, targetIndex, maxDist)

	current := init
	moved := source.Transformed(current)
	corr, fitness, rmse := findCorrespondences(moved, targetIndex, maxDist)

	result := RegistrationResult{
		Transformation:  current,
		Fitness:         fitness,
		InlierRMSE:      rmse,
		Correspondences: len(corr),
	}

	for iter := 0; iter < criteria.MaxIterations; iter++ {
		result.Iterations = iter + 1
		if len(corr) < 3 {
			break
		}

		var update Transform
		var err error
		switch method {
		case PointToPoint:
			src := make([]r3.Vector, len(corr))
			tgt := make([]r3.Vector, len(corr))
			for i, c := range corr {
				src[i] = moved.Points[c.Source]
				tgt[i] = target.Points[c.Target]
			}
			update = RigidTransform(src, tgt)
		case Colored:
			update, err = coloredStep(moved, target, grads, corr)
		default:
			update, err = pointToPlaneStep(moved, target, corr)
		}
		if err != nil {
			// Degenerate geometry: keep the last good estimate
			break
		}

		current = update.Mul(current)
		moved = moved.Transformed(update)

		prevFitness, prevRMSE := fitness, rmse
		corr, fitness, rmse = findCorrespondences(moved, targetIndex, maxDist)

		result.Transformation = current
		result.Fitness = fitness
		result.InlierRMSE = rmse
		result.Correspondences = len(corr)

		if math.Abs(prevFitness-fitness) < criteria.RelativeFitness &&
			math.Abs(prevRMSE-rmse) < criteria.RelativeRMSE {
			result.Converged = true
			break
		}
	}

	return result, nil
}

func colorGradientsFor(method ICPMethod, target *PointCloud, index *Index, maxDist float64) []r3.Vector {
	if method != Colored {
		return nil
	}
	return colorGradients(target, index, maxDist*2, 30)
}
