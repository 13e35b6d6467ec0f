package pointcloud

import (
	"fmt"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// GlobalStrategy selects the feature-based global registration algorithm
type GlobalStrategy int

const (
	// FGR is Fast Global Registration (Zhou, Park, Koltun, ECCV 2016)
	FGR GlobalStrategy = iota
	// RANSAC is RANSAC over feature correspondences with geometric checkers
	RANSAC
)

func (s GlobalStrategy) String() string {
	switch s {
	case FGR:
		return "fgr"
	case RANSAC:
		return "ransac"
	default:
		return fmt.Sprintf("GlobalStrategy(%d)", int(s))
	}
}

// RANSACConfig holds the RANSAC sampling parameters
type RANSACConfig struct {
	SampleSize     int     // Correspondences per hypothesis
	EdgeLength     float64 // Edge-length checker similarity (0-1)
	MaxIterations  int     // Hypotheses drawn
	MaxValidations int     // Hypotheses that pass the checkers and are scored
}

// DefaultRANSACConfig returns the usual fragment-registration settings
func DefaultRANSACConfig() RANSACConfig {
	return RANSACConfig{
		SampleSize:     4,
		EdgeLength:     0.9,
		MaxIterations:  4000000,
		MaxValidations: 500,
	}
}

// FGRConfig holds the Fast Global Registration parameters
type FGRConfig struct {
	DivisionFactor float64 // Annealing factor for the robust kernel
	TupleScale     float64 // Tuple test similarity (0-1)
	MaxTuples      int     // Maximum tuples kept by the tuple test
	Iterations     int     // Optimisation iterations
}

// DefaultFGRConfig returns the usual fragment-registration settings
func DefaultFGRConfig() FGRConfig {
	return FGRConfig{
		DivisionFactor: 1.4,
		TupleScale:     0.95,
		MaxTuples:      1000,
		Iterations:     64,
	}
}

// featurePoint is a descriptor entry for the feature-space kd-tree
type featurePoint struct {
	v   []float64
	idx int
}

func (p featurePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(featurePoint).v[d]
}
func (p featurePoint) Dims() int { return len(p.v) }
func (p featurePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(featurePoint)
	sum := 0.0
	for i := range p.v {
		d := p.v[i] - q.v[i]
		sum += d * d
	}
	return sum
}

type featurePoints []featurePoint

func (p featurePoints) Index(i int) kdtree.Comparable        { return p[i] }
func (p featurePoints) Len() int                             { return len(p) }
func (p featurePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p featurePoints) Pivot(d kdtree.Dim) int {
	pl := featurePlane{featurePoints: p, dim: d}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

type featurePlane struct {
	featurePoints
	dim kdtree.Dim
}

func (p featurePlane) Less(i, j int) bool {
	return p.featurePoints[i].v[p.dim] < p.featurePoints[j].v[p.dim]
}
func (p featurePlane) Swap(i, j int) {
	p.featurePoints[i], p.featurePoints[j] = p.featurePoints[j], p.featurePoints[i]
}
func (p featurePlane) Slice(start, end int) kdtree.SortSlicer {
	p.featurePoints = p.featurePoints[start:end]
	return p
}

func newFeatureTree(f *Feature) *kdtree.Tree {
	entries := make(featurePoints, f.Len())
	for i, d := range f.Data {
		entries[i] = featurePoint{v: d, idx: i}
	}
	return kdtree.New(entries, false)
}

// nearestFeatures maps every descriptor of from to its nearest descriptor in to
func nearestFeatures(from *Feature, to *kdtree.Tree) []int {
	out := make([]int, from.Len())
	for i, d := range from.Data {
		c, _ := to.Nearest(featurePoint{v: d})
		out[i] = c.(featurePoint).idx
	}
	return out
}

// RegisterRANSAC estimates a source-to-target transform from feature
// correspondences. Each hypothesis samples SampleSize source points, matches
// them to their nearest target descriptors, and must pass the edge-length and
// distance checkers before being scored. Returns identity when no hypothesis
// survives the checkers.
func RegisterRANSAC(source, target *PointCloud, srcFeat, tgtFeat *Feature, maxDist float64, cfg RANSACConfig, rng *rand.Rand) (RegistrationResult, error) {
	best := RegistrationResult{Transformation: Identity()}
	if err := checkFeatures(source, target, srcFeat, tgtFeat); err != nil {
		return best, err
	}
	if source.Len() < cfg.SampleSize || target.Len() < cfg.SampleSize {
		return best, nil
	}

	matches := nearestFeatures(srcFeat, newFeatureTree(tgtFeat))
	targetIndex := NewIndex(target.Points)

	src := make([]r3.Vector, cfg.SampleSize)
	tgt := make([]r3.Vector, cfg.SampleSize)
	validations := 0
	for iter := 0; iter < cfg.MaxIterations && validations < cfg.MaxValidations; iter++ {
		for k := 0; k < cfg.SampleSize; k++ {
			si := rng.Intn(source.Len())
			src[k] = source.Points[si]
			tgt[k] = target.Points[matches[si]]
		}
		if !edgeLengthConsistent(src, tgt, cfg.EdgeLength) {
			continue
		}

		t := RigidTransform(src, tgt)
		if !distanceConsistent(src, tgt, t, maxDist) {
			continue
		}

		validations++
		candidate := Evaluate(source, targetIndex, maxDist, t)
		if candidate.Fitness > best.Fitness ||
			(candidate.Fitness == best.Fitness && candidate.InlierRMSE < best.InlierRMSE) {
			best = candidate
		}
	}
	best.Iterations = validations
	return best, nil
}

// edgeLengthConsistent rejects samples whose pairwise distances disagree by
// more than the similarity ratio between source and target
func edgeLengthConsistent(src, tgt []r3.Vector, similarity float64) bool {
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			ds := src[i].Distance(src[j])
			dt := tgt[i].Distance(tgt[j])
			if ds < similarity*dt || dt < similarity*ds {
				return false
			}
		}
	}
	return true
}

// distanceConsistent requires every transformed sample to land within maxDist
func distanceConsistent(src, tgt []r3.Vector, t Transform, maxDist float64) bool {
	for i := range src {
		if t.Apply(src[i]).Distance(tgt[i]) > maxDist {
			return false
		}
	}
	return true
}

// RegisterFGR runs Fast Global Registration: mutual feature matches filtered
// by a tuple test, then an annealed Geman-McClure robust alignment solved by
// weighted Kabsch steps. Returns identity when too few correspondences remain.
func RegisterFGR(source, target *PointCloud, srcFeat, tgtFeat *Feature, maxDist float64, cfg FGRConfig, rng *rand.Rand) (RegistrationResult, error) {
	result := RegistrationResult{Transformation: Identity()}
	if err := checkFeatures(source, target, srcFeat, tgtFeat); err != nil {
		return result, err
	}
	if source.Len() < 3 || target.Len() < 3 {
		return result, nil
	}

	forward := nearestFeatures(srcFeat, newFeatureTree(tgtFeat))
	backward := nearestFeatures(tgtFeat, newFeatureTree(srcFeat))
	var mutual []Correspondence
	for i, j := range forward {
		if backward[j] == i {
			mutual = append(mutual, Correspondence{Source: i, Target: j})
		}
	}

	corr := tupleTest(source, target, mutual, cfg, rng)
	if len(corr) < 3 {
		return result, nil
	}

	src := make([]r3.Vector, len(corr))
	tgt := make([]r3.Vector, len(corr))
	for i, c := range corr {
		src[i] = source.Points[c.Source]
		tgt[i] = target.Points[c.Target]
	}

	// Start the robust kernel at the scale of the data and anneal towards maxDist
	lo, hi := source.Bounds()
	mu := hi.Sub(lo).Norm2()
	floor := maxDist * maxDist

	current := Identity()
	weights := make([]float64, len(corr))
	for iter := 0; iter < cfg.Iterations; iter++ {
		if iter > 0 && iter%4 == 0 && mu > floor {
			mu /= cfg.DivisionFactor
			if mu < floor {
				mu = floor
			}
		}
		for i := range src {
			r2 := current.Apply(src[i]).Sub(tgt[i]).Norm2()
			w := mu / (mu + r2)
			weights[i] = w * w
		}
		current = WeightedRigidTransform(src, tgt, weights)
		result.Iterations = iter + 1
	}

	evaluated := Evaluate(source, NewIndex(target.Points), maxDist, current)
	evaluated.Iterations = result.Iterations
	return evaluated, nil
}

// tupleTest keeps correspondences that appear in random triples whose
// pairwise lengths agree between source and target
func tupleTest(source, target *PointCloud, corr []Correspondence, cfg FGRConfig, rng *rand.Rand) []Correspondence {
	if len(corr) < 3 {
		return corr
	}
	kept := make(map[int]bool)
	var out []Correspondence
	tuples := 0
	trials := len(corr) * 100
	for i := 0; i < trials && tuples < cfg.MaxTuples; i++ {
		a, b, c := rng.Intn(len(corr)), rng.Intn(len(corr)), rng.Intn(len(corr))
		if a == b || b == c || a == c {
			continue
		}
		idx := [3]int{a, b, c}
		src := make([]r3.Vector, 3)
		tgt := make([]r3.Vector, 3)
		for k, ci := range idx {
			src[k] = source.Points[corr[ci].Source]
			tgt[k] = target.Points[corr[ci].Target]
		}
		if !edgeLengthConsistent(src, tgt, cfg.TupleScale) {
			continue
		}
		tuples++
		for _, ci := range idx {
			if !kept[ci] {
				kept[ci] = true
				out = append(out, corr[ci])
			}
		}
	}
	return out
}

func checkFeatures(source, target *PointCloud, srcFeat, tgtFeat *Feature) error {
	if srcFeat.Len() != source.Len() {
		return fmt.Errorf("source has %d points but %d descriptors", source.Len(), srcFeat.Len())
	}
	if tgtFeat.Len() != target.Len() {
		return fmt.Errorf("target has %d points but %d descriptors", target.Len(), tgtFeat.Len())
	}
	return nil
}
