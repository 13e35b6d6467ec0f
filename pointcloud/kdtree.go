package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// indexedPoint is a kd-tree entry that remembers its position in the cloud
type indexedPoint struct {
	r3.Vector
	idx int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		return p.Z - q.Z
	}
}

func (p indexedPoint) Dims() int { return 3 }

// Distance is squared Euclidean, as kdtree expects
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	return p.Vector.Sub(q.Vector).Norm2()
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{indexedPoints: p, dim: d}, kdtree.MedianOfMedians(plane{indexedPoints: p, dim: d}))
}

// plane sorts points along one dimension for pivot selection
type plane struct {
	indexedPoints
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].Compare(p.indexedPoints[j], p.dim) < 0
}
func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}

// Index is a nearest-neighbour index over the points of a cloud
type Index struct {
	tree *kdtree.Tree
	size int
}

// Neighbor is a search hit: point index in the indexed cloud and Euclidean distance
type Neighbor struct {
	Index    int
	Distance float64
}

// NewIndex builds a kd-tree over points. The input slice is not modified.
func NewIndex(points []r3.Vector) *Index {
	if len(points) == 0 {
		return &Index{}
	}
	entries := make(indexedPoints, len(points))
	for i, p := range points {
		entries[i] = indexedPoint{Vector: p, idx: i}
	}
	return &Index{tree: kdtree.New(entries, false), size: len(points)}
}

// Nearest returns the closest indexed point to q
func (ix *Index) Nearest(q r3.Vector) (Neighbor, bool) {
	if ix.tree == nil {
		return Neighbor{}, false
	}
	c, d := ix.tree.Nearest(indexedPoint{Vector: q})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: c.(indexedPoint).idx, Distance: math.Sqrt(d)}, true
}

// Hybrid returns up to maxNN neighbours of q within radius, closest first.
// maxNN <= 0 means no count limit.
func (ix *Index) Hybrid(q r3.Vector, radius float64, maxNN int) []Neighbor {
	if ix.tree == nil {
		return nil
	}
	var heap kdtree.Heap
	if maxNN > 0 {
		keep := kdtree.NewNKeeper(maxNN)
		ix.tree.NearestSet(keep, indexedPoint{Vector: q})
		heap = keep.Heap
	} else {
		keep := kdtree.NewDistKeeper(radius * radius)
		ix.tree.NearestSet(keep, indexedPoint{Vector: q})
		heap = keep.Heap
	}

	out := make([]Neighbor, 0, len(heap))
	r2 := radius * radius
	for _, cd := range heap {
		if cd.Comparable == nil || cd.Dist > r2 {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(indexedPoint).idx, Distance: math.Sqrt(cd.Dist)})
	}
	sortNeighbors(out)
	return out
}

// KNearest returns the k closest points to q, closest first
func (ix *Index) KNearest(q r3.Vector, k int) []Neighbor {
	return ix.Hybrid(q, math.Inf(1), k)
}

func sortNeighbors(n []Neighbor) {
	// insertion sort: neighbour sets are small (<= 100)
	for i := 1; i < len(n); i++ {
		for j := i; j > 0 && n[j].Distance < n[j-1].Distance; j-- {
			n[j], n[j-1] = n[j-1], n[j]
		}
	}
}
