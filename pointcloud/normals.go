package pointcloud

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// EstimateNormals computes a normal per point from the covariance of its
// hybrid neighbourhood (radius, at most maxNN points). The normal is the
// eigenvector of the smallest eigenvalue. Existing normals are used to pick
// the sign; otherwise normals face the sensor origin.
func EstimateNormals(c *PointCloud, radius float64, maxNN int) *PointCloud {
	if c.Len() == 0 {
		return c
	}
	index := NewIndex(c.Points)
	normals := make([]r3.Vector, c.Len())

	for i, p := range c.Points {
		neighbors := index.Hybrid(p, radius, maxNN)
		n := normalFromNeighbors(c.Points, neighbors)

		switch {
		case c.HasNormals():
			if n.Dot(c.Normals[i]) < 0 {
				n = n.Mul(-1)
			}
		case n.Dot(p.Mul(-1)) < 0:
			n = n.Mul(-1)
		}
		normals[i] = n
	}
	return c.withNormals(normals)
}

// normalFromNeighbors returns the unit normal of the best-fit plane, or +z when
// the neighbourhood is too small to define one
func normalFromNeighbors(points []r3.Vector, neighbors []Neighbor) r3.Vector {
	fallback := r3.Vector{Z: 1}
	if len(neighbors) < 3 {
		return fallback
	}

	var mean r3.Vector
	for _, nb := range neighbors {
		mean = mean.Add(points[nb.Index])
	}
	mean = mean.Mul(1 / float64(len(neighbors)))

	var cov [6]float64 // xx, xy, xz, yy, yz, zz
	for _, nb := range neighbors {
		d := points[nb.Index].Sub(mean)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[3] += d.Y * d.Y
		cov[4] += d.Y * d.Z
		cov[5] += d.Z * d.Z
	}
	sym := mat.NewSymDense(3, []float64{
		cov[0], cov[1], cov[2],
		cov[1], cov[3], cov[4],
		cov[2], cov[4], cov[5],
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return fallback
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Values are ascending, so column 0 belongs to the smallest eigenvalue
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Norm() == 0 {
		return fallback
	}
	return n.Normalize()
}
