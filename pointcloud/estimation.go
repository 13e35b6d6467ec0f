package pointcloud

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Correspondence pairs a source point index with a target point index
type Correspondence struct {
	Source int
	Target int
}

// RigidTransform computes the least-squares rotation+translation mapping
// source points onto target points (Kabsch with reflection guard).
func RigidTransform(source, target []r3.Vector) Transform {
	weights := make([]float64, len(source))
	for i := range weights {
		weights[i] = 1
	}
	return WeightedRigidTransform(source, target, weights)
}

// WeightedRigidTransform is RigidTransform with per-pair weights.
// Returns identity if fewer than 3 pairs or all weights are zero.
func WeightedRigidTransform(source, target []r3.Vector, weights []float64) Transform {
	n := len(source)
	if n < 3 || n != len(target) || n != len(weights) {
		return Identity()
	}

	// Weighted centroids
	totalWeight := 0.0
	var srcSum, tgtSum r3.Vector
	for i := range source {
		w := weights[i]
		totalWeight += w
		srcSum = srcSum.Add(source[i].Mul(w))
		tgtSum = tgtSum.Add(target[i].Mul(w))
	}
	if totalWeight <= 0 {
		return Identity()
	}
	srcCentroid := srcSum.Mul(1 / totalWeight)
	tgtCentroid := tgtSum.Mul(1 / totalWeight)

	// Weighted cross-covariance H = sum w * s * t^T
	h := mat.NewDense(3, 3, nil)
	for i := range source {
		w := weights[i]
		s := source[i].Sub(srcCentroid)
		t := target[i].Sub(tgtCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+w*sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, d) * U^T, d fixes reflections
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var rot, tmp mat.Dense
	tmp.Mul(&v, diag)
	rot.Mul(&tmp, u.T())

	out := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = rot.At(r, c)
		}
	}
	rc := out.Rotate(srcCentroid)
	out[0][3] = tgtCentroid.X - rc.X
	out[1][3] = tgtCentroid.Y - rc.Y
	out[2][3] = tgtCentroid.Z - rc.Z
	return out
}

// normalEquations accumulates J^T J and J^T r for a 6-DoF Gauss-Newton step
type normalEquations struct {
	jtj [6][6]float64
	jtr [6]float64
	r2  float64
}

func (ne *normalEquations) add(j [6]float64, r, w float64) {
	for a := 0; a < 6; a++ {
		for b := 0; b < 6; b++ {
			ne.jtj[a][b] += w * j[a] * j[b]
		}
		ne.jtr[a] += w * j[a] * r
	}
	ne.r2 += w * r * r
}

// solve returns the twist x minimising |J x + r|^2
func (ne *normalEquations) solve() (Transform, error) {
	a := mat.NewDense(6, 6, nil)
	b := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			a.Set(i, j, ne.jtj[i][j])
		}
		b.SetVec(i, -ne.jtr[i])
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return Identity(), fmt.Errorf("solving 6x6 normal equations: %w", err)
	}
	var twist [6]float64
	for i := range twist {
		twist[i] = x.AtVec(i)
	}
	return fromTwist(twist), nil
}

// pointToPlaneStep estimates the incremental transform for point-to-plane ICP.
// source must already be in the current estimate's frame.
func pointToPlaneStep(source, target *PointCloud, corr []Correspondence) (Transform, error) {
	if len(corr) < 6 {
		return Identity(), fmt.Errorf("point-to-plane needs at least 6 correspondences, got %d", len(corr))
	}
	var ne normalEquations
	for _, c := range corr {
		vs := source.Points[c.Source]
		vt := target.Points[c.Target]
		nt := target.Normals[c.Target]
		cr := vs.Cross(nt)
		ne.add([6]float64{cr.X, cr.Y, cr.Z, nt.X, nt.Y, nt.Z}, vs.Sub(vt).Dot(nt), 1)
	}
	return ne.solve()
}
