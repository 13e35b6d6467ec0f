package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// lambdaGeometric balances the geometric and photometric terms of colored ICP
const lambdaGeometric = 0.968

// colorGradients estimates, for every target point, the intensity gradient
// restricted to the tangent plane (Park, Zhou, Koltun: Colored Point Cloud
// Registration Revisited, ICCV 2017).
func colorGradients(target *PointCloud, index *Index, radius float64, maxNN int) []r3.Vector {
	grads := make([]r3.Vector, target.Len())
	for i, vt := range target.Points {
		nt := target.Normals[i]
		it := target.Colors[i].Intensity()
		neighbors := index.Hybrid(vt, radius, maxNN)
		if len(neighbors) < 4 {
			continue
		}

		// Rows: projected neighbour offsets, plus one row forcing the gradient
		// into the tangent plane.
		var av, bv []float64
		for _, nb := range neighbors {
			if nb.Index == i {
				continue
			}
			p := target.Points[nb.Index]
			proj := p.Sub(nt.Mul(p.Sub(vt).Dot(nt)))
			d := proj.Sub(vt)
			av = append(av, d.X, d.Y, d.Z)
			bv = append(bv, target.Colors[nb.Index].Intensity()-it)
		}
		w := float64(len(bv))
		av = append(av, w*nt.X, w*nt.Y, w*nt.Z)
		bv = append(bv, 0)
		a := mat.NewDense(len(bv), 3, av)
		b := mat.NewVecDense(len(bv), bv)

		var ata mat.Dense
		ata.Mul(a.T(), a)
		var atb mat.VecDense
		atb.MulVec(a.T(), b)
		var x mat.VecDense
		if err := x.SolveVec(&ata, &atb); err != nil {
			continue
		}
		grads[i] = r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	}
	return grads
}

// coloredStep estimates the incremental transform from the joint
// geometric + photometric objective. source is in the current frame.
func coloredStep(source, target *PointCloud, grads []r3.Vector, corr []Correspondence) (Transform, error) {
	sqrtG := math.Sqrt(lambdaGeometric)
	sqrtP := math.Sqrt(1 - lambdaGeometric)

	var ne normalEquations
	for _, c := range corr {
		vs := source.Points[c.Source]
		vt := target.Points[c.Target]
		nt := target.Normals[c.Target]
		dit := grads[c.Target]
		is := source.Colors[c.Source].Intensity()
		it := target.Colors[c.Target].Intensity()

		cr := vs.Cross(nt)
		ne.add([6]float64{sqrtG * cr.X, sqrtG * cr.Y, sqrtG * cr.Z, sqrtG * nt.X, sqrtG * nt.Y, sqrtG * nt.Z},
			sqrtG*vs.Sub(vt).Dot(nt), 1)

		proj := vs.Sub(nt.Mul(vs.Sub(vt).Dot(nt)))
		is0 := dit.Dot(proj.Sub(vt)) + it
		// ditM = -dit^T * (I - n n^T)
		ditM := dit.Sub(nt.Mul(dit.Dot(nt))).Mul(-1)
		cm := vs.Cross(ditM)
		ne.add([6]float64{sqrtP * cm.X, sqrtP * cm.Y, sqrtP * cm.Z, sqrtP * ditM.X, sqrtP * ditM.Y, sqrtP * ditM.Z},
			sqrtP*(is-is0), 1)
	}
	return ne.solve()
}
