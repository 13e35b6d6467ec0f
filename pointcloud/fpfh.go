package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// FPFHDimension is the descriptor length: three 11-bin angle histograms
const FPFHDimension = 33

const fpfhBins = 11

// ComputeFPFH computes Fast Point Feature Histograms. The cloud must carry
// normals; points without a usable neighbourhood get an all-zero descriptor.
func ComputeFPFH(c *PointCloud, radius float64, maxNN int) *Feature {
	feature := &Feature{Dimension: FPFHDimension, Data: make([][]float64, c.Len())}
	if !c.HasNormals() {
		for i := range feature.Data {
			feature.Data[i] = make([]float64, FPFHDimension)
		}
		return feature
	}

	index := NewIndex(c.Points)
	neighborhoods := make([][]Neighbor, c.Len())
	spfh := make([][]float64, c.Len())
	for i, p := range c.Points {
		neighborhoods[i] = index.Hybrid(p, radius, maxNN)
		spfh[i] = simplePFH(c, i, neighborhoods[i])
	}

	for i := range c.Points {
		desc := make([]float64, FPFHDimension)
		var sums [3]float64
		for _, nb := range neighborhoods[i] {
			if nb.Index == i || nb.Distance == 0 {
				continue
			}
			d2 := nb.Distance * nb.Distance
			for j := 0; j < FPFHDimension; j++ {
				v := spfh[nb.Index][j] / d2
				sums[j/fpfhBins] += v
				desc[j] += v
			}
		}
		for k := range sums {
			if sums[k] != 0 {
				sums[k] = 100 / sums[k]
			}
		}
		for j := 0; j < FPFHDimension; j++ {
			desc[j] = desc[j]*sums[j/fpfhBins] + spfh[i][j]
		}
		feature.Data[i] = desc
	}
	return feature
}

// simplePFH is the per-point histogram over the point's own neighbourhood
func simplePFH(c *PointCloud, i int, neighbors []Neighbor) []float64 {
	hist := make([]float64, FPFHDimension)
	if len(neighbors) <= 1 {
		return hist
	}
	incr := 100 / float64(len(neighbors)-1)
	for _, nb := range neighbors {
		if nb.Index == i {
			continue
		}
		f1, f2, f3, ok := pairFeatures(c.Points[i], c.Normals[i], c.Points[nb.Index], c.Normals[nb.Index])
		if !ok {
			continue
		}
		hist[clampBin(int(math.Floor(fpfhBins*(f1+math.Pi)/(2*math.Pi))))] += incr
		hist[fpfhBins+clampBin(int(math.Floor(fpfhBins*(f2+1)*0.5)))] += incr
		hist[2*fpfhBins+clampBin(int(math.Floor(fpfhBins*(f3+1)*0.5)))] += incr
	}
	return hist
}

func clampBin(b int) int {
	if b < 0 {
		return 0
	}
	if b >= fpfhBins {
		return fpfhBins - 1
	}
	return b
}

// pairFeatures computes the Darboux-frame angles between two oriented points
func pairFeatures(p1, n1, p2, n2 r3.Vector) (f1, f2, f3 float64, ok bool) {
	d := p2.Sub(p1)
	f4 := d.Norm()
	if f4 == 0 {
		return 0, 0, 0, false
	}

	a1 := n1.Dot(d) / f4
	a2 := n2.Dot(d) / f4
	if math.Acos(math.Abs(a1)) > math.Acos(math.Abs(a2)) {
		n1, n2 = n2, n1
		d = d.Mul(-1)
		f3 = -a2
	} else {
		f3 = a1
	}

	v := d.Cross(n1)
	vn := v.Norm()
	if vn == 0 {
		return 0, 0, 0, false
	}
	v = v.Mul(1 / vn)
	w := n1.Cross(v)
	f2 = v.Dot(n2)
	f1 = math.Atan2(w.Dot(n2), n1.Dot(n2))
	return f1, f2, f3, true
}
