package pointcloud

// InformationMatrix computes the 6x6 information matrix of a registration:
// for every source point that lands within maxDist of a target point under t,
// the Jacobian of the point residual with respect to (rx, ry, rz, tx, ty, tz)
// contributes G^T G. Entry [5][5] therefore equals the number of
// correspondences.
func InformationMatrix(source, target *PointCloud, maxDist float64, t Transform) Information {
	var info Information
	if source.Len() == 0 || target.Len() == 0 {
		return info
	}

	index := NewIndex(target.Points)
	for _, p := range source.Points {
		moved := t.Apply(p)
		nb, ok := index.Nearest(moved)
		if !ok || nb.Distance > maxDist {
			continue
		}

		q := target.Points[nb.Index]
		x, y, z := q.X, q.Y, q.Z
		rows := [3][6]float64{
			{0, z, -y, 1, 0, 0},
			{-z, 0, x, 0, 1, 0},
			{y, -x, 0, 0, 0, 1},
		}
		for _, g := range rows {
			for a := 0; a < 6; a++ {
				for b := 0; b < 6; b++ {
					info[a][b] += g[a] * g[b]
				}
			}
		}
	}
	return info
}
