package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

type voxelKey [3]int

type voxelAccum struct {
	point  r3.Vector
	normal r3.Vector
	color  Color
	count  int
}

// VoxelDownsample averages all points that fall into the same cubic voxel of
// edge voxelSize. Normals and colors are averaged alongside when present.
// Output order is deterministic (voxels sorted by grid coordinate).
func VoxelDownsample(c *PointCloud, voxelSize float64) *PointCloud {
	if c.Len() == 0 || voxelSize <= 0 {
		return c
	}

	origin, _ := c.Bounds()
	origin = origin.Sub(r3.Vector{X: voxelSize / 2, Y: voxelSize / 2, Z: voxelSize / 2})

	hasNormals, hasColors := c.HasNormals(), c.HasColors()
	voxels := make(map[voxelKey]*voxelAccum)
	for i, p := range c.Points {
		rel := p.Sub(origin)
		key := voxelKey{
			int(math.Floor(rel.X / voxelSize)),
			int(math.Floor(rel.Y / voxelSize)),
			int(math.Floor(rel.Z / voxelSize)),
		}
		acc, ok := voxels[key]
		if !ok {
			acc = &voxelAccum{}
			voxels[key] = acc
		}
		acc.point = acc.point.Add(p)
		if hasNormals {
			acc.normal = acc.normal.Add(c.Normals[i])
		}
		if hasColors {
			acc.color.R += c.Colors[i].R
			acc.color.G += c.Colors[i].G
			acc.color.B += c.Colors[i].B
		}
		acc.count++
	}

	keys := make([]voxelKey, 0, len(voxels))
	for k := range voxels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})

	out := &PointCloud{Points: make([]r3.Vector, 0, len(keys))}
	for _, k := range keys {
		acc := voxels[k]
		inv := 1 / float64(acc.count)
		out.Points = append(out.Points, acc.point.Mul(inv))
		if hasNormals {
			n := acc.normal
			if n.Norm() > 0 {
				n = n.Normalize()
			}
			out.Normals = append(out.Normals, n)
		}
		if hasColors {
			out.Colors = append(out.Colors, Color{R: acc.color.R * inv, G: acc.color.G * inv, B: acc.color.B * inv})
		}
	}
	return out
}
