// Package pointcloud is the geometry and registration backend: point-cloud
// I/O, voxel downsampling, normal estimation, FPFH descriptors, feature-based
// global registration, ICP refinement and information-matrix computation.
//
// All distances are in the units of the input clouds (meters for the usual
// RGB-D fragment datasets).
package pointcloud

import (
	"github.com/golang/geo/r3"
)

// Color is an RGB color with channels in [0, 1]
type Color struct {
	R, G, B float64
}

// Intensity returns the luminance used by colored ICP
func (c Color) Intensity() float64 {
	return (c.R + c.G + c.B) / 3
}

// PointCloud is an immutable set of 3-D points with optional per-point
// normals and colors. Normals and Colors are either empty or the same length
// as Points.
type PointCloud struct {
	Points  []r3.Vector
	Normals []r3.Vector
	Colors  []Color
}

// Len returns the number of points
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// HasNormals reports whether every point carries a normal
func (c *PointCloud) HasNormals() bool {
	return c != nil && len(c.Normals) == len(c.Points) && len(c.Points) > 0
}

// HasColors reports whether every point carries a color
func (c *PointCloud) HasColors() bool {
	return c != nil && len(c.Colors) == len(c.Points) && len(c.Points) > 0
}

// Transformed returns a copy of the cloud with t applied to points and normals
func (c *PointCloud) Transformed(t Transform) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(c.Points))}
	for i, p := range c.Points {
		out.Points[i] = t.Apply(p)
	}
	if c.HasNormals() {
		out.Normals = make([]r3.Vector, len(c.Normals))
		for i, n := range c.Normals {
			out.Normals[i] = t.Rotate(n)
		}
	}
	if c.HasColors() {
		out.Colors = append([]Color(nil), c.Colors...)
	}
	return out
}

// withNormals returns a shallow copy sharing points/colors with new normals
func (c *PointCloud) withNormals(normals []r3.Vector) *PointCloud {
	return &PointCloud{Points: c.Points, Normals: normals, Colors: c.Colors}
}

// Centroid returns the mean point
func (c *PointCloud) Centroid() r3.Vector {
	var sum r3.Vector
	if c.Len() == 0 {
		return sum
	}
	for _, p := range c.Points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(c.Points)))
}

// Bounds returns the axis-aligned bounding box
func (c *PointCloud) Bounds() (min, max r3.Vector) {
	if c.Len() == 0 {
		return
	}
	min, max = c.Points[0], c.Points[0]
	for _, p := range c.Points[1:] {
		min = r3.Vector{X: minf(min.X, p.X), Y: minf(min.Y, p.Y), Z: minf(min.Z, p.Z)}
		max = r3.Vector{X: maxf(max.X, p.X), Y: maxf(max.Y, p.Y), Z: maxf(max.Z, p.Z)}
	}
	return
}

// Feature holds one fixed-length descriptor per point of the cloud it was
// computed from.
type Feature struct {
	Dimension int
	Data      [][]float64
}

// Len returns the number of descriptors
func (f *Feature) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
