package pointcloud

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Transform is a 4x4 homogeneous rigid-motion matrix in row-major order
// x' = R*x + t, with R in the upper-left 3x3 block and t in the last column
type Transform [4][4]float64

// Information is the 6x6 inverse-covariance weighting of a registration edge.
// Rows/columns are ordered (rx, ry, rz, tx, ty, tz).
type Information [6][6]float64

// Identity returns the identity transform (no motion)
func Identity() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// IdentityInformation returns the 6x6 identity matrix
func IdentityInformation() Information {
	var info Information
	for i := 0; i < 6; i++ {
		info[i][i] = 1
	}
	return info
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Transform {
	t := Identity()
	t[0][3], t[1][3], t[2][3] = tx, ty, tz
	return t
}

// RotationZ creates a rotation about the z axis (angle in radians)
func RotationZ(angle float64) Transform {
	cos, sin := math.Cos(angle), math.Sin(angle)
	t := Identity()
	t[0][0], t[0][1] = cos, -sin
	t[1][0], t[1][1] = sin, cos
	return t
}

// RotationX creates a rotation about the x axis (angle in radians)
func RotationX(angle float64) Transform {
	cos, sin := math.Cos(angle), math.Sin(angle)
	t := Identity()
	t[1][1], t[1][2] = cos, -sin
	t[2][1], t[2][2] = sin, cos
	return t
}

// Mul composes two transforms: result = t * o.
// Applying the result is equivalent to applying o first, then t.
func (t Transform) Mul(o Transform) Transform {
	var r Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[i][k] * o[k][j]
			}
			r[i][j] = sum
		}
	}
	return r
}

// Trace returns the sum of the diagonal. An exact trace of 4 means identity
// for any rigid motion.
func (t Transform) Trace() float64 {
	return t[0][0] + t[1][1] + t[2][2] + t[3][3]
}

// Apply transforms a point
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0][0]*p.X + t[0][1]*p.Y + t[0][2]*p.Z + t[0][3],
		Y: t[1][0]*p.X + t[1][1]*p.Y + t[1][2]*p.Z + t[1][3],
		Z: t[2][0]*p.X + t[2][1]*p.Y + t[2][2]*p.Z + t[2][3],
	}
}

// Rotate applies only the rotation block (for normals)
func (t Transform) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0][0]*v.X + t[0][1]*v.Y + t[0][2]*v.Z,
		Y: t[1][0]*v.X + t[1][1]*v.Y + t[1][2]*v.Z,
		Z: t[2][0]*v.X + t[2][1]*v.Y + t[2][2]*v.Z,
	}
}

// TranslationPart returns the translation column
func (t Transform) TranslationPart() r3.Vector {
	return r3.Vector{X: t[0][3], Y: t[1][3], Z: t[2][3]}
}

// Dense returns the transform as a gonum matrix
func (t Transform) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, t[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// TransformFromDense copies a 4x4 gonum matrix into a Transform
func TransformFromDense(m mat.Matrix) (Transform, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Identity(), fmt.Errorf("transform must be 4x4, got %dx%d", r, c)
	}
	var t Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i][j] = m.At(i, j)
		}
	}
	return t, nil
}

// Inverse computes the general matrix inverse.
// Returns an error if the matrix is singular.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.Dense()); err != nil {
		return Identity(), fmt.Errorf("inverting transform: %w", err)
	}
	return TransformFromDense(&inv)
}

// MustInverse is Inverse for transforms known to be rigid. A rigid motion is
// always invertible, so it falls back to the closed form R^T, -R^T*t if the
// numeric inverse reports a (spurious) singularity.
func (t Transform) MustInverse() Transform {
	if inv, err := t.Inverse(); err == nil {
		return inv
	}
	var r Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t[j][i]
		}
	}
	for i := 0; i < 3; i++ {
		r[i][3] = -(r[i][0]*t[0][3] + r[i][1]*t[1][3] + r[i][2]*t[2][3])
	}
	r[3][3] = 1
	return r
}

// ColumnMajor flattens the transform column by column (Open3D JSON layout)
func (t Transform) ColumnMajor() []float64 {
	out := make([]float64, 0, 16)
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			out = append(out, t[i][j])
		}
	}
	return out
}

// TransformFromColumnMajor is the inverse of ColumnMajor
func TransformFromColumnMajor(v []float64) (Transform, error) {
	if len(v) != 16 {
		return Identity(), fmt.Errorf("transform needs 16 values, got %d", len(v))
	}
	var t Transform
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			t[i][j] = v[j*4+i]
		}
	}
	return t, nil
}

// ColumnMajor flattens the information matrix column by column
func (m Information) ColumnMajor() []float64 {
	out := make([]float64, 0, 36)
	for j := 0; j < 6; j++ {
		for i := 0; i < 6; i++ {
			out = append(out, m[i][j])
		}
	}
	return out
}

// InformationFromColumnMajor is the inverse of Information.ColumnMajor
func InformationFromColumnMajor(v []float64) (Information, error) {
	if len(v) != 36 {
		return IdentityInformation(), fmt.Errorf("information matrix needs 36 values, got %d", len(v))
	}
	var m Information
	for j := 0; j < 6; j++ {
		for i := 0; i < 6; i++ {
			m[i][j] = v[j*6+i]
		}
	}
	return m, nil
}

// RotationAngle returns the rotation angle of the transform in radians
func (t Transform) RotationAngle() float64 {
	c := (t[0][0] + t[1][1] + t[2][2] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// fromTwist builds a transform from a small-motion vector (rx, ry, rz, tx, ty, tz)
// using the exact rotation for the axis-angle part.
func fromTwist(x [6]float64) Transform {
	w := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
	theta := w.Norm()
	t := Identity()
	if theta > 1e-12 {
		k := w.Mul(1 / theta)
		c, s := math.Cos(theta), math.Sin(theta)
		v := 1 - c
		t[0][0] = c + k.X*k.X*v
		t[0][1] = k.X*k.Y*v - k.Z*s
		t[0][2] = k.X*k.Z*v + k.Y*s
		t[1][0] = k.Y*k.X*v + k.Z*s
		t[1][1] = c + k.Y*k.Y*v
		t[1][2] = k.Y*k.Z*v - k.X*s
		t[2][0] = k.Z*k.X*v - k.Y*s
		t[2][1] = k.Z*k.Y*v + k.X*s
		t[2][2] = c + k.Z*k.Z*v
	}
	t[0][3], t[1][3], t[2][3] = x[3], x[4], x[5]
	return t
}
