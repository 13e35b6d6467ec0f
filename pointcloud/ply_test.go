package pointcloud

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenLoadPLY(t *testing.T) {
	cloud := &PointCloud{
		Points:  []r3.Vector{{X: 0.5, Y: -1, Z: 2}, {X: 3, Y: 4, Z: 5.25}},
		Normals: []r3.Vector{{Z: 1}, {X: -1}},
		Colors:  []Color{{R: 1, G: 0, B: 0}, {R: 0, G: 1, B: 1}},
	}
	path := filepath.Join(t.TempDir(), "cloud.ply")
	require.NoError(t, WritePLY(path, cloud))

	loaded, err := LoadPLY(path)
	require.NoError(t, err)
	assert.Equal(t, cloud.Points, loaded.Points)
	assert.Equal(t, cloud.Normals, loaded.Normals)
	assert.Equal(t, cloud.Colors, loaded.Colors)
}

func TestReadPLYBinary(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\ncomment test\n")
	buf.WriteString("element vertex 2\nproperty float x\nproperty float y\nproperty float z\n")
	buf.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\nproperty float quality\n")
	buf.WriteString("element face 0\nproperty list uchar int vertex_indices\nend_header\n")
	for _, v := range [][3]float32{{1, 2, 3}, {-1, 0.5, 0}} {
		for _, f := range v {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(f))
		}
		buf.Write([]byte{255, 0, 51})
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(0.7))
	}

	cloud, err := ReadPLY(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, 2, cloud.Len())
	assert.Equal(t, r3.Vector{X: -1, Y: 0.5, Z: 0}, cloud.Points[1])
	assert.False(t, cloud.HasNormals())
	require.True(t, cloud.HasColors())
	assert.InDelta(t, 1.0, cloud.Colors[0].R, epsilon)
	assert.InDelta(t, 0.2, cloud.Colors[0].B, epsilon)
}

func TestReadPLYErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not ply", "obj\n"},
		{"no coordinates", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nend_header\n1\n"},
		{"vertex after face", "ply\nformat ascii 1.0\nelement face 0\nelement vertex 1\nend_header\n"},
		{"short row", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 2\n"},
		{"truncated header", "ply\nformat ascii 1.0\nelement vertex 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPLY(bufio.NewReader(strings.NewReader(tt.data)))
			assert.Error(t, err)
		})
	}
}

func TestLoadPLYMissingFile(t *testing.T) {
	_, err := LoadPLY(filepath.Join(t.TempDir(), "missing.ply"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
