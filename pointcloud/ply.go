package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// plyProperty is one scalar vertex property from the header
type plyProperty struct {
	name string
	kind string
}

type plyHeader struct {
	format      string
	vertexCount int
	properties  []plyProperty
}

// LoadPLY reads the vertex element of an ASCII or binary little-endian PLY
// file. Recognised properties are x/y/z, nx/ny/nz and red/green/blue;
// everything else is skipped. The vertex element must be the first element.
func LoadPLY(path string) (*PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PLY file: %w", err)
	}
	defer f.Close()

	cloud, err := ReadPLY(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return cloud, nil
}

// ReadPLY parses PLY data from r
func ReadPLY(r *bufio.Reader) (*PointCloud, error) {
	h, err := readPLYHeader(r)
	if err != nil {
		return nil, err
	}

	cloud := &PointCloud{Points: make([]r3.Vector, 0, h.vertexCount)}
	hasNormals := h.has("nx") && h.has("ny") && h.has("nz")
	hasColors := h.has("red") && h.has("green") && h.has("blue")
	if hasNormals {
		cloud.Normals = make([]r3.Vector, 0, h.vertexCount)
	}
	if hasColors {
		cloud.Colors = make([]Color, 0, h.vertexCount)
	}

	values := make(map[string]float64, len(h.properties))
	for i := 0; i < h.vertexCount; i++ {
		switch h.format {
		case "ascii":
			err = readASCIIVertex(r, h, values)
		case "binary_little_endian":
			err = readBinaryVertex(r, h, values)
		default:
			err = fmt.Errorf("unsupported PLY format %q", h.format)
		}
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}

		cloud.Points = append(cloud.Points, r3.Vector{X: values["x"], Y: values["y"], Z: values["z"]})
		if hasNormals {
			cloud.Normals = append(cloud.Normals, r3.Vector{X: values["nx"], Y: values["ny"], Z: values["nz"]})
		}
		if hasColors {
			cloud.Colors = append(cloud.Colors, Color{
				R: h.colorValue("red", values["red"]),
				G: h.colorValue("green", values["green"]),
				B: h.colorValue("blue", values["blue"]),
			})
		}
	}
	return cloud, nil
}

func (h *plyHeader) has(name string) bool {
	for _, p := range h.properties {
		if p.name == name {
			return true
		}
	}
	return false
}

// colorValue normalises integer color channels to [0, 1]
func (h *plyHeader) colorValue(name string, v float64) float64 {
	for _, p := range h.properties {
		if p.name != name {
			continue
		}
		switch p.kind {
		case "uchar", "uint8":
			return v / 255
		case "ushort", "uint16":
			return v / 65535
		}
	}
	return v
}

func readPLYHeader(r *bufio.Reader) (*plyHeader, error) {
	magic, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return nil, fmt.Errorf("not a PLY file")
	}

	h := &plyHeader{}
	inVertex := false
	sawElement := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("truncated PLY header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed format line")
			}
			h.format = fields[1]
		case "element":
			if len(fields) < 3 {
				return nil, fmt.Errorf("malformed element line %q", strings.TrimSpace(line))
			}
			if fields[1] == "vertex" {
				if sawElement {
					return nil, fmt.Errorf("vertex must be the first PLY element")
				}
				n, err := strconv.Atoi(fields[2])
				if err != nil {
					return nil, fmt.Errorf("bad vertex count: %w", err)
				}
				h.vertexCount = n
				inVertex = true
			} else {
				inVertex = false
			}
			sawElement = true
		case "property":
			if !inVertex {
				continue
			}
			if len(fields) < 3 || fields[1] == "list" {
				return nil, fmt.Errorf("unsupported vertex property %q", strings.TrimSpace(line))
			}
			h.properties = append(h.properties, plyProperty{name: fields[2], kind: fields[1]})
		case "end_header":
			if !h.has("x") || !h.has("y") || !h.has("z") {
				return nil, fmt.Errorf("PLY vertex element lacks x/y/z")
			}
			return h, nil
		}
	}
}

func readASCIIVertex(r *bufio.Reader, h *plyHeader, values map[string]float64) error {
	line, err := r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) < len(h.properties) {
		return fmt.Errorf("expected %d values, got %d", len(h.properties), len(fields))
	}
	for i, p := range h.properties {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return fmt.Errorf("property %s: %w", p.name, err)
		}
		values[p.name] = v
	}
	return nil
}

func readBinaryVertex(r io.Reader, h *plyHeader, values map[string]float64) error {
	var buf [8]byte
	for _, p := range h.properties {
		size, err := plyTypeSize(p.kind)
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(r, buf[:size]); err != nil {
			return err
		}
		b := buf[:size]
		var v float64
		switch p.kind {
		case "char", "int8":
			v = float64(int8(b[0]))
		case "uchar", "uint8":
			v = float64(b[0])
		case "short", "int16":
			v = float64(int16(binary.LittleEndian.Uint16(b)))
		case "ushort", "uint16":
			v = float64(binary.LittleEndian.Uint16(b))
		case "int", "int32":
			v = float64(int32(binary.LittleEndian.Uint32(b)))
		case "uint", "uint32":
			v = float64(binary.LittleEndian.Uint32(b))
		case "float", "float32":
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "double", "float64":
			v = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		values[p.name] = v
	}
	return nil
}

func plyTypeSize(kind string) (int, error) {
	switch kind {
	case "char", "int8", "uchar", "uint8":
		return 1, nil
	case "short", "int16", "ushort", "uint16":
		return 2, nil
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4, nil
	case "double", "float64":
		return 8, nil
	}
	return 0, fmt.Errorf("unknown PLY property type %q", kind)
}

// WritePLY writes the cloud as ASCII PLY, including normals and colors when
// present
func WritePLY(path string, c *PointCloud) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating PLY file: %w", err)
	}
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "ply\nformat ascii 1.0\nelement vertex %d\n", c.Len())
	fmt.Fprint(w, "property double x\nproperty double y\nproperty double z\n")
	if c.HasNormals() {
		fmt.Fprint(w, "property double nx\nproperty double ny\nproperty double nz\n")
	}
	if c.HasColors() {
		fmt.Fprint(w, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprint(w, "end_header\n")

	for i, p := range c.Points {
		fmt.Fprintf(w, "%g %g %g", p.X, p.Y, p.Z)
		if c.HasNormals() {
			n := c.Normals[i]
			fmt.Fprintf(w, " %g %g %g", n.X, n.Y, n.Z)
		}
		if c.HasColors() {
			col := c.Colors[i]
			fmt.Fprintf(w, " %d %d %d", toByte(col.R), toByte(col.G), toByte(col.B))
		}
		fmt.Fprintln(w)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing PLY file: %w", err)
	}
	return f.Close()
}

func toByte(v float64) int {
	return int(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
