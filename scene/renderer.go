package scene

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Edge and node colors
var (
	odometryColor    = color.RGBA{30, 90, 200, 255}
	loopClosureColor = color.RGBA{230, 120, 20, 255}
	nodeColor        = color.RGBA{20, 20, 20, 255}
	originColor      = color.RGBA{200, 30, 30, 255}
)

// GraphRenderer draws a top-down view of a pose graph
type GraphRenderer struct {
	Graph   *PoseGraph
	Scale   float64 // Output units (mm for SVG, px for PNG) per dataset unit
	Padding float64 // Padding in dataset units
	Labels  bool    // Draw node indices (PNG only)
}

// NewGraphRenderer creates a renderer with default settings
func NewGraphRenderer(g *PoseGraph) *GraphRenderer {
	return &GraphRenderer{
		Graph:   g,
		Scale:   100.0,
		Padding: 0.5,
		Labels:  true,
	}
}

// bounds returns the trajectory bounding box, padded, with a minimum extent
func (r *GraphRenderer) bounds() orb.Bound {
	trajectory := Trajectory(r.Graph)
	if len(trajectory) == 0 {
		return orb.Bound{Min: orb.Point{-r.Padding, -r.Padding}, Max: orb.Point{r.Padding, r.Padding}}
	}
	return trajectory.Bound().Pad(r.Padding)
}

// size returns the output width and height in output units
func (r *GraphRenderer) size() (float64, float64) {
	b := r.bounds()
	return math.Max(b.Right()-b.Left(), 1e-3) * r.Scale, math.Max(b.Top()-b.Bottom(), 1e-3) * r.Scale
}

// edgesToDraw returns the edges that can be placed on node positions
func (r *GraphRenderer) edgesToDraw() []PoseGraphEdge {
	return drawableEdges(r.Graph)
}

// RenderToSVG writes the graph as an SVG to the provided writer
func (r *GraphRenderer) RenderToSVG(w io.Writer) error {
	b := r.bounds()
	width, height := r.size()
	trajectory := Trajectory(r.Graph)

	renderer := svg.New(w, width, height, nil)

	// canvas has y up, like the ground plane
	toCanvas := func(p orb.Point) (float64, float64) {
		return (p.X() - b.Left()) * r.Scale, (p.Y() - b.Bottom()) * r.Scale
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	for _, e := range r.edgesToDraw() {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: odometryColor}
		style.StrokeWidth = 0.02 * r.Scale
		if e.Uncertain {
			style.Stroke = canvas.Paint{Color: loopClosureColor}
			style.StrokeWidth = 0.01 * r.Scale
			style.Dashes = []float64{0.05 * r.Scale, 0.05 * r.Scale}
		}

		path := &canvas.Path{}
		x1, y1 := toCanvas(trajectory[e.Source])
		x2, y2 := toCanvas(trajectory[e.Target])
		path.MoveTo(x1, y1)
		path.LineTo(x2, y2)
		renderer.RenderPath(path, style, canvas.Identity)
	}

	for i, p := range trajectory {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nodeColor}
		if i == 0 {
			style.Fill = canvas.Paint{Color: originColor}
		}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}

		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(0.04*r.Scale).Translate(cx, cy), style, canvas.Identity)
	}

	return renderer.Close()
}

// Render draws the graph into an RGBA image, one pixel per output unit
func (r *GraphRenderer) Render() *image.RGBA {
	b := r.bounds()
	w, h := r.size()
	width, height := int(math.Ceil(w)), int(math.Ceil(h))
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	// image y grows downwards
	toPixel := func(p orb.Point) (int, int) {
		return int(math.Round((p.X() - b.Left()) * r.Scale)), int(math.Round((b.Top() - p.Y()) * r.Scale))
	}

	trajectory := Trajectory(r.Graph)
	for _, e := range r.edgesToDraw() {
		c := odometryColor
		if e.Uncertain {
			c = loopClosureColor
		}
		x1, y1 := toPixel(trajectory[e.Source])
		x2, y2 := toPixel(trajectory[e.Target])
		drawLine(img, x1, y1, x2, y2, c)
	}

	for i, p := range trajectory {
		c := nodeColor
		if i == 0 {
			c = originColor
		}
		x, y := toPixel(p)
		drawCircle(img, x, y, 3, c)
		if r.Labels {
			drawText(img, x+5, y-5, strconv.Itoa(i), nodeColor)
		}
	}

	drawText(img, 5, 15, fmt.Sprintf("%d nodes, %d odometry, %d loop closures",
		len(r.Graph.Nodes), r.Graph.CertainEdges(), r.Graph.UncertainEdges()), nodeColor)
	return img
}

// RenderToPNG writes the rasterized graph as a PNG
func (r *GraphRenderer) RenderToPNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// drawLine draws a 1px line (Bresenham)
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}

// drawText renders text onto an image at the specified baseline position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
