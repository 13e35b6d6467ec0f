package scene

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Summary describes a completed run
type Summary struct {
	RunID            string    `json:"runId"`
	Fragments        int       `json:"fragments"`
	Pairs            int       `json:"pairs"`
	Succeeded        int       `json:"succeeded"`
	OdometryEdges    int       `json:"odometryEdges"`
	LoopClosures     int       `json:"loopClosures"`
	Nodes            int       `json:"nodes"`
	OdometryGaps     []PairKey `json:"odometryGaps"`
	PoseGraphPath    string    `json:"poseGraphPath"`
	OptimizedPath    string    `json:"optimizedPath,omitempty"`
	GeoJSONPath      string    `json:"geojsonPath,omitempty"`
	SVGPath          string    `json:"svgPath,omitempty"`
	PNGPath          string    `json:"pngPath,omitempty"`
	TrajectoryLength float64   `json:"trajectoryLength"`
	Started          time.Time `json:"started"`
	DurationSeconds  float64   `json:"durationSeconds"`
}

// Orchestrator runs the whole scene registration: fragment discovery, all-pairs
// matching, pose-graph assembly, persistence and optimization
type Orchestrator struct {
	config    *Config
	registrar PairRegistrar
	optimizer Optimizer
	publisher *Publisher
	metrics   *Metrics
	state     *StateTracker
}

// NewOrchestrator creates an orchestrator. Publisher, metrics and state are
// optional and attached with the With* methods.
func NewOrchestrator(config *Config, registrar PairRegistrar, optimizer Optimizer) *Orchestrator {
	if optimizer == nil {
		optimizer = NoopOptimizer{}
	}
	return &Orchestrator{
		config:    config,
		registrar: registrar,
		optimizer: optimizer,
	}
}

// WithPublisher attaches an MQTT publisher for pair events and the summary
func (o *Orchestrator) WithPublisher(p *Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithMetrics attaches Prometheus instruments
func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithState attaches a state tracker for progress reporting
func (o *Orchestrator) WithState(st *StateTracker) *Orchestrator {
	o.state = st
	return o
}

// ListFragments returns the fragment files under path_dataset/fragments,
// sorted by name and indexed in that order
func ListFragments(config *Config) ([]Fragment, error) {
	dir := config.DatasetPath(FolderFragment)
	paths, err := filepath.Glob(filepath.Join(dir, "*.ply"))
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFragments, dir)
	}
	sort.Strings(paths)

	fragments := make([]Fragment, len(paths))
	for i, p := range paths {
		fragments[i] = Fragment{Index: i, Path: p}
	}
	return fragments, nil
}

// Run executes one registration run. Nothing is persisted when a fatal
// error occurs before the graph is assembled.
func (o *Orchestrator) Run(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	runID := uuid.NewString()

	if o.state != nil {
		if !o.state.Begin(runID, 0) {
			return nil, ErrRunInProgress
		}
	}

	var graph *PoseGraph
	defer func() {
		if err != nil {
			log.Printf("[SCENE] Run %s failed: %v", runID, err)
		}
		if o.state != nil {
			o.state.Finish(summary, graph, err)
		}
		if o.metrics != nil {
			o.metrics.ObserveRun(summary, err)
		}
	}()

	fragments, err := ListFragments(o.config)
	if err != nil {
		return nil, err
	}
	if checker, ok := o.registrar.(FragmentChecker); ok {
		if err := checker.CheckFragments(fragments); err != nil {
			return nil, err
		}
	}
	pairs := len(PairKeys(len(fragments)))
	log.Printf("[SCENE] Run %s: %d fragments, %d pairs", runID, len(fragments), pairs)
	if o.state != nil {
		o.state.SetTotal(pairs)
	}

	sceneDir := o.config.DatasetPath(FolderScene)
	if err := os.MkdirAll(sceneDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrOutputNotWritable, sceneDir, err)
	}

	driver := NewDriver(o.config, o.registrar)
	o.observe(driver, runID)

	results, err := driver.Match(ctx, fragments)
	if err != nil {
		return nil, fmt.Errorf("matching fragments: %w", err)
	}

	assembler := NewAssembler()
	graph = assembler.Assemble(results)
	gaps := assembler.OdometryGaps()
	if o.config.StrictOdometry && len(gaps) > 0 {
		return nil, fmt.Errorf("%w: %d odometry pair(s) failed, first %v", ErrOdometryGap, len(gaps), gaps[0])
	}

	s := &Summary{
		RunID:            runID,
		Fragments:        len(fragments),
		Pairs:            pairs,
		OdometryEdges:    graph.CertainEdges(),
		LoopClosures:     graph.UncertainEdges(),
		Nodes:            len(graph.Nodes),
		OdometryGaps:     append([]PairKey{}, gaps...),
		PoseGraphPath:    o.config.DatasetPath(TemplateGlobalPoseGraph),
		TrajectoryLength: TrajectoryLength(graph),
		Started:          start,
	}
	for _, r := range results {
		if r.Success() {
			s.Succeeded++
		}
	}

	if err := SavePoseGraph(s.PoseGraphPath, graph); err != nil {
		return nil, err
	}
	log.Printf("[SCENE] Pose graph saved to %s (%d nodes, %d odometry edges, %d loop closures)",
		s.PoseGraphPath, s.Nodes, s.OdometryEdges, s.LoopClosures)

	optimized := o.config.DatasetPath(TemplateGlobalOptimized)
	if err := o.optimizer.Optimize(ctx, s.PoseGraphPath, optimized); err != nil {
		return nil, fmt.Errorf("optimizing pose graph: %w", err)
	}
	if _, statErr := os.Stat(optimized); statErr == nil {
		s.OptimizedPath = optimized
	}

	o.writeArtefacts(s, graph)

	s.DurationSeconds = time.Since(start).Seconds()
	if o.publisher.Enabled() {
		if err := o.publisher.PublishSummary(s); err != nil {
			log.Printf("[MQTT] Failed to publish summary: %v", err)
		}
	}
	log.Printf("[SCENE] Run %s complete in %.1fs", runID, s.DurationSeconds)
	return s, nil
}

// observe wires progress, metrics and MQTT events onto the driver
func (o *Orchestrator) observe(d *Driver, runID string) {
	if o.state != nil {
		d.Observe(o.state.ObservePair)
	}
	if o.metrics != nil {
		d.Observe(o.metrics.ObservePair)
	}
	if o.publisher.Enabled() {
		d.Observe(func(r MatchingResult) {
			if err := o.publisher.PublishPair(runID, r); err != nil {
				log.Printf("[MQTT] Failed to publish %v: %v", r.Key, err)
			}
		})
	}
}

// writeArtefacts writes the optional GeoJSON and render outputs. Failures are
// logged and do not fail the run.
func (o *Orchestrator) writeArtefacts(s *Summary, g *PoseGraph) {
	if o.config.Export.GeoJSON {
		path := o.config.DatasetPath(TemplateGlobalGeoJSON)
		if err := WriteGeoJSON(path, g, o.config.Export.SimplifyTolerance); err != nil {
			log.Printf("[SCENE] GeoJSON export failed: %v", err)
		} else {
			s.GeoJSONPath = path
		}
	}

	if !o.config.DebugMode && !o.config.Export.Render {
		return
	}
	renderer := NewGraphRenderer(g)

	var svgBuf bytes.Buffer
	if err := renderer.RenderToSVG(&svgBuf); err != nil {
		log.Printf("[SCENE] SVG render failed: %v", err)
	} else {
		path := o.config.DatasetPath(TemplateGlobalSVG)
		if err := os.WriteFile(path, svgBuf.Bytes(), 0644); err != nil {
			log.Printf("[SCENE] Writing %s failed: %v", path, err)
		} else {
			s.SVGPath = path
		}
	}

	var pngBuf bytes.Buffer
	if err := renderer.RenderToPNG(&pngBuf); err != nil {
		log.Printf("[SCENE] PNG render failed: %v", err)
	} else {
		path := o.config.DatasetPath(TemplateGlobalPNG)
		if err := os.WriteFile(path, pngBuf.Bytes(), 0644); err != nil {
			log.Printf("[SCENE] Writing %s failed: %v", path, err)
		} else {
			s.PNGPath = path
		}
	}
}
