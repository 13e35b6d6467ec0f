package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/fragmesh/pointcloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// scriptedRegistrar succeeds on adjacent pairs with a unit step along x and
// fails every loop closure, unless overridden per key
func scriptedRegistrar(overrides map[PairKey]MatchingResult) PairRegistrar {
	return registrarFunc(func(ctx context.Context, fragments []Fragment, key PairKey) (MatchingResult, error) {
		if r, ok := overrides[key]; ok {
			return r, nil
		}
		if key.Adjacent() {
			return success(key, pointcloud.Translation(-1, 0, 0)), nil
		}
		return failure(key, ErrAlignmentNotFound), nil
	})
}

func TestListFragments(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)

	_, err := ListFragments(config)
	assert.ErrorIs(t, err, ErrNoFragments)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, FolderFragment), 0755))
	for _, name := range []string{"fragment_002.ply", "fragment_000.ply", "fragment_001.ply", "fragment_optimized_000.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FolderFragment, name), []byte("ply\n"), 0644))
	}

	fragments, err := ListFragments(config)
	require.NoError(t, err)
	require.Len(t, fragments, 3)
	for i, f := range fragments {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, fmt.Sprintf("fragment_%03d.ply", i), filepath.Base(f.Path))
	}
}

func TestOrchestratorThreeFragments(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	writeFragments(t, dir, 3)

	optimizer := &mockOptimizer{}
	optimizer.On("Optimize", mock.Anything,
		config.DatasetPath(TemplateGlobalPoseGraph),
		config.DatasetPath(TemplateGlobalOptimized)).Return(nil)

	client := NewMockClient()
	client.SetConnected(true)
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	metrics := NewMetrics(prometheus.NewRegistry())
	state := NewStateTracker()

	o := NewOrchestrator(config, scriptedRegistrar(nil), optimizer).
		WithPublisher(NewPublisher(client, "")).
		WithMetrics(metrics).
		WithState(state)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	optimizer.AssertExpectations(t)

	assert.Equal(t, 3, summary.Fragments)
	assert.Equal(t, 3, summary.Pairs)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 3, summary.Nodes)
	assert.Equal(t, 2, summary.OdometryEdges)
	assert.Zero(t, summary.LoopClosures)
	assert.Empty(t, summary.OdometryGaps)
	assert.InDelta(t, 2.0, summary.TrajectoryLength, 1e-12)
	assert.NotEmpty(t, summary.RunID)
	assert.Empty(t, summary.OptimizedPath, "the mock optimizer writes nothing")

	g, err := LoadPoseGraph(summary.PoseGraphPath)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	require.Len(t, g.Edges, 2)
	for _, e := range g.Edges {
		assert.False(t, e.Source == 0 && e.Target == 2)
	}
	assert.Equal(t, pointcloud.Translation(2, 0, 0), g.Nodes[2].Pose)

	assert.Len(t, client.GetPublishedMessages(), 3+1)
	summaries := client.MessagesOn("fragmesh/summary")
	require.Len(t, summaries, 1)
	var published Summary
	require.NoError(t, json.Unmarshal(summaries[0].Payload, &published))
	assert.Equal(t, summary.RunID, published.RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.GraphNodes))

	assert.False(t, state.IsRunning())
	assert.Equal(t, 3, state.GetProgress().PairsDone)
	assert.Equal(t, summary, state.GetSummary())
	assert.Len(t, state.GetGraph().Nodes, 3)
}

func TestOrchestratorWithRegistrar(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	fragments := writeFragments(t, dir, 3)

	geometry := &fakeGeometry{clouds: map[string]*pointcloud.PointCloud{}}
	for _, f := range fragments {
		geometry.clouds[f.Path] = lineCloud(50)
	}
	solver := &fakeSolver{
		global:          pointcloud.RegistrationResult{Transformation: pointcloud.Identity(), Fitness: 1},
		correspondences: 50,
	}
	odometry := fakeOdometry{
		0: pointcloud.Translation(1, 0, 0),
		1: pointcloud.Translation(0, 1, 0),
	}

	registrar := NewRegistrar(config, geometry, solver, odometry)
	summary, err := NewOrchestrator(config, registrar, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Nodes)
	assert.Equal(t, 2, summary.OdometryEdges)
	assert.Zero(t, summary.LoopClosures)
	assert.Equal(t, 1, solver.globalCalls)

	g, err := LoadPoseGraph(summary.PoseGraphPath)
	require.NoError(t, err)
	// node1 = inverse(T1) = last odometry pose of fragment 0
	assertTransformNear(t, pointcloud.Translation(1, 0, 0), g.Nodes[1].Pose, 1e-12)
	assertTransformNear(t, pointcloud.Translation(1, 1, 0), g.Nodes[2].Pose, 1e-12)
}

func TestOrchestratorSingleFragment(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	writeFragments(t, dir, 1)

	summary, err := NewOrchestrator(config, scriptedRegistrar(nil), NoopOptimizer{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Nodes)
	assert.Zero(t, summary.Pairs)

	g, err := LoadPoseGraph(summary.PoseGraphPath)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Edges)
}

func TestOrchestratorNoFragments(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	metrics := NewMetrics(prometheus.NewRegistry())

	_, err := NewOrchestrator(config, scriptedRegistrar(nil), nil).WithMetrics(metrics).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoFragments)
	assert.NoFileExists(t, config.DatasetPath(TemplateGlobalPoseGraph))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("error")))
}

func TestOrchestratorFatalFragment(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	writeFragments(t, dir, 3)

	registrar := registrarFunc(func(ctx context.Context, fragments []Fragment, key PairKey) (MatchingResult, error) {
		return MatchingResult{Key: key}, fmt.Errorf("%w: %s", ErrFragmentUnreadable, fragments[key.T].Path)
	})
	optimizer := &mockOptimizer{}

	_, err := NewOrchestrator(config, registrar, optimizer).Run(context.Background())
	assert.ErrorIs(t, err, ErrFragmentUnreadable)
	assert.NoFileExists(t, config.DatasetPath(TemplateGlobalPoseGraph))
	optimizer.AssertNotCalled(t, "Optimize", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestratorUnreadableSingleFragment(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	writeFragments(t, dir, 1)

	geometry := &fakeGeometry{clouds: map[string]*pointcloud.PointCloud{}}
	registrar := NewRegistrar(config, geometry, &fakeSolver{}, fakeOdometry{})
	optimizer := &mockOptimizer{}

	_, err := NewOrchestrator(config, registrar, optimizer).Run(context.Background())
	assert.ErrorIs(t, err, ErrFragmentUnreadable)
	assert.NoFileExists(t, config.DatasetPath(TemplateGlobalPoseGraph))
	optimizer.AssertNotCalled(t, "Optimize", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestratorUnreadableFragmentBeforeMatching(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	fragments := writeFragments(t, dir, 3)

	geometry := &fakeGeometry{clouds: map[string]*pointcloud.PointCloud{}}
	for _, f := range fragments[:2] {
		geometry.clouds[f.Path] = lineCloud(50)
	}
	solver := &fakeSolver{
		global:          pointcloud.RegistrationResult{Transformation: pointcloud.Identity(), Fitness: 1},
		correspondences: 50,
	}
	registrar := NewRegistrar(config, geometry, solver, fakeOdometry{})

	_, err := NewOrchestrator(config, registrar, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrFragmentUnreadable)
	assert.Contains(t, err.Error(), fragments[2].Path)
	assert.Zero(t, solver.globalCalls)
	assert.Empty(t, solver.icpCalls)
}

func TestOrchestratorOdometryGap(t *testing.T) {
	overrides := map[PairKey]MatchingResult{
		{1, 2}: failure(PairKey{1, 2}, ErrMissingOdometry),
	}

	t.Run("lenient", func(t *testing.T) {
		dir := t.TempDir()
		config := testConfig(t, dir)
		writeFragments(t, dir, 4)

		summary, err := NewOrchestrator(config, scriptedRegistrar(overrides), nil).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []PairKey{{1, 2}}, summary.OdometryGaps)
		assert.Equal(t, 3, summary.Nodes)
	})

	t.Run("strict", func(t *testing.T) {
		dir := t.TempDir()
		config := testConfig(t, dir)
		config.StrictOdometry = true
		writeFragments(t, dir, 4)

		_, err := NewOrchestrator(config, scriptedRegistrar(overrides), nil).Run(context.Background())
		assert.ErrorIs(t, err, ErrOdometryGap)
		assert.NoFileExists(t, config.DatasetPath(TemplateGlobalPoseGraph))
	})
}

func TestOrchestratorOptimizerFailure(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	writeFragments(t, dir, 2)

	optimizer := &mockOptimizer{}
	optimizer.On("Optimize", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("exit status 1"))

	_, err := NewOrchestrator(config, scriptedRegistrar(nil), optimizer).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "optimizing pose graph")
	assert.FileExists(t, config.DatasetPath(TemplateGlobalPoseGraph), "the unoptimized graph stays on disk")
}

func TestOrchestratorExports(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	config.Export.GeoJSON = true
	config.Export.Render = true
	writeFragments(t, dir, 3)

	summary, err := NewOrchestrator(config, scriptedRegistrar(nil), nil).Run(context.Background())
	require.NoError(t, err)

	for _, path := range []string{summary.GeoJSONPath, summary.SVGPath, summary.PNGPath} {
		require.NotEmpty(t, path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, info.Size(), path)
	}
}

func TestOrchestratorRejectsConcurrentRun(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(t, dir)
	writeFragments(t, dir, 2)

	state := NewStateTracker()
	require.True(t, state.Begin("external", 0))

	_, err := NewOrchestrator(config, scriptedRegistrar(nil), nil).WithState(state).Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, state.IsRunning(), "the active run is left untouched")
}
