package scene

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/kwv/fragmesh/pointcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeGeometry serves clouds by path and passes them through preprocessing
type fakeGeometry struct {
	clouds map[string]*pointcloud.PointCloud
}

func (g *fakeGeometry) LoadCloud(path string) (*pointcloud.PointCloud, error) {
	c, ok := g.clouds[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return c, nil
}

func (g *fakeGeometry) Downsample(c *pointcloud.PointCloud, voxel float64) *pointcloud.PointCloud {
	return c
}

func (g *fakeGeometry) EstimateNormals(c *pointcloud.PointCloud, radius float64, maxNN int) *pointcloud.PointCloud {
	return c
}

func (g *fakeGeometry) ComputeFeatures(c *pointcloud.PointCloud, radius float64, maxNN int) *pointcloud.Feature {
	return &pointcloud.Feature{Dimension: pointcloud.FPFHDimension}
}

// icpCall records the arguments of one Solver.ICP call
type icpCall struct {
	Method  pointcloud.ICPMethod
	MaxDist float64
	Init    pointcloud.Transform
	MaxIter int
}

// fakeSolver returns canned global registration results and echoes the ICP
// initial guess. Correspondences sets information[5][5].
type fakeSolver struct {
	mu              sync.Mutex
	global          pointcloud.RegistrationResult
	globalErr       error
	icpErr          error
	correspondences float64
	globalCalls     int
	icpCalls        []icpCall
}

func (s *fakeSolver) GlobalRegister(strategy pointcloud.GlobalStrategy, src, tgt *pointcloud.PointCloud,
	srcFeat, tgtFeat *pointcloud.Feature, distance float64) (pointcloud.RegistrationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCalls++
	return s.global, s.globalErr
}

func (s *fakeSolver) ICP(method pointcloud.ICPMethod, src, tgt *pointcloud.PointCloud, maxDist float64,
	init pointcloud.Transform, criteria pointcloud.Convergence) (pointcloud.RegistrationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.icpCalls = append(s.icpCalls, icpCall{Method: method, MaxDist: maxDist, Init: init, MaxIter: criteria.MaxIterations})
	if s.icpErr != nil {
		return pointcloud.RegistrationResult{}, s.icpErr
	}
	return pointcloud.RegistrationResult{Transformation: init, Fitness: 1, Converged: true}, nil
}

func (s *fakeSolver) InformationMatrix(src, tgt *pointcloud.PointCloud, maxDist float64, t pointcloud.Transform) pointcloud.Information {
	info := pointcloud.IdentityInformation()
	info[3][3] = s.correspondences
	info[5][5] = s.correspondences
	return info
}

// fakeOdometry maps fragment index to the last odometry pose
type fakeOdometry map[int]pointcloud.Transform

func (o fakeOdometry) LastPose(s int) (pointcloud.Transform, error) {
	pose, ok := o[s]
	if !ok {
		return pointcloud.Identity(), fmt.Errorf("%w: fragment %d", ErrMissingOdometry, s)
	}
	return pose, nil
}

// mockOptimizer records Optimize calls
type mockOptimizer struct {
	mock.Mock
}

func (m *mockOptimizer) Optimize(ctx context.Context, in, out string) error {
	args := m.Called(ctx, in, out)
	return args.Error(0)
}

// registrarFunc adapts a function to PairRegistrar
type registrarFunc func(ctx context.Context, fragments []Fragment, key PairKey) (MatchingResult, error)

func (f registrarFunc) RegisterPair(ctx context.Context, fragments []Fragment, key PairKey) (MatchingResult, error) {
	return f(ctx, fragments, key)
}

// lineCloud returns n points along the x axis
func lineCloud(n int) *pointcloud.PointCloud {
	c := &pointcloud.PointCloud{Points: make([]r3.Vector, n)}
	for i := range c.Points {
		c.Points[i] = r3.Vector{X: float64(i) * 0.01}
	}
	return c
}

// testConfig returns a validated config rooted at dir
func testConfig(t *testing.T, dir string) *Config {
	t.Helper()
	config := DefaultConfig()
	config.PathDataset = dir
	require.NoError(t, config.Validate())
	return config
}

// writeFragments creates n placeholder fragment files and returns them
func writeFragments(t *testing.T, dir string, n int) []Fragment {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, FolderFragment), 0755))
	fragments := make([]Fragment, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, FolderFragment, fmt.Sprintf("fragment_%03d.ply", i))
		require.NoError(t, os.WriteFile(path, []byte("ply\n"), 0644))
		fragments[i] = Fragment{Index: i, Path: path}
	}
	return fragments
}

func success(key PairKey, t pointcloud.Transform) MatchingResult {
	info := pointcloud.IdentityInformation()
	info[5][5] = 100
	return MatchingResult{Key: key, Edge: &Registration{Transformation: t, Information: info, Overlap: 1}}
}

func failure(key PairKey, err error) MatchingResult {
	return MatchingResult{Key: key, Err: err}
}

func assertTransformNear(t *testing.T, want, got pointcloud.Transform, tol float64) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, want[i][j], got[i][j], tol, "element [%d][%d]", i, j)
		}
	}
}
