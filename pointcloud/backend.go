package pointcloud

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
)

// Backend is the native geometry and registration implementation. It is
// stateless apart from its configuration and safe for concurrent use.
type Backend struct {
	Seed   int64
	RANSAC RANSACConfig
	FGR    FGRConfig
}

// NewBackend returns a backend with default solver settings and the given
// RANSAC/FGR seed
func NewBackend(seed int64) *Backend {
	return &Backend{
		Seed:   seed,
		RANSAC: DefaultRANSACConfig(),
		FGR:    DefaultFGRConfig(),
	}
}

// LoadCloud reads a PLY fragment
func (b *Backend) LoadCloud(path string) (*PointCloud, error) {
	return LoadPLY(path)
}

// Downsample voxel-downsamples the cloud
func (b *Backend) Downsample(c *PointCloud, voxel float64) *PointCloud {
	return VoxelDownsample(c, voxel)
}

// EstimateNormals returns a copy of c with hybrid-search normals
func (b *Backend) EstimateNormals(c *PointCloud, radius float64, maxNN int) *PointCloud {
	return EstimateNormals(c, radius, maxNN)
}

// ComputeFeatures returns FPFH descriptors for c
func (b *Backend) ComputeFeatures(c *PointCloud, radius float64, maxNN int) *Feature {
	return ComputeFPFH(c, radius, maxNN)
}

// GlobalRegister runs feature-based global registration. The random stream
// is derived from the seed and the inputs, so concurrent pairs never share a
// generator and repeated runs produce identical results.
func (b *Backend) GlobalRegister(strategy GlobalStrategy, src, tgt *PointCloud, srcFeat, tgtFeat *Feature, distance float64) (RegistrationResult, error) {
	rng := rand.New(rand.NewSource(b.streamSeed(src, tgt)))
	switch strategy {
	case FGR:
		return RegisterFGR(src, tgt, srcFeat, tgtFeat, distance, b.FGR, rng)
	case RANSAC:
		return RegisterRANSAC(src, tgt, srcFeat, tgtFeat, distance, b.RANSAC, rng)
	default:
		return RegistrationResult{Transformation: Identity()}, fmt.Errorf("unknown global registration strategy %v", strategy)
	}
}

// ICP refines init with the chosen ICP variant
func (b *Backend) ICP(method ICPMethod, src, tgt *PointCloud, maxDist float64, init Transform, criteria Convergence) (RegistrationResult, error) {
	return RegisterICP(method, src, tgt, maxDist, init, criteria)
}

// InformationMatrix computes the registration information matrix
func (b *Backend) InformationMatrix(src, tgt *PointCloud, maxDist float64, t Transform) Information {
	return InformationMatrix(src, tgt, maxDist, t)
}

// streamSeed mixes the configured seed with a fingerprint of both clouds
func (b *Backend) streamSeed(src, tgt *PointCloud) int64 {
	h := fnv.New64a()
	var buf [8]byte
	write := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	write(float64(b.Seed))
	for _, c := range []*PointCloud{src, tgt} {
		write(float64(c.Len()))
		centroid := c.Centroid()
		write(centroid.X)
		write(centroid.Y)
		write(centroid.Z)
	}
	return int64(h.Sum64() &^ (1 << 63))
}
