package scene

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kwv/fragmesh/pointcloud"
	"gopkg.in/yaml.v3"
)

// MaxWorkerLimit caps the worker pool regardless of configuration
const MaxWorkerLimit = 144

// Dataset layout, relative to path_dataset
const (
	FolderFragment            = "fragments"
	FolderScene               = "scene"
	TemplateFragmentOptimized = "fragments/fragment_optimized_%03d.json"
	TemplateGlobalPoseGraph   = "scene/global_registration.json"
	TemplateGlobalOptimized   = "scene/global_registration_optimized.json"
	TemplateGlobalGeoJSON     = "scene/global_registration.geojson"
	TemplateGlobalSVG         = "scene/global_registration.svg"
	TemplateGlobalPNG         = "scene/global_registration.png"
)

// Config represents the full configuration file. Open3D JSON configs load
// unchanged since JSON is valid YAML; unknown keys are ignored.
type Config struct {
	PathDataset           string  `yaml:"path_dataset" json:"path_dataset"`
	VoxelSize             float64 `yaml:"voxel_size" json:"voxel_size"`
	GlobalRegistration    string  `yaml:"global_registration" json:"global_registration"` // fgr or ransac
	ICPMethod             string  `yaml:"icp_method" json:"icp_method"`                   // point_to_point, point_to_plane or color
	DebugMode             bool    `yaml:"debug_mode" json:"debug_mode"`
	PythonMultiThreading  *bool   `yaml:"python_multi_threading,omitempty" json:"python_multi_threading,omitempty"`
	MultiThreading        *bool   `yaml:"multi_threading,omitempty" json:"multi_threading,omitempty"`
	MaxWorkers            int     `yaml:"max_workers,omitempty" json:"max_workers,omitempty"`
	Seed                  int64   `yaml:"seed" json:"seed"`
	StrictOdometry        bool    `yaml:"strict_odometry" json:"strict_odometry"`
	OptimizerCommand      string  `yaml:"optimizer_command,omitempty" json:"optimizer_command,omitempty"`
	PreferenceLoopClosure float64 `yaml:"preference_loop_closure_registration" json:"preference_loop_closure_registration"`

	LogFile    string `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	LogMaxSize int    `yaml:"log_max_size,omitempty" json:"log_max_size,omitempty"` // megabytes
	LogMaxAge  int    `yaml:"log_max_age,omitempty" json:"log_max_age,omitempty"`   // days

	MQTT   MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	HTTP   HTTPConfig   `yaml:"http" json:"http"`
	Export ExportConfig `yaml:"export" json:"export"`

	strategy pointcloud.GlobalStrategy
	method   pointcloud.ICPMethod
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the status server settings. Port 0 disables the server.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// ExportConfig selects the optional artefacts written after a run
type ExportConfig struct {
	GeoJSON           bool    `yaml:"geojson" json:"geojson"`
	Render            bool    `yaml:"render" json:"render"`
	SimplifyTolerance float64 `yaml:"simplify_tolerance,omitempty" json:"simplify_tolerance,omitempty"` // meters; 0 keeps every node
}

// DefaultConfig returns the standard fragment-registration settings
func DefaultConfig() *Config {
	parallel := true
	return &Config{
		PathDataset:           ".",
		VoxelSize:             0.05,
		GlobalRegistration:    "ransac",
		ICPMethod:             "color",
		PythonMultiThreading:  &parallel,
		Seed:                  1,
		PreferenceLoopClosure: 5.0,
		LogMaxSize:            50,
		LogMaxAge:             28,
		strategy:              pointcloud.RANSAC,
		method:                pointcloud.Colored,
	}
}

// LoadConfig loads the configuration from a YAML (or JSON) file on top of
// DefaultConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks required fields and parses the string-valued options
func (c *Config) Validate() error {
	if c.PathDataset == "" {
		return fmt.Errorf("path_dataset is required")
	}
	if c.VoxelSize <= 0 {
		return fmt.Errorf("voxel_size must be positive, got %v", c.VoxelSize)
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers)
	}

	strategy, err := ParseGlobalStrategy(c.GlobalRegistration)
	if err != nil {
		return err
	}
	method, err := ParseICPMethod(c.ICPMethod)
	if err != nil {
		return err
	}
	c.strategy = strategy
	c.method = method
	return nil
}

// ParseGlobalStrategy maps the global_registration option to a strategy
func ParseGlobalStrategy(s string) (pointcloud.GlobalStrategy, error) {
	switch s {
	case "fgr":
		return pointcloud.FGR, nil
	case "ransac":
		return pointcloud.RANSAC, nil
	}
	return pointcloud.RANSAC, fmt.Errorf("global_registration must be \"fgr\" or \"ransac\", got %q", s)
}

// ParseICPMethod maps the icp_method option to the refinement metric. Only
// "color" selects colored ICP; point_to_point and point_to_plane both refine
// with point-to-plane, as Open3D configs expect.
func ParseICPMethod(s string) (pointcloud.ICPMethod, error) {
	switch s {
	case "point_to_point", "point_to_plane":
		return pointcloud.PointToPlane, nil
	case "color", "colored":
		return pointcloud.Colored, nil
	}
	return pointcloud.Colored, fmt.Errorf("icp_method must be point_to_point, point_to_plane or color, got %q", s)
}

// Strategy returns the parsed global registration strategy
func (c *Config) Strategy() pointcloud.GlobalStrategy {
	return c.strategy
}

// LoopClosureMethod returns the ICP variant used for loop-closure refinement
func (c *Config) LoopClosureMethod() pointcloud.ICPMethod {
	return c.method
}

// Parallel reports whether pairs are registered by a worker pool.
// multi_threading takes precedence over python_multi_threading.
func (c *Config) Parallel() bool {
	if c.MultiThreading != nil {
		return *c.MultiThreading
	}
	if c.PythonMultiThreading != nil {
		return *c.PythonMultiThreading
	}
	return true
}

// Workers returns the worker pool size: max_workers, or the CPU count, capped
// at MaxWorkerLimit
func (c *Config) Workers() int {
	n := c.MaxWorkers
	if n == 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkerLimit {
		n = MaxWorkerLimit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DatasetPath joins elements onto path_dataset
func (c *Config) DatasetPath(elem ...string) string {
	return filepath.Join(append([]string{c.PathDataset}, elem...)...)
}

// OdometryPath is the optimized pose graph of fragment s
func (c *Config) OdometryPath(s int) string {
	return c.DatasetPath(fmt.Sprintf(TemplateFragmentOptimized, s))
}
