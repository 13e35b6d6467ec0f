package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/fragmesh/scene"
)

// Helper function to write a config file into a temp directory
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.StateTracker == nil {
		t.Error("StateTracker should be initialized")
	}
	if app.Registry == nil || app.Metrics == nil {
		t.Error("metrics registry should be initialized")
	}
	if app.Publisher.Enabled() {
		t.Error("publisher should be disabled before MQTT connects")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:  "test-config.yaml",
		DatasetDir:  "/test/data",
		WriteConfig: "out.yaml",
		Serve:       true,
		HttpPort:    8081,
		Workers:     4,
		Sequential:  true,
		Debug:       true,
	}

	app.ApplyOptions(opts)

	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", app.ConfigFile)
	}
	if app.DatasetDir != "/test/data" {
		t.Errorf("DatasetDir = %s, want /test/data", app.DatasetDir)
	}
	if app.WriteConfig != "out.yaml" {
		t.Errorf("WriteConfig = %s, want out.yaml", app.WriteConfig)
	}
	if !app.Serve {
		t.Error("Serve should be true")
	}
	if app.HttpPort != 8081 {
		t.Errorf("HttpPort = %d, want 8081", app.HttpPort)
	}
	if app.Workers != 4 {
		t.Errorf("Workers = %d, want 4", app.Workers)
	}
	if !app.Sequential {
		t.Error("Sequential should be true")
	}
	if !app.Debug {
		t.Error("Debug should be true")
	}
}

func TestApplyOptions_AllDefaults(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{})

	if app.ConfigFile != "" || app.DatasetDir != "" || app.WriteConfig != "" {
		t.Error("string options should be empty")
	}
	if app.Serve || app.Sequential || app.Debug {
		t.Error("bool options should be false")
	}
	if app.HttpPort != 0 || app.Workers != 0 {
		t.Error("int options should be zero")
	}
}

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: "config.yaml"})

	config, err := app.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.VoxelSize != 0.05 {
		t.Errorf("VoxelSize = %v, want 0.05", config.VoxelSize)
	}
	if app.Config != config {
		t.Error("LoadConfig should store the config on the app")
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})

	if _, err := app.LoadConfig(); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeTestConfig(t, `path_dataset: /from/file
voxel_size: 0.02
global_registration: fgr
icp_method: point_to_plane
max_workers: 2
`)

	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile: path,
		DatasetDir: "/from/flag",
		Workers:    8,
		Sequential: true,
		Debug:      true,
		HttpPort:   9999,
	})

	config, err := app.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.PathDataset != "/from/flag" {
		t.Errorf("PathDataset = %s, want /from/flag", config.PathDataset)
	}
	if config.VoxelSize != 0.02 {
		t.Errorf("VoxelSize = %v, want 0.02", config.VoxelSize)
	}
	if config.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d, want 8", config.MaxWorkers)
	}
	if config.Parallel() {
		t.Error("--sequential should disable parallel matching")
	}
	if !config.DebugMode {
		t.Error("--debug should enable debug mode")
	}
	if config.HTTP.Port != 9999 {
		t.Errorf("HTTP.Port = %d, want 9999", config.HTTP.Port)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeTestConfig(t, "voxel_size: 0.05\nicp_method: generalized\n")

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: path})

	if _, err := app.LoadConfig(); err == nil {
		t.Error("expected error for unknown icp_method")
	}
}

func TestRunWriteConfig(t *testing.T) {
	path := writeTestConfig(t, "voxel_size: 0.03\nglobal_registration: fgr\n")
	out := filepath.Join(t.TempDir(), "effective.yaml")

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: path, WriteConfig: out, Workers: 3})

	if err := app.RunWriteConfig(); err != nil {
		t.Fatalf("RunWriteConfig failed: %v", err)
	}

	written, err := scene.LoadConfig(out)
	if err != nil {
		t.Fatalf("Failed to reload written config: %v", err)
	}
	if written.VoxelSize != 0.03 {
		t.Errorf("VoxelSize = %v, want 0.03", written.VoxelSize)
	}
	if written.GlobalRegistration != "fgr" {
		t.Errorf("GlobalRegistration = %s, want fgr", written.GlobalRegistration)
	}
	if written.MaxWorkers != 3 {
		t.Errorf("MaxWorkers = %d, want 3", written.MaxWorkers)
	}
}

func TestRunOnce_NoFragments(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	dataset := t.TempDir()
	path := writeTestConfig(t, "path_dataset: "+dataset+"\n")

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: path})

	err := app.RunOnce()
	if !errors.Is(err, scene.ErrNoFragments) {
		t.Fatalf("RunOnce error = %v, want ErrNoFragments", err)
	}
	if app.StateTracker.IsRunning() {
		t.Error("state tracker should not be running after a failed run")
	}
	if app.StateTracker.GetProgress().LastError == "" {
		t.Error("failed run should be recorded in progress")
	}
}

func TestTriggerRun(t *testing.T) {
	app := NewApp()

	if !app.TriggerRun() {
		t.Fatal("first trigger should be queued")
	}
	if app.TriggerRun() {
		t.Error("second trigger should be rejected while one is queued")
	}

	<-app.runs
	if !app.StateTracker.Begin("busy", 1) {
		t.Fatal("Begin failed")
	}
	if app.TriggerRun() {
		t.Error("trigger should be rejected while a run is in progress")
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &scene.Summary{
		RunID:            "abc",
		Fragments:        4,
		Pairs:            6,
		Succeeded:        5,
		OdometryEdges:    3,
		LoopClosures:     2,
		Nodes:            4,
		OdometryGaps:     []int{2},
		PoseGraphPath:    "/data/scene/global_registration.json",
		GeoJSONPath:      "/data/scene/global_registration.geojson",
		TrajectoryLength: 2.5,
	})

	out := buf.String()
	for _, want := range []string{
		"Scene registration abc",
		"6 (5 registered)",
		"Loop closures:  2",
		"Odometry gaps:  [2]",
		"global_registration.json",
		"global_registration.geojson",
		"2.500",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Optimized:") {
		t.Error("summary should omit the optimized path when empty")
	}
}
