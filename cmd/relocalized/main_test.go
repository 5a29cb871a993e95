package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/mapanchor/relocalize/pointcloud"
	"github.com/mapanchor/relocalize/relocalizer"
	"github.com/mapanchor/relocalize/spatialmath"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)
	return path
}

// blockCloud is a small lattice, self-registering at identity.
func blockCloud() *pointcloud.Cloud {
	c := pointcloud.New()
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			for k := 0; k < 5; k++ {
				c.Append(r3.Vector{X: float64(i) * 0.3, Y: float64(j) * 0.3, Z: float64(k) * 0.3})
			}
		}
	}
	return c
}

func writePCDFile(t *testing.T, path string, cloud *pointcloud.Cloud) {
	t.Helper()
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pointcloud.WritePCD(cloud, f, pointcloud.PCDBinary), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
}

func TestReadConfig(t *testing.T) {
	t.Setenv("RELOC_TEST_MAP", "/maps/floor2.pcd")
	path := writeConfigFile(t, `{
		"prior_map": "${RELOC_TEST_MAP}",
		"odom_frame": "base_odom",
		"register_period_ms": 250,
		"scan_source": {"type": "dir", "attributes": {"path": "/scans", "watch": true}},
		"broadcast": {"type": "ndjson", "attributes": {"path": "-"}}
	}`)

	cfg, err := readConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.PriorMap, test.ShouldEqual, "/maps/floor2.pcd")
	test.That(t, cfg.OdomFrame, test.ShouldEqual, "base_odom")
	test.That(t, cfg.MapFrame, test.ShouldEqual, "map")
	test.That(t, cfg.RegisterPeriodMS, test.ShouldEqual, 250)
	test.That(t, cfg.PublishPeriodMS, test.ShouldEqual, 50)
	test.That(t, cfg.NumWorkers, test.ShouldEqual, 4)
	test.That(t, cfg.NumNeighbors, test.ShouldEqual, 20)
	test.That(t, cfg.ScanSource.Type, test.ShouldEqual, "dir")
	test.That(t, cfg.Broadcast.Type, test.ShouldEqual, "ndjson")
}

func TestReadConfigErrors(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = readConfig(writeConfigFile(t, `{not json`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "parsing config")

	_, err = readConfig(writeConfigFile(t, `{}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "prior_map")

	_, err = readConfig(writeConfigFile(t, `{"prior_map": "m.pcd", "scan_source": {"type": "ros"}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown scan source type")

	_, err = readConfig(writeConfigFile(t, `{"prior_map": "m.pcd", "broadcast": {"type": "udp"}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown broadcast type")

	_, err = readConfig(writeConfigFile(t, `{"prior_map": "m.pcd", "num_neighbors": 2}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "num_neighbors")
}

func TestBuildScanSource(t *testing.T) {
	logger := golog.NewTestLogger(t)

	src, err := buildScanSource(subConfig{
		Type:       "dir",
		Attributes: map[string]interface{}{"path": t.TempDir(), "watch": false},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Close(), test.ShouldBeNil)

	_, err = buildScanSource(subConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "path is required")

	_, err = buildScanSource(subConfig{Type: "ros"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBuildBroadcaster(t *testing.T) {
	out := filepath.Join(t.TempDir(), "tf.ndjson")
	sink, closeSink, err := buildBroadcaster(subConfig{
		Type:       "ndjson",
		Attributes: map[string]interface{}{"path": out},
	})
	test.That(t, err, test.ShouldBeNil)

	tf := relocalizer.Transform{
		Parent: "map",
		Child:  "odom",
		Pose:   spatialmath.NewZeroPose(),
		Stamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	test.That(t, sink.SendTransform(context.Background(), tf), test.ShouldBeNil)
	test.That(t, closeSink(), test.ShouldBeNil)

	data, err := os.ReadFile(out)
	test.That(t, err, test.ShouldBeNil)
	var rec map[string]interface{}
	test.That(t, json.Unmarshal(data, &rec), test.ShouldBeNil)
	test.That(t, rec["parent"], test.ShouldEqual, "map")
	test.That(t, rec["child"], test.ShouldEqual, "odom")
	test.That(t, rec["time"], test.ShouldEqual, "2024-01-02T03:04:05Z")

	// stdout sink
	_, closeSink, err = buildBroadcaster(subConfig{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, closeSink(), test.ShouldBeNil)

	_, _, err = buildBroadcaster(subConfig{Type: "udp"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunDaemon(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	dir := t.TempDir()

	mapPath := filepath.Join(dir, "map.pcd")
	writePCDFile(t, mapPath, blockCloud())
	scanDir := filepath.Join(dir, "scans")
	test.That(t, os.Mkdir(scanDir, 0o755), test.ShouldBeNil)
	writePCDFile(t, filepath.Join(scanDir, "scan_0001.pcd"), blockCloud())
	out := filepath.Join(dir, "tf.ndjson")

	cfg, err := readConfig(writeConfigFile(t, fmt.Sprintf(`{
		"prior_map": %q,
		"register_period_ms": 20,
		"publish_period_ms": 10,
		"scan_source": {"type": "dir", "attributes": {"path": %q}},
		"broadcast": {"type": "ndjson", "attributes": {"path": %q}}
	}`, mapPath, scanDir, out)))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, runDaemon(ctx, cfg, logger), test.ShouldBeNil)
	test.That(t, logs.FilterMessageSnippet("prior map ready").Len(), test.ShouldEqual, 1)

	data, err := os.ReadFile(out)
	test.That(t, err, test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	test.That(t, len(lines), test.ShouldBeGreaterThan, 0)

	var rec struct {
		Parent      string `json:"parent"`
		Child       string `json:"child"`
		Translation struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
			Z float64 `json:"z"`
		} `json:"translation"`
		Rotation struct {
			W float64 `json:"w"`
		} `json:"rotation"`
	}
	test.That(t, json.Unmarshal([]byte(lines[0]), &rec), test.ShouldBeNil)
	test.That(t, rec.Parent, test.ShouldEqual, "map")
	test.That(t, rec.Child, test.ShouldEqual, "odom")
	test.That(t, rec.Translation.X, test.ShouldAlmostEqual, 0, 0.01)
	test.That(t, rec.Translation.Y, test.ShouldAlmostEqual, 0, 0.01)
	test.That(t, rec.Translation.Z, test.ShouldAlmostEqual, 0, 0.01)
	test.That(t, rec.Rotation.W, test.ShouldAlmostEqual, 1, 1e-4)
}

func TestRunDaemonWithoutMap(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	dir := t.TempDir()
	scanDir := filepath.Join(dir, "scans")
	test.That(t, os.Mkdir(scanDir, 0o755), test.ShouldBeNil)

	cfg, err := readConfig(writeConfigFile(t, fmt.Sprintf(`{
		"prior_map": %q,
		"scan_source": {"type": "dir", "attributes": {"path": %q}},
		"broadcast": {"type": "ndjson", "attributes": {"path": "-"}}
	}`, filepath.Join(dir, "missing.pcd"), scanDir)))
	test.That(t, err, test.ShouldBeNil)

	// The daemon must stay up with relocalization disabled, not crash.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	test.That(t, runDaemon(ctx, cfg, logger), test.ShouldBeNil)
	test.That(t, logs.FilterMessageSnippet("relocalization disabled").Len(), test.ShouldEqual, 1)
}
