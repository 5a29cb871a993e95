package relocalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/mapanchor/relocalize/spatialmath"
)

func TestNDJSONBroadcaster(t *testing.T) {
	var buf bytes.Buffer
	b := NewNDJSONBroadcaster(&buf)

	pose := spatialmath.NewPose(
		r3.Vector{X: 1.5, Y: -2, Z: 0.25},
		spatialmath.QuatFromAxisAngle(r3.Vector{Z: 1}, math.Pi/2),
	)
	stamp := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	ctx := context.Background()
	tf := Transform{Parent: "map", Child: "odom", Pose: pose, Stamp: stamp}
	test.That(t, b.SendTransform(ctx, tf), test.ShouldBeNil)
	tf.Stamp = stamp.Add(50 * time.Millisecond)
	test.That(t, b.SendTransform(ctx, tf), test.ShouldBeNil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, lines, test.ShouldHaveLength, 2)

	var rec struct {
		Time        string `json:"time"`
		Parent      string `json:"parent"`
		Child       string `json:"child"`
		Translation struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
			Z float64 `json:"z"`
		} `json:"translation"`
		Rotation struct {
			W float64 `json:"w"`
			X float64 `json:"x"`
			Y float64 `json:"y"`
			Z float64 `json:"z"`
		} `json:"rotation"`
	}
	test.That(t, json.Unmarshal([]byte(lines[0]), &rec), test.ShouldBeNil)
	test.That(t, rec.Time, test.ShouldEqual, "2024-05-06T07:08:09.123456789Z")
	test.That(t, rec.Parent, test.ShouldEqual, "map")
	test.That(t, rec.Child, test.ShouldEqual, "odom")
	test.That(t, rec.Translation.X, test.ShouldEqual, 1.5)
	test.That(t, rec.Translation.Y, test.ShouldEqual, -2.0)
	test.That(t, rec.Translation.Z, test.ShouldEqual, 0.25)
	test.That(t, rec.Rotation.W, test.ShouldAlmostEqual, math.Cos(math.Pi/4), 1e-12)
	test.That(t, rec.Rotation.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, rec.Rotation.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, rec.Rotation.Z, test.ShouldAlmostEqual, math.Sin(math.Pi/4), 1e-12)

	test.That(t, json.Unmarshal([]byte(lines[1]), &rec), test.ShouldBeNil)
	test.That(t, rec.Time, test.ShouldEqual, "2024-05-06T07:08:09.173456789Z")
}
