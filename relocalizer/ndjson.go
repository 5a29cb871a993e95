package relocalizer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type ndjsonVec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type ndjsonQuat struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type ndjsonRecord struct {
	Time        string     `json:"time"`
	Parent      string     `json:"parent"`
	Child       string     `json:"child"`
	Translation ndjsonVec  `json:"translation"`
	Rotation    ndjsonQuat `json:"rotation"`
}

// NDJSONBroadcaster writes one JSON object per transform to a stream,
// newline-delimited. Safe for concurrent use.
type NDJSONBroadcaster struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONBroadcaster wraps w. The caller keeps ownership of w and closes
// it after the service stops.
func NewNDJSONBroadcaster(w io.Writer) *NDJSONBroadcaster {
	return &NDJSONBroadcaster{enc: json.NewEncoder(w)}
}

// SendTransform implements TransformBroadcaster.
func (b *NDJSONBroadcaster) SendTransform(ctx context.Context, tf Transform) error {
	rot := tf.Pose.Rotation()
	trans := tf.Pose.Translation()
	rec := ndjsonRecord{
		Time:        tf.Stamp.Format(time.RFC3339Nano),
		Parent:      tf.Parent,
		Child:       tf.Child,
		Translation: ndjsonVec{X: trans.X, Y: trans.Y, Z: trans.Z},
		Rotation:    ndjsonQuat{W: rot.Real, X: rot.Imag, Y: rot.Jmag, Z: rot.Kmag},
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Wrap(b.enc.Encode(rec), "encoding transform")
}
