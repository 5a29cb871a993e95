package relocalizer

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Default tuning, matching the upstream relocalization node.
const (
	DefaultMapFrame         = "map"
	DefaultOdomFrame        = "odom"
	DefaultNumWorkers       = 4
	DefaultNumNeighbors     = 20
	DefaultMapLeafSize      = 0.25
	DefaultScanLeafSize     = 0.25
	DefaultMaxDistSq        = 1.0
	DefaultRegisterPeriodMS = 500
	DefaultPublishPeriodMS  = 50
)

// Config tunes the relocalization pipeline. All values are fixed for the
// lifetime of the service; zero fields take the defaults above.
type Config struct {
	// MapFrame and OdomFrame name the parent and child frames of the
	// published transform.
	MapFrame  string `json:"map_frame"`
	OdomFrame string `json:"odom_frame"`

	// NumWorkers bounds the per-point parallelism of covariance estimation
	// and registration.
	NumWorkers int `json:"num_workers"`
	// NumNeighbors is the neighborhood size for covariance estimation.
	NumNeighbors int `json:"num_neighbors"`

	// MapLeafSize and ScanLeafSize are the voxel edge lengths (meters) used
	// to downsample the prior map and the live scans.
	MapLeafSize  float64 `json:"map_leaf_size"`
	ScanLeafSize float64 `json:"scan_leaf_size"`
	// MaxDistSq is the squared correspondence cutoff for registration.
	MaxDistSq float64 `json:"max_dist_sq"`

	RegisterPeriodMS int `json:"register_period_ms"`
	PublishPeriodMS  int `json:"publish_period_ms"`

	// Clock is swappable for tests; nil means the wall clock.
	Clock clock.Clock `json:"-"`
}

// Validate applies defaults in place and rejects values the pipeline cannot
// run with.
func (c *Config) Validate() error {
	if c.MapFrame == "" {
		c.MapFrame = DefaultMapFrame
	}
	if c.OdomFrame == "" {
		c.OdomFrame = DefaultOdomFrame
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.NumNeighbors == 0 {
		c.NumNeighbors = DefaultNumNeighbors
	}
	if c.NumNeighbors < 3 {
		return errors.Errorf("num_neighbors must be at least 3, got %d", c.NumNeighbors)
	}
	if c.MapLeafSize == 0 {
		c.MapLeafSize = DefaultMapLeafSize
	}
	if c.MapLeafSize < 0 {
		return errors.Errorf("map_leaf_size must be positive, got %v", c.MapLeafSize)
	}
	if c.ScanLeafSize == 0 {
		c.ScanLeafSize = DefaultScanLeafSize
	}
	if c.ScanLeafSize < 0 {
		return errors.Errorf("scan_leaf_size must be positive, got %v", c.ScanLeafSize)
	}
	if c.MaxDistSq == 0 {
		c.MaxDistSq = DefaultMaxDistSq
	}
	if c.MaxDistSq < 0 {
		return errors.Errorf("max_dist_sq must be positive, got %v", c.MaxDistSq)
	}
	if c.RegisterPeriodMS == 0 {
		c.RegisterPeriodMS = DefaultRegisterPeriodMS
	}
	if c.RegisterPeriodMS < 0 {
		return errors.Errorf("register_period_ms must be positive, got %d", c.RegisterPeriodMS)
	}
	if c.PublishPeriodMS == 0 {
		c.PublishPeriodMS = DefaultPublishPeriodMS
	}
	if c.PublishPeriodMS < 0 {
		return errors.Errorf("publish_period_ms must be positive, got %d", c.PublishPeriodMS)
	}
	return nil
}

func (c Config) registerPeriod() time.Duration {
	return time.Duration(c.RegisterPeriodMS) * time.Millisecond
}

func (c Config) publishPeriod() time.Duration {
	return time.Duration(c.PublishPeriodMS) * time.Millisecond
}
