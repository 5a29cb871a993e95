// Package relocalizer continuously registers live lidar scans against a
// prior map and republishes the resulting odometry-to-map transform.
//
// The pipeline owns three slots: the target pair (downsampled prior map plus
// its spatial index, built once at startup), the current source scan, and
// the last published transform. Scan intake, registration, and publishing
// run as independent workers that exchange complete values through atomic
// pointers, so a slow registration cycle never blocks intake or publishing.
package relocalizer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/mapanchor/relocalize/pointcloud"
	"github.com/mapanchor/relocalize/registration"
	"github.com/mapanchor/relocalize/spatialmath"
	"github.com/mapanchor/relocalize/utils"
)

// Scan is one timestamped live capture.
type Scan struct {
	Stamp time.Time
	Cloud *pointcloud.Cloud
}

// Transform is a stamped rigid transform between two named frames, mapping
// child-frame coordinates into the parent frame.
type Transform struct {
	Parent string
	Child  string
	Pose   spatialmath.Pose
	Stamp  time.Time
}

// MapProvider hands out the prior map once, at startup.
type MapProvider interface {
	Map(ctx context.Context) (*pointcloud.Cloud, error)
}

// ScanSource delivers live scans. NextScan blocks until a scan arrives, the
// stream ends (io.EOF), or ctx is done.
type ScanSource interface {
	NextScan(ctx context.Context) (Scan, error)
}

// TransformBroadcaster emits transforms to the outside world.
type TransformBroadcaster interface {
	SendTransform(ctx context.Context, tf Transform) error
}

// Deps collects the collaborators a Service needs.
type Deps struct {
	Map       MapProvider
	Scans     ScanSource
	Broadcast TransformBroadcaster
}

type sourceScan struct {
	cloud *pointcloud.Cloud
	stamp time.Time
}

type stampedPose struct {
	pose  spatialmath.Pose
	stamp time.Time
}

// Service runs the relocalization pipeline. Create one with New, feed it
// with Start, and stop it with Close.
type Service struct {
	cfg    Config
	deps   Deps
	logger golog.Logger
	clk    clock.Clock

	// target is written once during Start, before any worker runs.
	targetCloud *pointcloud.Cloud
	targetTree  *pointcloud.KDTree

	source    atomic.Pointer[sourceScan]
	published atomic.Pointer[stampedPose]

	mu      sync.Mutex
	workers *utils.StoppableWorkers
	started bool
	closed  bool
}

// New validates cfg and builds a stopped service around deps.
func New(cfg Config, deps Deps, logger golog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Map == nil {
		return nil, errors.New("map provider is required")
	}
	if deps.Scans == nil {
		return nil, errors.New("scan source is required")
	}
	if deps.Broadcast == nil {
		return nil, errors.New("transform broadcaster is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		clk:    clk,
	}, nil
}

// Start loads and indexes the prior map, then launches the intake,
// registration, and publish workers. A map that cannot be loaded leaves the
// service inert: the error is returned for the caller to report, and no
// worker ever runs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service is closed")
	}
	if s.started {
		return errors.New("service already started")
	}

	mapCloud, err := s.deps.Map.Map(ctx)
	if err != nil {
		s.logger.Errorw("prior map load failed", "error", err)
		return errors.Wrap(err, "loading prior map")
	}
	target := pointcloud.VoxelDownsample(mapCloud, s.cfg.MapLeafSize)
	if target.Size() == 0 {
		err := errors.New("prior map has no points")
		s.logger.Errorw("prior map load failed", "error", err)
		return err
	}
	if err := pointcloud.EstimateCovariances(target, s.cfg.NumNeighbors, s.cfg.NumWorkers); err != nil {
		s.logger.Errorw("prior map covariance estimation failed", "error", err)
		return errors.Wrap(err, "preparing prior map")
	}
	s.targetCloud = target
	s.targetTree = pointcloud.BuildKDTree(target)
	s.logger.Infow("prior map ready",
		"points", target.Size(),
		"raw_points", mapCloud.Size(),
		"leaf_size", s.cfg.MapLeafSize,
	)

	s.workers = utils.NewStoppableWorkers(s.intakeLoop, s.registerLoop, s.publishLoop)
	s.started = true
	return nil
}

// Ready reports whether the prior map is indexed and the workers are running.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// PublishedPose returns the last successfully registered pose and the stamp
// of the scan that produced it. ok is false until the first convergence.
func (s *Service) PublishedPose() (spatialmath.Pose, time.Time, bool) {
	last := s.published.Load()
	if last == nil {
		return spatialmath.NewZeroPose(), time.Time{}, false
	}
	return last.pose, last.stamp, true
}

// Close stops the workers. It is safe to call more than once, and safe to
// call on a service that never started.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.workers != nil {
		s.workers.Stop()
	}
	return nil
}

// intakeLoop pulls scans from the source until the stream ends or the
// service stops. A registration cycle already underway keeps its snapshot;
// the new scan is simply the next cycle's input.
func (s *Service) intakeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		scan, err := s.deps.Scans.NextScan(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debugw("scan stream ended")
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("scan source error", "error", err)
			if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		s.ingestScan(scan)
	}
}

func (s *Service) ingestScan(scan Scan) {
	cloud := pointcloud.VoxelDownsample(scan.Cloud, s.cfg.ScanLeafSize)
	if cloud.Size() == 0 {
		s.logger.Debugw("skipping empty scan", "stamp", scan.Stamp)
		return
	}
	if err := pointcloud.EstimateCovariances(cloud, s.cfg.NumNeighbors, s.cfg.NumWorkers); err != nil {
		s.logger.Warnw("scan covariance estimation failed", "error", err)
		return
	}
	s.source.Store(&sourceScan{cloud: cloud, stamp: scan.Stamp})
}

func (s *Service) registerLoop(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.registerPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registerOnce()
		}
	}
}

// registerOnce aligns the current source snapshot against the target. The
// previously published pose seeds the solver; consecutive scans are close
// to each other, so the seed keeps per-cycle iteration counts low.
func (s *Service) registerOnce() {
	src := s.source.Load()
	if src == nil {
		return
	}
	guess := spatialmath.NewZeroPose()
	if last := s.published.Load(); last != nil {
		guess = last.pose
	}

	engine := registration.GICP{
		MaxDistSq: s.cfg.MaxDistSq,
		Workers:   s.cfg.NumWorkers,
	}
	res, err := engine.Align(s.targetCloud, s.targetTree, src.cloud, guess)
	if err != nil {
		s.logger.Errorw("registration rejected its inputs", "error", err)
		return
	}
	if !res.Converged {
		s.logger.Warnw("registration did not converge",
			"iterations", res.Iterations,
			"inliers", res.Inliers,
			"scan_stamp", src.stamp,
		)
		return
	}
	s.published.Store(&stampedPose{pose: res.Pose, stamp: src.stamp})
	s.logger.Debugw("registration converged",
		"iterations", res.Iterations,
		"inliers", res.Inliers,
		"error", res.Error,
		"mean_inlier_dist", res.MeanInlierDist,
		"median_inlier_dist", res.MedianInlierDist,
		"scan_stamp", src.stamp,
	)
}

func (s *Service) publishLoop(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.publishPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishOnce(ctx)
		}
	}
}

// publishOnce re-emits the last known-good transform. The stamp is the scan
// time of the registration that produced it, so consumers can judge
// staleness themselves.
func (s *Service) publishOnce(ctx context.Context) {
	last := s.published.Load()
	if last == nil {
		return
	}
	tf := Transform{
		Parent: s.cfg.MapFrame,
		Child:  s.cfg.OdomFrame,
		Pose:   last.pose,
		Stamp:  last.stamp,
	}
	if err := s.deps.Broadcast.SendTransform(ctx, tf); err != nil {
		s.logger.Warnw("transform broadcast failed", "error", err)
	}
}
