// Package pointcloud implements the dense point containers, filters,
// spatial index, and file formats used for scan-to-map registration.
package pointcloud

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// A Cloud is a dense, ordered collection of points, optionally carrying one
// covariance per point once EstimateCovariances has run. The slices are
// exported for the registration inner loops; treat a cloud as frozen once
// it has been indexed.
type Cloud struct {
	Points      []r3.Vector
	Covariances []mgl64.Mat3
}

// New returns an empty cloud.
func New() *Cloud {
	return &Cloud{}
}

// NewWithPrealloc returns an empty cloud with capacity for n points.
func NewWithPrealloc(n int) *Cloud {
	return &Cloud{Points: make([]r3.Vector, 0, n)}
}

// Size returns the number of points in the cloud.
func (c *Cloud) Size() int {
	return len(c.Points)
}

// Append adds a point to the end of the cloud.
func (c *Cloud) Append(p r3.Vector) {
	c.Points = append(c.Points, p)
}

// HasCovariances reports whether every point carries a covariance.
func (c *Cloud) HasCovariances() bool {
	return len(c.Covariances) == len(c.Points)
}

// Clone deep-copies the cloud, covariances included.
func (c *Cloud) Clone() *Cloud {
	out := &Cloud{Points: make([]r3.Vector, len(c.Points))}
	copy(out.Points, c.Points)
	if c.Covariances != nil {
		out.Covariances = make([]mgl64.Mat3, len(c.Covariances))
		copy(out.Covariances, c.Covariances)
	}
	return out
}

// Bounds returns the axis-aligned bounding corners of the cloud. ok is
// false when the cloud is empty.
func (c *Cloud) Bounds() (minCorner, maxCorner r3.Vector, ok bool) {
	if len(c.Points) == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	minCorner, maxCorner = c.Points[0], c.Points[0]
	for _, p := range c.Points[1:] {
		minCorner.X = min(minCorner.X, p.X)
		minCorner.Y = min(minCorner.Y, p.Y)
		minCorner.Z = min(minCorner.Z, p.Z)
		maxCorner.X = max(maxCorner.X, p.X)
		maxCorner.Y = max(maxCorner.Y, p.Y)
		maxCorner.Z = max(maxCorner.Z, p.Z)
	}
	return minCorner, maxCorner, true
}
