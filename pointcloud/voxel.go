package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// voxelCoords identifies one cell of the downsampling grid.
type voxelCoords struct {
	i, j, k int64
}

type voxelBucket struct {
	sum   r3.Vector
	count int
	order int
}

// VoxelDownsample reduces a cloud to one centroid per occupied cell of an
// axis-aligned grid with edge length leaf. Cells are keyed by
// floor(coordinate/leaf), so the grid is anchored at the origin rather than
// the cloud's minimum corner. Output order follows the first input point
// seen in each cell, making the result deterministic for a fixed input.
// Covariances are never carried over; a non-positive leaf returns a plain
// copy of the points.
func VoxelDownsample(c *Cloud, leaf float64) *Cloud {
	out := New()
	if c.Size() == 0 {
		return out
	}
	if leaf <= 0 {
		out.Points = append(make([]r3.Vector, 0, c.Size()), c.Points...)
		return out
	}

	buckets := make(map[voxelCoords]*voxelBucket, c.Size()/4+1)
	next := 0
	for _, p := range c.Points {
		key := voxelCoords{
			i: int64(math.Floor(p.X / leaf)),
			j: int64(math.Floor(p.Y / leaf)),
			k: int64(math.Floor(p.Z / leaf)),
		}
		b, ok := buckets[key]
		if !ok {
			b = &voxelBucket{order: next}
			next++
			buckets[key] = b
		}
		b.sum = b.sum.Add(p)
		b.count++
	}

	out.Points = make([]r3.Vector, len(buckets))
	for _, b := range buckets {
		out.Points[b.order] = b.sum.Mul(1 / float64(b.count))
	}
	return out
}
