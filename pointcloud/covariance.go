package pointcloud

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mapanchor/relocalize/utils"
)

// Regularized eigenvalues of every estimated covariance: near-zero
// thickness along the surface normal, full spread within the local plane.
var planeEigenvalues = [3]float64{1e-3, 1, 1}

// EstimateCovariances attaches a plane-regularized neighborhood covariance
// to every point, the shape generalized ICP weights residuals with. Each
// point's k nearest neighbors (the point itself included at distance zero)
// define a sample covariance whose eigenvalues are snapped to
// planeEigenvalues. Neighborhoods of fewer than three points fall back to
// the identity covariance rather than failing. Per-point work is split
// across workers goroutines.
func EstimateCovariances(c *Cloud, k, workers int) error {
	if k < 3 {
		return errors.Errorf("covariance estimation needs k >= 3, got %d", k)
	}
	n := c.Size()
	c.Covariances = make([]mgl64.Mat3, n)
	if n == 0 {
		return nil
	}

	tree := BuildKDTree(c)
	var bufs [][]Neighbor
	utils.GroupWorkParallel(workers, n,
		func(numGroups int) {
			bufs = make([][]Neighbor, numGroups)
		},
		func(groupNum, workNum int) {
			nbrs := tree.KNearest(c.Points[workNum], k, bufs[groupNum])
			bufs[groupNum] = nbrs
			c.Covariances[workNum] = neighborhoodCovariance(c.Points, nbrs)
		},
		nil,
	)
	return nil
}

func neighborhoodCovariance(points []r3.Vector, nbrs []Neighbor) mgl64.Mat3 {
	if len(nbrs) < 3 {
		return mgl64.Ident3()
	}

	var mean r3.Vector
	for _, nb := range nbrs {
		mean = mean.Add(points[nb.Index])
	}
	mean = mean.Mul(1 / float64(len(nbrs)))

	var xx, xy, xz, yy, yz, zz float64
	for _, nb := range nbrs {
		d := points[nb.Index].Sub(mean)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	inv := 1 / float64(len(nbrs))
	return regularizeCovariance(xx*inv, xy*inv, xz*inv, yy*inv, yz*inv, zz*inv)
}

// regularizeCovariance rebuilds a sample covariance with its eigenvalues
// snapped to planeEigenvalues, keeping the eigenvectors. Gonum returns the
// eigenvalues in ascending order, so the first column is the direction of
// least spread: the surface normal.
func regularizeCovariance(xx, xy, xz, yy, yz, zz float64) mgl64.Mat3 {
	sym := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return mgl64.Ident3()
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var evec mgl64.Mat3
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			evec[col*3+row] = vecs.At(row, col)
		}
	}
	diag := mgl64.Diag3(mgl64.Vec3{planeEigenvalues[0], planeEigenvalues[1], planeEigenvalues[2]})
	return evec.Mul3(diag).Mul3(evec.Transpose())
}
