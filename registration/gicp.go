// Package registration aligns a source cloud onto a target cloud with
// generalized ICP: a covariance-weighted point correspondence error
// minimized by damped Gauss-Newton steps on SE(3).
package registration

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mapanchor/relocalize/pointcloud"
	"github.com/mapanchor/relocalize/spatialmath"
	"github.com/mapanchor/relocalize/utils"
)

// Defaults applied to GICP fields left zero.
const (
	DefaultMaxIterations      = 20
	DefaultRotationEps        = 0.1 * math.Pi / 180
	DefaultTranslationEps     = 1e-3
	DefaultMinCorrespondences = 10
	DefaultLambda             = 1e-6
)

// GICP aligns clouds. The zero value is usable once MaxDistSq is set; every
// other field falls back to the package defaults.
type GICP struct {
	// MaxIterations caps the Gauss-Newton iterations of one Align call.
	MaxIterations int
	// RotationEps (radians) and TranslationEps bound the solver increment
	// below which an iteration counts as converged. Both must hold.
	RotationEps    float64
	TranslationEps float64
	// MaxDistSq is the squared distance beyond which a candidate
	// correspondence is discarded. Required.
	MaxDistSq float64
	// MinCorrespondences is the fewest surviving pairs an iteration may
	// solve on.
	MinCorrespondences int
	// Lambda dampens the normal equations' diagonal.
	Lambda float64
	// Workers fans the per-point linearization out over goroutines;
	// non-positive means GOMAXPROCS.
	Workers int
}

// Result reports one Align run. A false Converged with a nil error is the
// recoverable verdict: the estimate simply did not settle.
type Result struct {
	Pose       spatialmath.Pose
	Converged  bool
	Iterations int
	// Inliers counts the correspondences used by the last iteration.
	Inliers int
	// Error is the last weighted residual sum; ErrorHistory holds one entry
	// per iteration.
	Error        float64
	ErrorHistory []float64
	// MeanInlierDist and MedianInlierDist summarize the correspondence
	// distances at the final pose.
	MeanInlierDist   float64
	MedianInlierDist float64
}

func (g GICP) withDefaults() GICP {
	if g.MaxIterations <= 0 {
		g.MaxIterations = DefaultMaxIterations
	}
	if g.RotationEps <= 0 {
		g.RotationEps = DefaultRotationEps
	}
	if g.TranslationEps <= 0 {
		g.TranslationEps = DefaultTranslationEps
	}
	if g.MinCorrespondences <= 0 {
		g.MinCorrespondences = DefaultMinCorrespondences
	}
	if g.Lambda <= 0 {
		g.Lambda = DefaultLambda
	}
	return g
}

// Align estimates the pose mapping source points onto the target, starting
// from guess. The target index must be built over the target cloud, and
// both clouds must carry covariances. The returned error marks misuse;
// registration trouble (too few correspondences, a singular system, running
// out of iterations) comes back as Converged=false instead.
func (g GICP) Align(
	target *pointcloud.Cloud,
	targetTree *pointcloud.KDTree,
	source *pointcloud.Cloud,
	guess spatialmath.Pose,
) (Result, error) {
	cfg := g.withDefaults()
	if cfg.MaxDistSq <= 0 {
		return Result{}, errors.New("max correspondence distance must be positive")
	}
	if targetTree == nil {
		return Result{}, errors.New("target index is required")
	}
	if !target.HasCovariances() {
		return Result{}, errors.New("target cloud has no covariances")
	}
	if !source.HasCovariances() {
		return Result{}, errors.New("source cloud has no covariances")
	}

	res := Result{Pose: guess}
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		eqs := cfg.linearize(target, targetTree, source, res.Pose)
		res.Iterations = iter + 1
		res.Inliers = eqs.n
		res.Error = eqs.e
		res.ErrorHistory = append(res.ErrorHistory, eqs.e)

		if eqs.n < cfg.MinCorrespondences {
			break
		}
		delta, ok := solveNormalEqs(&eqs, cfg.Lambda)
		if !ok {
			break
		}

		rotMag := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
		transMag := math.Sqrt(delta[3]*delta[3] + delta[4]*delta[4] + delta[5]*delta[5])
		converged := rotMag < cfg.RotationEps && transMag < cfg.TranslationEps
		res.Pose = res.Pose.Compose(spatialmath.Exp(delta))
		if converged {
			res.Converged = true
			break
		}
	}

	cfg.attachDistanceStats(&res, targetTree, source)
	return res, nil
}

// normalEqs accumulates the 6x6 Gauss-Newton system H*delta = -b along with
// the weighted error and correspondence count.
type normalEqs struct {
	h [36]float64
	b [6]float64
	e float64
	n int
}

func (a *normalEqs) merge(o *normalEqs) {
	for i := range a.h {
		a.h[i] += o.h[i]
	}
	for i := range a.b {
		a.b[i] += o.b[i]
	}
	a.e += o.e
	a.n += o.n
}

// linearize builds the normal equations at the given pose. For each source
// point p with covariance Cs matched to target point q with covariance Ct,
// the residual r = q - T*p is weighted by M = (Ct + R*Cs*Rt)^-1 and the
// Jacobian blocks are J = [R*skew(p) | -R].
func (g GICP) linearize(
	target *pointcloud.Cloud,
	tree *pointcloud.KDTree,
	source *pointcloud.Cloud,
	pose spatialmath.Pose,
) normalEqs {
	rot := pose.RotationMatrix()
	rotT := rot.Transpose()
	negRot := rot.Mul(-1)
	trans := spatialmath.ToVec3(pose.Translation())

	var groups []normalEqs
	utils.GroupWorkParallel(g.Workers, source.Size(),
		func(numGroups int) {
			groups = make([]normalEqs, numGroups)
		},
		func(groupNum, workNum int) {
			p := source.Points[workNum]
			moved := rot.Mul3x1(spatialmath.ToVec3(p)).Add(trans)
			ti, _, ok := tree.Nearest(spatialmath.ToR3(moved), g.MaxDistSq)
			if !ok {
				return
			}

			combined := target.Covariances[ti].Add(rot.Mul3(source.Covariances[workNum]).Mul3(rotT))
			weight := combined.Inv()
			resid := spatialmath.ToVec3(target.Points[ti]).Sub(moved)

			ja := rot.Mul3(spatialmath.Skew(p))
			accumulate(&groups[groupNum], ja, negRot, weight, resid)
		},
		nil,
	)

	var total normalEqs
	for i := range groups {
		total.merge(&groups[i])
	}
	return total
}

func accumulate(acc *normalEqs, ja, jb, weight mgl64.Mat3, resid mgl64.Vec3) {
	wa := weight.Mul3(ja)
	wb := weight.Mul3(jb)
	jat := ja.Transpose()
	jbt := jb.Transpose()

	atwa := jat.Mul3(wa)
	atwb := jat.Mul3(wb)
	btwb := jbt.Mul3(wb)

	wr := weight.Mul3x1(resid)
	ba := jat.Mul3x1(wr)
	bb := jbt.Mul3x1(wr)

	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			acc.h[r*6+c] += atwa.At(r, c)
			acc.h[r*6+c+3] += atwb.At(r, c)
			acc.h[(r+3)*6+c] += atwb.At(c, r)
			acc.h[(r+3)*6+c+3] += btwb.At(r, c)
		}
	}
	for i := 0; i < 3; i++ {
		acc.b[i] += ba[i]
		acc.b[i+3] += bb[i]
	}
	acc.e += 0.5 * resid.Dot(wr)
	acc.n++
}

// solveNormalEqs solves (H + lambda*I) delta = -b by Cholesky
// factorization. ok is false when the damped system is not positive
// definite.
func solveNormalEqs(eqs *normalEqs, lambda float64) ([6]float64, bool) {
	damped := eqs.h
	for i := 0; i < 6; i++ {
		damped[i*6+i] += lambda
	}
	sym := mat.NewSymDense(6, damped[:])
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return [6]float64{}, false
	}

	rhs := mat.NewVecDense(6, []float64{
		-eqs.b[0], -eqs.b[1], -eqs.b[2], -eqs.b[3], -eqs.b[4], -eqs.b[5],
	})
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		return [6]float64{}, false
	}

	var delta [6]float64
	for i := range delta {
		delta[i] = x.AtVec(i)
	}
	return delta, true
}

// attachDistanceStats records the mean and median correspondence distances
// at the final pose.
func (g GICP) attachDistanceStats(res *Result, tree *pointcloud.KDTree, source *pointcloud.Cloud) {
	rot := res.Pose.RotationMatrix()
	trans := spatialmath.ToVec3(res.Pose.Translation())

	var groups [][]float64
	utils.GroupWorkParallel(g.Workers, source.Size(),
		func(numGroups int) {
			groups = make([][]float64, numGroups)
		},
		func(groupNum, workNum int) {
			moved := rot.Mul3x1(spatialmath.ToVec3(source.Points[workNum])).Add(trans)
			if _, d2, ok := tree.Nearest(spatialmath.ToR3(moved), g.MaxDistSq); ok {
				groups[groupNum] = append(groups[groupNum], math.Sqrt(d2))
			}
		},
		nil,
	)

	var dists []float64
	for _, grp := range groups {
		dists = append(dists, grp...)
	}
	if len(dists) == 0 {
		return
	}
	if m, err := stats.Mean(dists); err == nil {
		res.MeanInlierDist = m
	}
	if m, err := stats.Median(dists); err == nil {
		res.MedianInlierDist = m
	}
}
