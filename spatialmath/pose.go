// Package spatialmath defines the rigid transform math used by the
// relocalization pipeline: quaternion poses, skew matrices, and the se(3)
// exponential map that turns solver increments into pose updates.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// A Pose is a rigid transform in SE(3): a rotation followed by a translation.
// The zero value is not a usable Pose; start from NewZeroPose or NewPose.
type Pose struct {
	rot   quat.Number
	trans r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{rot: quat.Number{Real: 1}}
}

// NewPose returns the pose with the given translation and rotation. The
// rotation is normalized; a zero quaternion is treated as no rotation.
func NewPose(trans r3.Vector, rot quat.Number) Pose {
	return Pose{rot: Normalize(rot), trans: trans}
}

// Rotation returns the pose's unit rotation quaternion.
func (p Pose) Rotation() quat.Number {
	return p.rot
}

// Translation returns the pose's translation component.
func (p Pose) Translation() r3.Vector {
	return p.trans
}

// RotationMatrix expands the rotation quaternion into a 3x3 matrix, the form
// the registration inner loop wants.
func (p Pose) RotationMatrix() mgl64.Mat3 {
	w, x, y, z := p.rot.Real, p.rot.Imag, p.rot.Jmag, p.rot.Kmag
	// mgl64 matrices are column major.
	return mgl64.Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y + w*z), 2 * (x*z - w*y),
		2 * (x*y - w*z), 1 - 2*(x*x+z*z), 2 * (y*z + w*x),
		2 * (x*z + w*y), 2 * (y*z - w*x), 1 - 2*(x*x+y*y),
	}
}

// TransformPoint applies the pose to a point.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return rotateVector(p.rot, pt).Add(p.trans)
}

// Compose returns the pose equivalent to applying o first and then p.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		rot:   Normalize(quat.Mul(p.rot, o.rot)),
		trans: p.TransformPoint(o.trans),
	}
}

// Invert returns the pose q such that p.Compose(q) is the identity.
func (p Pose) Invert() Pose {
	inv := quat.Conj(p.rot)
	return Pose{
		rot:   inv,
		trans: rotateVector(inv, p.trans).Mul(-1),
	}
}

// Exp maps an se(3) twist onto a Pose. The first three components of xi are
// the rotation part and the last three the translation part, matching the
// increment layout of the registration solver.
func Exp(xi [6]float64) Pose {
	omega := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	v := mgl64.Vec3{xi[3], xi[4], xi[5]}

	theta2 := omega.Dot(omega)
	theta := math.Sqrt(theta2)

	var rot quat.Number
	if theta < 1e-9 {
		rot = Normalize(quat.Number{Real: 1, Imag: omega.X / 2, Jmag: omega.Y / 2, Kmag: omega.Z / 2})
	} else {
		s := math.Sin(theta/2) / theta
		rot = quat.Number{Real: math.Cos(theta / 2), Imag: omega.X * s, Jmag: omega.Y * s, Kmag: omega.Z * s}
	}

	skew := Skew(omega)
	skew2 := skew.Mul3(skew)
	ident := mgl64.Ident3()
	var lv mgl64.Mat3
	if theta < 1e-5 {
		// Series expansion keeps the map smooth through zero.
		lv = ident.Add(skew.Mul(0.5)).Add(skew2.Mul(1.0 / 6.0))
	} else {
		lv = ident.Add(skew.Mul((1 - math.Cos(theta)) / theta2)).
			Add(skew2.Mul((theta - math.Sin(theta)) / (theta2 * theta)))
	}
	return Pose{rot: rot, trans: ToR3(lv.Mul3x1(v))}
}

// Skew returns the cross-product matrix of v, so Skew(v).Mul3x1(u) == v x u.
func Skew(v r3.Vector) mgl64.Mat3 {
	return mgl64.Mat3{
		0, v.Z, -v.Y,
		-v.Z, 0, v.X,
		v.Y, -v.X, 0,
	}
}

// Norm returns the norm of the imaginary part of a quaternion.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Normalize scales a quaternion to unit length. A zero quaternion becomes
// the identity rotation rather than NaN.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// QuatFromAxisAngle returns the unit quaternion rotating by theta radians
// about the given axis. A zero axis yields the identity rotation.
func QuatFromAxisAngle(axis r3.Vector, theta float64) quat.Number {
	n := axis.Norm()
	if n == 0 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(theta/2) / n
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// AngleBetween returns the magnitude in radians of the rotation taking a to b.
func AngleBetween(a, b quat.Number) float64 {
	d := quat.Mul(b, quat.Conj(a))
	return 2 * math.Atan2(Norm(d), math.Abs(d.Real))
}

// Delta returns the rotation angle (radians) and translation distance
// separating two poses.
func Delta(a, b Pose) (float64, float64) {
	return AngleBetween(a.rot, b.rot), a.trans.Sub(b.trans).Norm()
}

// ToVec3 converts an r3 vector to its mgl64 form.
func ToVec3(v r3.Vector) mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}

// ToR3 converts an mgl64 vector back to an r3 vector.
func ToR3(v mgl64.Vec3) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}
