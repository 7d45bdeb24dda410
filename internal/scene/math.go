package scene

import "math"

type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Scale(f float64) Vec3 { return Vec3{v.X * f, v.Y * f, v.Z * f} }

// Quat is a unit quaternion (W is the scalar part).
type Quat struct {
	X, Y, Z, W float64
}

var IdentityQuat = Quat{W: 1}

func axisAngle(axis Vec3, deg float64) Quat {
	half := deg * math.Pi / 360
	s := math.Sin(half)
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: math.Cos(half)}
}

// Mul returns q·r: r applied first, then q, in the parent frame; equivalently q
// then r as intrinsic rotations.
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	p := Quat{X: v.X, Y: v.Y, Z: v.Z}
	r := q.Mul(p).Mul(Quat{-q.X, -q.Y, -q.Z, q.W})
	return Vec3{r.X, r.Y, r.Z}
}

// FromEuler builds an orientation from Euler angles in degrees, applied
// intrinsically about X, then Y, then Z.
func FromEuler(e Vec3) Quat {
	qx := axisAngle(Vec3{X: 1}, e.X)
	qy := axisAngle(Vec3{Y: 1}, e.Y)
	qz := axisAngle(Vec3{Z: 1}, e.Z)
	return qx.Mul(qy).Mul(qz).Normalize()
}

// Euler is the inverse of FromEuler, in degrees. Angles come back in
// (-180, 180]; the Y angle is clamped to [-90, 90].
func (q Quat) Euler() Vec3 {
	// Rotation matrix of q = Rx·Ry·Rz; m02 = sin(y).
	m02 := 2 * (q.X*q.Z + q.W*q.Y)
	m12 := 2 * (q.Y*q.Z - q.W*q.X)
	m22 := 1 - 2*(q.X*q.X+q.Y*q.Y)
	m01 := 2 * (q.X*q.Y - q.W*q.Z)
	m00 := 1 - 2*(q.Y*q.Y+q.Z*q.Z)

	y := math.Asin(math.Max(-1, math.Min(1, m02)))
	var x, z float64
	if math.Abs(m02) < 0.9999999 {
		x = math.Atan2(-m12, m22)
		z = math.Atan2(-m01, m00)
	} else {
		// Gimbal lock: fold everything into X.
		m21 := 2 * (q.Y*q.Z + q.W*q.X)
		m11 := 1 - 2*(q.X*q.X+q.Z*q.Z)
		x = math.Atan2(m21, m11)
	}
	const toDeg = 180 / math.Pi
	return Vec3{x * toDeg, y * toDeg, z * toDeg}
}
