package tracker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"speedcam-service/internal/domain/traffic"
)

// stateDim is [x1, y1, x2, y2, vx1, vy1, vx2, vy2]: bounding-box corners
// plus their velocities under a constant-velocity motion model.
const (
	stateDim = 8
	measDim  = 4
)

// boxKalman is an 8-state constant-velocity Kalman filter over box corners.
type boxKalman struct {
	x *mat.VecDense // state
	p *mat.Dense    // covariance

	f *mat.Dense // transition
	h *mat.Dense // measurement
	q *mat.Dense // process noise
	r *mat.Dense // measurement noise
}

func newBoxKalman(box traffic.BBox) *boxKalman {
	kf := &boxKalman{
		x: mat.NewVecDense(stateDim, nil),
		p: mat.NewDense(stateDim, stateDim, nil),
		f: mat.NewDense(stateDim, stateDim, nil),
		h: mat.NewDense(measDim, stateDim, nil),
		q: mat.NewDense(stateDim, stateDim, nil),
		r: mat.NewDense(measDim, measDim, nil),
	}

	kf.x.SetVec(0, box.X1)
	kf.x.SetVec(1, box.Y1)
	kf.x.SetVec(2, box.X2)
	kf.x.SetVec(3, box.Y2)

	for i := 0; i < stateDim; i++ {
		kf.f.Set(i, i, 1)
		if i < measDim {
			// corner position advances by its velocity each frame
			kf.f.Set(i, i+measDim, 1)
			kf.h.Set(i, i, 1)
			kf.q.Set(i, i, 0.15)
			kf.r.Set(i, i, 0.8)
			kf.p.Set(i, i, 10)
		} else {
			kf.q.Set(i, i, 0.05)
			kf.p.Set(i, i, 5000)
		}
	}
	return kf
}

// predict advances the state one frame: x = Fx, P = FPF' + Q.
func (kf *boxKalman) predict() {
	var x mat.VecDense
	x.MulVec(kf.f, kf.x)
	kf.x.CopyVec(&x)

	var fp, fpft mat.Dense
	fp.Mul(kf.f, kf.p)
	fpft.Mul(&fp, kf.f.T())
	fpft.Add(&fpft, kf.q)
	kf.p.Copy(&fpft)
}

// correct absorbs a measured box into the state.
func (kf *boxKalman) correct(box traffic.BBox) error {
	z := mat.NewVecDense(measDim, []float64{box.X1, box.Y1, box.X2, box.Y2})

	// innovation y = z - Hx
	var hx, y mat.VecDense
	hx.MulVec(kf.h, kf.x)
	y.SubVec(z, &hx)

	// S = HPH' + R
	var hp, s mat.Dense
	hp.Mul(kf.h, kf.p)
	s.Mul(&hp, kf.h.T())
	s.Add(&s, kf.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("innovation covariance not invertible: %w", err)
	}

	// K = PH'S^-1
	var pht, k mat.Dense
	pht.Mul(kf.p, kf.h.T())
	k.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, &y)
	kf.x.AddVec(kf.x, &ky)

	// P = (I - KH)P
	var kh mat.Dense
	kh.Mul(&k, kf.h)
	ikh := identity(stateDim)
	ikh.Sub(ikh, &kh)
	var p mat.Dense
	p.Mul(ikh, kf.p)
	kf.p.Copy(&p)
	return nil
}

// forceState snaps the positional state to a measured box, keeping velocity.
// Used when the detection diverges far from the prediction and the detection
// is trusted over the smoothed state.
func (kf *boxKalman) forceState(box traffic.BBox) {
	kf.x.SetVec(0, box.X1)
	kf.x.SetVec(1, box.Y1)
	kf.x.SetVec(2, box.X2)
	kf.x.SetVec(3, box.Y2)
}

// box returns the positional part of the state.
func (kf *boxKalman) box() traffic.BBox {
	return traffic.BBox{
		X1: kf.x.AtVec(0),
		Y1: kf.x.AtVec(1),
		X2: kf.x.AtVec(2),
		Y2: kf.x.AtVec(3),
	}
}

// healthy reports whether the state is numerically usable.
func (kf *boxKalman) healthy() bool {
	for i := 0; i < stateDim; i++ {
		if v := kf.x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
