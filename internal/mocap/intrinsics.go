package mocap

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Intrinsics describes one camera's lens: the intrinsic matrix K, the
// Brown-Conrady distortion coefficients (k1, k2, p1, p2, k3; shorter
// prefixes allowed) and the quarter-turn image rotation applied by the
// mount. Width and Height are the sensor size before rotation and are only
// needed when Rotation is non-zero.
type Intrinsics struct {
	K          Mat3      `json:"intrinsic_matrix"`
	Distortion []float64 `json:"distortion_coef"`
	Rotation   int       `json:"rotation"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
}

func (in Intrinsics) Fx() float64 { return in.K[0] }
func (in Intrinsics) Fy() float64 { return in.K[4] }
func (in Intrinsics) Cx() float64 { return in.K[2] }
func (in Intrinsics) Cy() float64 { return in.K[5] }

// Validate checks that K is a usable pinhole matrix.
func (in Intrinsics) Validate() error {
	if !in.K.IsFinite() {
		return fmt.Errorf("intrinsic matrix has non-finite entries")
	}
	if in.Fx() <= 0 || in.Fy() <= 0 {
		return fmt.Errorf("focal lengths must be positive, got fx=%v fy=%v", in.Fx(), in.Fy())
	}
	if in.K[6] != 0 || in.K[7] != 0 || in.K[8] != 1 {
		return fmt.Errorf("intrinsic matrix bottom row must be [0 0 1]")
	}
	if len(in.Distortion) > 5 {
		return fmt.Errorf("at most 5 distortion coefficients supported, got %d", len(in.Distortion))
	}
	if _, err := quarterTurns(in.Rotation); err != nil {
		return err
	}
	if in.Rotation != 0 && (in.Width <= 0 || in.Height <= 0) {
		return fmt.Errorf("rotation %d requires width and height", in.Rotation)
	}
	return nil
}

// Project maps a reconstruction-frame point through pose into pixels. depth
// is the z coordinate in the camera frame.
func (in Intrinsics) Project(p Pose, X r3.Vector) (px r2.Point, depth float64) {
	c := p.Apply(X)
	h := in.K.MulVec(c)
	return r2.Point{X: h.X / h.Z, Y: h.Y / h.Z}, c.Z
}

// Normalize converts pixel coordinates to the ideal image plane.
func (in Intrinsics) Normalize(p r2.Point) r2.Point {
	y := (p.Y - in.Cy()) / in.Fy()
	x := (p.X - in.Cx() - in.K[1]*y) / in.Fx()
	return r2.Point{X: x, Y: y}
}

// Denormalize maps ideal image-plane coordinates back to pixels.
func (in Intrinsics) Denormalize(n r2.Point) r2.Point {
	return r2.Point{X: in.Fx()*n.X + in.K[1]*n.Y + in.Cx(), Y: in.Fy()*n.Y + in.Cy()}
}

func (in Intrinsics) coeffs() (k1, k2, p1, p2, k3 float64) {
	d := make([]float64, 5)
	copy(d, in.Distortion)
	return d[0], d[1], d[2], d[3], d[4]
}

func (in Intrinsics) hasDistortion() bool {
	for _, v := range in.Distortion {
		if v != 0 {
			return true
		}
	}
	return false
}

// distortNormalized applies the Brown-Conrady model on the ideal plane.
func (in Intrinsics) distortNormalized(n r2.Point) r2.Point {
	k1, k2, p1, p2, k3 := in.coeffs()
	r2v := n.X*n.X + n.Y*n.Y
	radial := 1 + k1*r2v + k2*r2v*r2v + k3*r2v*r2v*r2v
	return r2.Point{
		X: n.X*radial + 2*p1*n.X*n.Y + p2*(r2v+2*n.X*n.X),
		Y: n.Y*radial + p1*(r2v+2*n.Y*n.Y) + 2*p2*n.X*n.Y,
	}
}

// Distort maps an ideal pixel position to where the lens images it.
func (in Intrinsics) Distort(p r2.Point) r2.Point {
	if !in.hasDistortion() {
		return p
	}
	return in.Denormalize(in.distortNormalized(in.Normalize(p)))
}

const undistortIterations = 20

// Undistort inverts Distort by fixed-point iteration on the ideal plane.
func (in Intrinsics) Undistort(p r2.Point) r2.Point {
	if !in.hasDistortion() {
		return p
	}
	k1, k2, p1, p2, k3 := in.coeffs()
	d := in.Normalize(p)
	u := d
	for i := 0; i < undistortIterations; i++ {
		r2v := u.X*u.X + u.Y*u.Y
		radial := 1 + k1*r2v + k2*r2v*r2v + k3*r2v*r2v*r2v
		if radial == 0 || math.IsNaN(radial) {
			break
		}
		dx := 2*p1*u.X*u.Y + p2*(r2v+2*u.X*u.X)
		dy := p1*(r2v+2*u.Y*u.Y) + 2*p2*u.X*u.Y
		next := r2.Point{X: (d.X - dx) / radial, Y: (d.Y - dy) / radial}
		if next.Sub(u).Norm() < 1e-12 {
			u = next
			break
		}
		u = next
	}
	return in.Denormalize(u)
}

// quarterTurns accepts either a quarter-turn count (0-3) or degrees
// (90, 180, 270).
func quarterTurns(rotation int) (int, error) {
	switch rotation {
	case 0, 1, 2, 3:
		return rotation, nil
	case 90, 180, 270:
		return rotation / 90, nil
	}
	return 0, fmt.Errorf("unsupported rotation %d", rotation)
}

// RotateDetection maps a detection from raw sensor coordinates into the
// rotated image the intrinsics were calibrated on. Rotation is
// counter-clockwise, one quarter turn per step.
func (in Intrinsics) RotateDetection(p r2.Point) r2.Point {
	k, err := quarterTurns(in.Rotation)
	if err != nil || k == 0 {
		return p
	}
	w, h := float64(in.Width-1), float64(in.Height-1)
	switch k {
	case 1:
		return r2.Point{X: p.Y, Y: w - p.X}
	case 2:
		return r2.Point{X: w - p.X, Y: h - p.Y}
	default:
		return r2.Point{X: h - p.Y, Y: p.X}
	}
}

// UnrotateDetection is the inverse of RotateDetection.
func (in Intrinsics) UnrotateDetection(p r2.Point) r2.Point {
	k, err := quarterTurns(in.Rotation)
	if err != nil || k == 0 {
		return p
	}
	w, h := float64(in.Width-1), float64(in.Height-1)
	switch k {
	case 1:
		return r2.Point{X: w - p.Y, Y: p.X}
	case 2:
		return r2.Point{X: w - p.X, Y: h - p.Y}
	default:
		return r2.Point{X: p.Y, Y: h - p.X}
	}
}

// maxParamsFileSize bounds the intrinsics file read.
const maxParamsFileSize = 1 << 20

type paramsFileEntry struct {
	IntrinsicMatrix [][]float64 `json:"intrinsic_matrix"`
	DistortionCoef  [][]float64 `json:"distortion_coef"`
	Rotation        int         `json:"rotation"`
	Width           int         `json:"width,omitempty"`
	Height          int         `json:"height,omitempty"`
}

// LoadIntrinsics reads a camera-params.json file: a JSON array with one
// object per camera holding intrinsic_matrix (3x3), distortion_coef (a
// single row) and rotation.
func LoadIntrinsics(path string) ([]Intrinsics, error) {
	if ext := filepath.Ext(path); ext != ".json" {
		return nil, fmt.Errorf("camera params file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat camera params file: %w", err)
	}
	if info.Size() > maxParamsFileSize {
		return nil, fmt.Errorf("camera params file too large: %d bytes (max %d)", info.Size(), maxParamsFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read camera params file: %w", err)
	}
	intr, err := ParseIntrinsics(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	diagf("loaded intrinsics for %d cameras from %s", len(intr), path)
	return intr, nil
}

// ParseIntrinsics decodes the camera-params.json document.
func ParseIntrinsics(data []byte) ([]Intrinsics, error) {
	var entries []paramsFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse camera params: %w", err)
	}
	if len(entries) < 2 {
		return nil, fmt.Errorf("need at least 2 cameras, got %d", len(entries))
	}
	out := make([]Intrinsics, len(entries))
	for i, e := range entries {
		if len(e.IntrinsicMatrix) != 3 {
			return nil, fmt.Errorf("camera %d: intrinsic_matrix must have 3 rows", i)
		}
		var in Intrinsics
		for r, row := range e.IntrinsicMatrix {
			if len(row) != 3 {
				return nil, fmt.Errorf("camera %d: intrinsic_matrix row %d must have 3 columns", i, r)
			}
			copy(in.K[r*3:r*3+3], row)
		}
		for _, row := range e.DistortionCoef {
			in.Distortion = append(in.Distortion, row...)
		}
		in.Rotation = e.Rotation
		in.Width = e.Width
		in.Height = e.Height
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		out[i] = in
	}
	return out, nil
}
