package l3epipolar

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mocap/internal/mocap"
)

// FitHomography fits x2 ~ H·x1 to at least four correspondences by
// normalised DLT. ok is false when the system is rank deficient.
func FitHomography(pts1, pts2 []r2.Point) (H mocap.Mat3, ok bool) {
	if len(pts1) < 4 || len(pts1) != len(pts2) {
		return mocap.Mat3{}, false
	}
	n1, T1 := normalizePoints(pts1)
	n2, T2 := normalizePoints(pts2)
	A := mat.NewDense(2*len(n1), 9, nil)
	for i := range n1 {
		x, y := n1[i].X, n1[i].Y
		u, v := n2[i].X, n2[i].Y
		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return mocap.Mat3{}, false
	}
	var V mat.Dense
	svd.VTo(&V)
	for i := 0; i < 9; i++ {
		H[i] = V.At(i, 8)
	}
	T2inv, err := invert(T2)
	if err != nil {
		return mocap.Mat3{}, false
	}
	H = T2inv.Mul(H).Mul(T1)
	if math.Abs(H[8]) > 1e-15 {
		H = H.Scale(1 / H[8])
	}
	return H, H.IsFinite()
}

// TransferError is the pixel distance between x2 and H·x1.
func TransferError(H mocap.Mat3, x1, x2 r2.Point) float64 {
	w := H[6]*x1.X + H[7]*x1.Y + H[8]
	if w == 0 {
		return math.Inf(1)
	}
	u := (H[0]*x1.X + H[1]*x1.Y + H[2]) / w
	v := (H[3]*x1.X + H[4]*x1.Y + H[5]) / w
	return math.Hypot(u-x2.X, v-x2.Y)
}

// homographyRatio returns the fraction of correspondences a single
// least-squares homography explains within threshold pixels. A ratio near 1
// means the scene is near-planar or the baseline is near zero, and F does
// not determine the pose.
func homographyRatio(pts1, pts2 []r2.Point, threshold float64) float64 {
	H, ok := FitHomography(pts1, pts2)
	if !ok {
		return 0
	}
	explained := 0
	for i := range pts1 {
		if TransferError(H, pts1[i], pts2[i]) <= threshold {
			explained++
		}
	}
	return float64(explained) / float64(len(pts1))
}
