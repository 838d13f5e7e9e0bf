package analysis

import (
	"image"
	"image/color"

	"sharpctl/internal/model"

	"gocv.io/x/gocv"
)

// Sharpness scores the focus quality of a single decoded frame. It is a pure
// function of the pixel data: no side effects, deterministic for identical
// input. Color frames are converted to grayscale internally.
func Sharpness(frame gocv.Mat, algo model.Algorithm) float64 {
	gray := frame
	if frame.Channels() == 3 {
		g := gocv.NewMat()
		defer g.Close()
		gocv.CvtColor(frame, &g, gocv.ColorBGRToGray)
		gray = g
	}

	if algo == model.AlgorithmLaplacian {
		return laplacianVariance(gray)
	}
	return spectralEnergy(gray)
}

// laplacianVariance returns the variance of the Laplacian response. More
// high-frequency edge energy means a larger variance and a sharper frame.
func laplacianVariance(gray gocv.Mat) float64 {
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	_, stddev := lap.MeanStdDev()
	return stddev.Val1 * stddev.Val1
}

// spectralEnergy approximates total high-frequency energy: DFT magnitude,
// DC shifted to the center, low frequencies suppressed by a central disk of
// radius min(cx, cy)/3, remainder summed and normalized by the pre-padding
// pixel count.
func spectralEnergy(gray gocv.Mat) float64 {
	rows, cols := gray.Rows(), gray.Cols()

	m := gocv.GetOptimalDFTSize(rows)
	n := gocv.GetOptimalDFTSize(cols)
	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(gray, &padded, 0, m-rows, 0, n-cols, gocv.BorderConstant, color.RGBA{})

	realPlane := gocv.NewMat()
	defer realPlane.Close()
	padded.ConvertTo(&realPlane, gocv.MatTypeCV32F)
	imagPlane := gocv.Zeros(m, n, gocv.MatTypeCV32F)
	defer imagPlane.Close()

	complexImg := gocv.NewMat()
	defer complexImg.Close()
	gocv.Merge([]gocv.Mat{realPlane, imagPlane}, &complexImg)
	gocv.DFT(complexImg, &complexImg, gocv.DftForward)

	planes := gocv.Split(complexImg)
	defer planes[0].Close()
	defer planes[1].Close()
	mag := gocv.NewMat()
	defer mag.Close()
	gocv.Magnitude(planes[0], planes[1], &mag)

	shiftQuadrants(mag)

	cx, cy := mag.Cols()/2, mag.Rows()/2
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), mag.Rows(), mag.Cols(), gocv.MatTypeCV32F)
	defer mask.Close()
	radius := min(cx, cy) / 3
	gocv.Circle(&mask, image.Pt(cx, cy), radius, color.RGBA{}, -1)

	high := gocv.NewMat()
	defer high.Close()
	gocv.Multiply(mag, mask, &high)

	return high.Sum().Val1 / float64(rows*cols)
}

// shiftQuadrants swaps the magnitude quadrants diagonally so the
// zero-frequency component sits at the center.
func shiftQuadrants(mag gocv.Mat) {
	cx, cy := mag.Cols()/2, mag.Rows()/2

	q0 := mag.Region(image.Rect(0, 0, cx, cy))
	defer q0.Close()
	q1 := mag.Region(image.Rect(cx, 0, 2*cx, cy))
	defer q1.Close()
	q2 := mag.Region(image.Rect(0, cy, cx, 2*cy))
	defer q2.Close()
	q3 := mag.Region(image.Rect(cx, cy, 2*cx, 2*cy))
	defer q3.Close()

	tmp := gocv.NewMat()
	defer tmp.Close()
	q0.CopyTo(&tmp)
	q3.CopyTo(&q0)
	tmp.CopyTo(&q3)
	q1.CopyTo(&tmp)
	q2.CopyTo(&q1)
	tmp.CopyTo(&q2)
}
