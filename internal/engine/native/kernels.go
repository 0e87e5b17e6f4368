package native

import (
	"math"

	"github.com/percept-ml/percept/internal/parallel"
)

// Float32 compute kernels for the layer executor. Shapes are validated by
// the executor before dispatch; kernels assume well-formed inputs.

// matmul computes C[i,j] = sum_k A[i,k] * B[k,j] for row-major buffers.
func matmul(c, a, b []float32, m, k, n int) {
	for i := range c {
		c[i] = 0
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := float32(0)
			for kk := 0; kk < k; kk++ {
				sum += a[i*k+kk] * b[kk*n+j]
			}
			c[i*n+j] = sum
		}
	}
}

// conv2d performs direct 2D convolution.
//
// Input: [N, C_in, H, W], kernel: [C_out, C_in, K_h, K_w], bias: [C_out] or
// nil, output: [N, C_out, H_out, W_out]. Rows are parallelized per
// (batch, out-channel) pair.
func conv2d(out, in, kernel, bias []float32,
	n, cIn, h, w, cOut, kh, kw, hOut, wOut, stride, padding int, cfg parallel.Config) {

	parallel.ForBatch(n, cOut, func(b, oc int) {
		outBase := (b*cOut + oc) * hOut * wOut
		for oy := 0; oy < hOut; oy++ {
			for ox := 0; ox < wOut; ox++ {
				sum := float32(0)
				if bias != nil {
					sum = bias[oc]
				}
				for ic := 0; ic < cIn; ic++ {
					inBase := (b*cIn + ic) * h * w
					kBase := ((oc*cIn + ic) * kh) * kw
					for ky := 0; ky < kh; ky++ {
						iy := oy*stride - padding + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*stride - padding + kx
							if ix < 0 || ix >= w {
								continue
							}
							sum += in[inBase+iy*w+ix] * kernel[kBase+ky*kw+kx]
						}
					}
				}
				out[outBase+oy*wOut+ox] = sum
			}
		}
	}, cfg)
}

// maxpool2d performs 2D max pooling over [N, C, H, W].
func maxpool2d(out, in []float32, n, c, h, w, kernel, stride, hOut, wOut int, cfg parallel.Config) {
	parallel.ForBatch(n, c, func(b, ch int) {
		inBase := (b*c + ch) * h * w
		outBase := (b*c + ch) * hOut * wOut
		for oy := 0; oy < hOut; oy++ {
			for ox := 0; ox < wOut; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < kernel; ky++ {
					iy := oy*stride + ky
					if iy >= h {
						break
					}
					for kx := 0; kx < kernel; kx++ {
						ix := ox*stride + kx
						if ix >= w {
							break
						}
						if v := in[inBase+iy*w+ix]; v > best {
							best = v
						}
					}
				}
				out[outBase+oy*wOut+ox] = best
			}
		}
	}, cfg)
}

// relu applies max(0, x) in place.
func relu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// softmaxRows applies a numerically stable softmax to each row of an
// [rows, cols] buffer in place.
func softmaxRows(x []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]

		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}

		sum := float32(0)
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxv)))
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

// addBiasRows adds bias[j] to every row of an [rows, cols] buffer in place.
func addBiasRows(x, bias []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		for j := range row {
			row[j] += bias[j]
		}
	}
}
