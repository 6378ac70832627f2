package tensor

import "fmt"

// ResizeBilinear resizes an NCHW Float32 batch to (height, width) using the
// asymmetric coordinate transform: src = dst * in / out.
func ResizeBilinear(t *Tensor, height, width int) (*Tensor, error) {
	if t.DType != Float32 || len(t.Shape) != 4 {
		return nil, fmt.Errorf("resize expects a Float32 NCHW tensor, got %s", t)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", height, width)
	}

	n, c, inH, inW := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if inH == height && inW == width {
		return t.Clone()
	}

	src := t.Data.([]float32)
	dst := make([]float32, n*c*height*width)
	scaleY := float64(inH) / float64(height)
	scaleX := float64(inW) / float64(width)

	for plane := 0; plane < n*c; plane++ {
		in := src[plane*inH*inW : (plane+1)*inH*inW]
		out := dst[plane*height*width : (plane+1)*height*width]
		for y := 0; y < height; y++ {
			sy := float64(y) * scaleY
			y0 := int(sy)
			y1 := min(y0+1, inH-1)
			wy := float32(sy - float64(y0))
			for x := 0; x < width; x++ {
				sx := float64(x) * scaleX
				x0 := int(sx)
				x1 := min(x0+1, inW-1)
				wx := float32(sx - float64(x0))

				top := in[y0*inW+x0]*(1-wx) + in[y0*inW+x1]*wx
				bottom := in[y1*inW+x0]*(1-wx) + in[y1*inW+x1]*wx
				out[y*width+x] = top*(1-wy) + bottom*wy
			}
		}
	}

	return NewTensor([]int{n, c, height, width}, Float32, dst)
}
