package network

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// DetectorConfig describes the reference detector
type DetectorConfig struct {
	Name       string
	Channels   int
	NumClasses int
	Anchors    int   // anchors per detection layer
	Strides    []int // one detection layer per stride
	Seed       int64
}

// DefaultDetectorConfig returns a three-layer detector over RGB input
func DefaultDetectorConfig(numClasses int) DetectorConfig {
	return DetectorConfig{
		Name:       "yolov7-tiny-ref",
		Channels:   3,
		NumClasses: numClasses,
		Anchors:    3,
		Strides:    []int{8, 16, 32},
		Seed:       2,
	}
}

// Detector is a minimal multi-scale detector: a learned per-channel affine
// stem followed by one linear head per stride over cell-pooled features.
// Its gradients are computed analytically.
type Detector struct {
	config  DetectorConfig
	outputs int // values per anchor: 4 box + 1 obj + classes

	stemScale *Parameter
	stemShift *Parameter
	batches   *Parameter
	heads     []*Parameter
	headBias  []*Parameter
	params    []*Parameter
}

// NewDetector builds and initializes the reference detector
func NewDetector(config DetectorConfig) (*Detector, error) {
	if config.NumClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive: %d", config.NumClasses)
	}
	if config.Channels <= 0 || config.Anchors <= 0 || len(config.Strides) == 0 {
		return nil, errors.Errorf("invalid detector config: %+v", config)
	}

	d := &Detector{config: config, outputs: 5 + config.NumClasses}
	rng := rand.New(rand.NewSource(config.Seed))
	c := config.Channels

	scale, _ := tensor.Full([]int{c}, float32(1), tensor.Float32)
	shift, _ := tensor.Zeros([]int{c}, tensor.Float32)
	counter, _ := tensor.Zeros([]int{1}, tensor.Int32)
	d.stemScale = &Parameter{Name: "model.0.bn.weight", Value: scale, RequiresGrad: true}
	d.stemShift = &Parameter{Name: "model.0.bn.bias", Value: shift, RequiresGrad: true}
	d.batches = &Parameter{Name: "model.0.bn.num_batches_tracked", Value: counter}
	d.params = append(d.params, d.stemScale, d.stemShift, d.batches)

	rows := config.Anchors * d.outputs
	for l, stride := range config.Strides {
		w, err := tensor.RandomNormal([]int{rows, c}, 0, 0.01, rng)
		if err != nil {
			return nil, err
		}
		b, _ := tensor.Zeros([]int{rows}, tensor.Float32)
		initBias(b.Data.([]float32), config.Anchors, d.outputs, config.NumClasses, stride)

		head := &Parameter{Name: fmt.Sprintf("model.%d.m.weight", l+1), Value: w, RequiresGrad: true}
		bias := &Parameter{Name: fmt.Sprintf("model.%d.m.bias", l+1), Value: b, RequiresGrad: true}
		d.heads = append(d.heads, head)
		d.headBias = append(d.headBias, bias)
		d.params = append(d.params, head, bias)
	}

	return d, nil
}

// initBias applies the usual detector prior: few objects per cell, uniform classes
func initBias(b []float32, anchors, outputs, numClasses, stride int) {
	cells := (640 / float64(stride)) * (640 / float64(stride))
	for a := 0; a < anchors; a++ {
		row := b[a*outputs : (a+1)*outputs]
		row[4] += float32(math.Log(8 / cells))
		for k := 5; k < outputs; k++ {
			row[k] += float32(math.Log(0.6 / (float64(numClasses) - 0.99)))
		}
	}
}

func (d *Detector) Name() string { return d.config.Name }

func (d *Detector) Parameters() []*Parameter { return d.params }

func (d *Detector) Strides() []int { return d.config.Strides }

func (d *Detector) NumLayers() int { return len(d.config.Strides) }

func (d *Detector) NumClasses() int { return d.config.NumClasses }

// features pools x over the cells of one stride and applies the stem affine.
// It returns the pooled means and the stem output, both [B, gy, gx, C].
func (d *Detector) features(x *tensor.Tensor, stride int) (pooled, feats []float32, gy, gx int, err error) {
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if h%stride != 0 || w%stride != 0 {
		return nil, nil, 0, 0, errors.Errorf("input %dx%d is not a multiple of stride %d", h, w, stride)
	}
	gy, gx = h/stride, w/stride
	data := x.Data.([]float32)
	scale := d.stemScale.Value.Data.([]float32)
	shift := d.stemShift.Value.Data.([]float32)

	pooled = make([]float32, b*gy*gx*c)
	feats = make([]float32, len(pooled))
	inv := 1 / float32(stride*stride)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			plane := data[(n*c+ch)*h*w : (n*c+ch+1)*h*w]
			for y := 0; y < h; y++ {
				row := plane[y*w : (y+1)*w]
				cy := y / stride
				for xx, v := range row {
					pooled[((n*gy+cy)*gx+xx/stride)*c+ch] += v
				}
			}
		}
	}
	for i := range pooled {
		ch := i % c
		pooled[i] *= inv
		feats[i] = scale[ch]*pooled[i] + shift[ch]
	}
	return pooled, feats, gy, gx, nil
}

// Forward runs every detection head and counts the batch
func (d *Detector) Forward(x *tensor.Tensor) (Predictions, error) {
	if x.DType != tensor.Float32 || len(x.Shape) != 4 || x.Shape[1] != d.config.Channels {
		return nil, errors.Errorf("detector expects Float32 [B,%d,H,W] input, got %s", d.config.Channels, x)
	}

	preds := make(Predictions, len(d.config.Strides))
	for l, stride := range d.config.Strides {
		_, feats, gy, gx, err := d.features(x, stride)
		if err != nil {
			return nil, err
		}
		out, err := d.head(l, feats, x.Shape[0], gy, gx)
		if err != nil {
			return nil, err
		}
		preds[l] = out
	}

	d.batches.Value.Data.([]int32)[0]++
	return preds, nil
}

func (d *Detector) head(l int, feats []float32, batch, gy, gx int) (*tensor.Tensor, error) {
	c := d.config.Channels
	na := d.config.Anchors
	w := d.heads[l].Value.Data.([]float32)
	bias := d.headBias[l].Value.Data.([]float32)

	out := make([]float32, batch*na*gy*gx*d.outputs)
	for n := 0; n < batch; n++ {
		for cy := 0; cy < gy; cy++ {
			for cx := 0; cx < gx; cx++ {
				f := feats[((n*gy+cy)*gx+cx)*c : ((n*gy+cy)*gx+cx+1)*c]
				for a := 0; a < na; a++ {
					dst := out[(((n*na+a)*gy+cy)*gx+cx)*d.outputs:]
					for k := 0; k < d.outputs; k++ {
						r := a*d.outputs + k
						v := bias[r]
						for ch, fv := range f {
							v += w[r*c+ch] * fv
						}
						dst[k] = v
					}
				}
			}
		}
	}
	return tensor.NewTensor([]int{batch, na, gy, gx, d.outputs}, tensor.Float32, out)
}
