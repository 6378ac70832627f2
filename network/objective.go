package network

import (
	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// Objective binds the reference detector to its loss and provides the
// analytic reverse pass.
type Objective struct {
	model *Detector
	loss  *ComputeLoss
}

// NewObjective creates the gradient function for d under loss
func NewObjective(d *Detector, loss *ComputeLoss) *Objective {
	return &Objective{model: d, loss: loss}
}

type layerCache struct {
	pooled, feats []float32
	gy, gx        int
}

// ValueAndGrad runs forward, loss and backward. Output gradients are seeded
// with sens, so the returned gradients are d(sens*loss)/dparam.
func (o *Objective) ValueAndGrad(x, labels *tensor.Tensor, sens float32) (float32, LossItems, []*tensor.Tensor, error) {
	d := o.model
	if x.DType != tensor.Float32 || len(x.Shape) != 4 || x.Shape[1] != d.config.Channels {
		return 0, LossItems{}, nil, errors.Errorf("detector expects Float32 [B,%d,H,W] input, got %s", d.config.Channels, x)
	}
	batch := x.Shape[0]

	caches := make([]layerCache, len(d.config.Strides))
	preds := make(Predictions, len(d.config.Strides))
	for l, stride := range d.config.Strides {
		pooled, feats, gy, gx, err := d.features(x, stride)
		if err != nil {
			return 0, LossItems{}, nil, err
		}
		out, err := d.head(l, feats, batch, gy, gx)
		if err != nil {
			return 0, LossItems{}, nil, err
		}
		caches[l] = layerCache{pooled: pooled, feats: feats, gy: gy, gx: gx}
		preds[l] = out
	}
	d.batches.Value.Data.([]int32)[0]++

	loss, items, dPreds, err := o.loss.Loss(preds, labels)
	if err != nil {
		return 0, LossItems{}, nil, errors.Wrap(err, "compute loss")
	}

	c := d.config.Channels
	na := d.config.Anchors
	no := d.outputs
	grads := make(map[*Parameter]*tensor.Tensor, len(d.params))
	dScale, _ := tensor.ZerosLike(d.stemScale.Value)
	dShift, _ := tensor.ZerosLike(d.stemShift.Value)
	grads[d.stemScale] = dScale
	grads[d.stemShift] = dShift
	gScale := dScale.Data.([]float32)
	gShift := dShift.Data.([]float32)

	df := make([]float32, c)
	for l, cache := range caches {
		dW, _ := tensor.ZerosLike(d.heads[l].Value)
		dB, _ := tensor.ZerosLike(d.headBias[l].Value)
		grads[d.heads[l]] = dW
		grads[d.headBias[l]] = dB
		gw := dW.Data.([]float32)
		gb := dB.Data.([]float32)
		w := d.heads[l].Value.Data.([]float32)
		dp := dPreds[l].Data.([]float32)

		for n := 0; n < batch; n++ {
			for cy := 0; cy < cache.gy; cy++ {
				for cx := 0; cx < cache.gx; cx++ {
					cell := (n*cache.gy+cy)*cache.gx + cx
					f := cache.feats[cell*c : (cell+1)*c]
					pooled := cache.pooled[cell*c : (cell+1)*c]
					for ch := range df {
						df[ch] = 0
					}
					for a := 0; a < na; a++ {
						src := dp[(((n*na+a)*cache.gy+cy)*cache.gx+cx)*no:]
						for k := 0; k < no; k++ {
							g := src[k] * sens
							if g == 0 {
								continue
							}
							r := a*no + k
							gb[r] += g
							for ch, fv := range f {
								gw[r*c+ch] += g * fv
								df[ch] += w[r*c+ch] * g
							}
						}
					}
					for ch := range df {
						gScale[ch] += df[ch] * pooled[ch]
						gShift[ch] += df[ch]
					}
				}
			}
		}
	}

	trainable := Trainable(d.params)
	out := make([]*tensor.Tensor, len(trainable))
	for i, p := range trainable {
		g, ok := grads[p]
		if !ok {
			return 0, LossItems{}, nil, errors.Errorf("no gradient for trainable parameter %s", p.Name)
		}
		out[i] = g
	}
	return loss, items, out, nil
}
