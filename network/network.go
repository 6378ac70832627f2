// Package network defines the call contracts the training recipe has with the
// detector: a named parameter set, a multi-scale forward pass and a function
// that returns the composite loss together with its gradients. It also ships
// a small reference detector that honours those contracts.
package network

import (
	"strings"

	"github.com/tsawler/yolo-train/tensor"
)

// Parameter is a named model tensor. Buffers such as batch counters are
// parameters with RequiresGrad false.
type Parameter struct {
	Name         string
	Value        *tensor.Tensor
	RequiresGrad bool
}

// Predictions holds one tensor per detection layer, shaped [B, na, gy, gx, 5+nc]
type Predictions []*tensor.Tensor

// LossItems is the per-component breakdown: box, objectness, classification
type LossItems [3]float32

func (li LossItems) Box() float32 { return li[0] }

func (li LossItems) Obj() float32 { return li[1] }

func (li LossItems) Cls() float32 { return li[2] }

// Model is the detector as seen by the training loop
type Model interface {
	Parameters() []*Parameter
	Forward(x *tensor.Tensor) (Predictions, error)
	Strides() []int
	NumLayers() int
	NumClasses() int
}

// GradFunc computes the loss of one batch and the gradients of sens*loss
// with respect to every trainable parameter, in Trainable order.
type GradFunc interface {
	ValueAndGrad(x, labels *tensor.Tensor, sens float32) (loss float32, items LossItems, grads []*tensor.Tensor, err error)
}

// Trainable filters the parameters that receive gradients
func Trainable(params []*Parameter) []*Parameter {
	out := make([]*Parameter, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}

// MaxStride returns the largest detection stride of m
func MaxStride(m Model) int {
	max := 0
	for _, s := range m.Strides() {
		if s > max {
			max = s
		}
	}
	return max
}

// Freeze disables gradients for every parameter whose name contains one of
// the prefixes and returns the names it froze.
func Freeze(m Model, prefixes []string) []string {
	var frozen []string
	for _, p := range m.Parameters() {
		for _, prefix := range prefixes {
			if strings.Contains(p.Name, prefix) {
				p.RequiresGrad = false
				frozen = append(frozen, p.Name)
				break
			}
		}
	}
	return frozen
}
