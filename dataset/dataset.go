// Package dataset provides the detection data contract the trainer consumes
// and a sharded batching loader over it.
package dataset

import (
	"github.com/tsawler/yolo-train/tensor"
)

// Dataset is an indexed collection of images with box labels
type Dataset interface {
	// Len returns the total number of samples
	Len() int
	// Get returns a [C,H,W] Float32 image with pixel values in [0,255] and
	// its [N,5] labels of (class, cx, cy, w, h) in normalized coordinates.
	// labels is nil when the image has no objects.
	Get(idx int) (image *tensor.Tensor, labels *tensor.Tensor, err error)
	// Classes returns the class index of every label in the dataset
	Classes() []int
}

// MaxClass returns the largest label class, or -1 for a dataset without labels
func MaxClass(ds Dataset) int {
	m := -1
	for _, c := range ds.Classes() {
		m = max(m, c)
	}
	return m
}

// ClassCounts counts labels per class; classes outside [0, nc) are ignored
func ClassCounts(ds Dataset, nc int) []int {
	counts := make([]int, nc)
	for _, c := range ds.Classes() {
		if c >= 0 && c < nc {
			counts[c]++
		}
	}
	return counts
}
