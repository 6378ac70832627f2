package dataset

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// Batch is one fixed-shape micro-batch
type Batch struct {
	Images *tensor.Tensor // [B,C,H,W] Float32, pixel range [0,255]
	Labels *tensor.Tensor // [B,M,5] Float32, rows with class -1 are padding
}

// LoaderConfig configures batching and sharding
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Rank      int
	RankSize  int
	// MaxLabels is the number of label rows per image; extra labels are dropped
	MaxLabels int
	Seed      int64
}

// Loader shards a dataset across workers and yields batches. Incomplete
// trailing batches are dropped so every step sees the same shape.
type Loader struct {
	dataset  Dataset
	config   LoaderConfig
	indices  []int
	position int
	rng      *rand.Rand
	mutex    sync.Mutex
}

// NewLoader creates a loader over the rank's shard of dataset
func NewLoader(dataset Dataset, config LoaderConfig) (*Loader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive: %d", config.BatchSize)
	}
	if config.RankSize <= 0 {
		config.RankSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.RankSize {
		return nil, errors.Errorf("rank %d outside group of %d", config.Rank, config.RankSize)
	}
	if config.MaxLabels <= 0 {
		config.MaxLabels = 1
	}

	var indices []int
	for i := config.Rank; i < dataset.Len(); i += config.RankSize {
		indices = append(indices, i)
	}
	if len(indices) < config.BatchSize {
		return nil, errors.Errorf("shard of %d samples cannot fill a batch of %d", len(indices), config.BatchSize)
	}

	dl := &Loader{
		dataset: dataset,
		config:  config,
		indices: indices,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *Loader) Len() int {
	return len(dl.indices) / dl.config.BatchSize
}

// Reset rewinds the loader for a new epoch, reshuffling when configured
func (dl *Loader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *Loader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	end := dl.position + dl.config.BatchSize
	if end > len(dl.indices) {
		return nil, nil
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// loadBatch stacks images and pads labels to MaxLabels rows
func (dl *Loader) loadBatch(indices []int) (*Batch, error) {
	first, _, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load sample %d", indices[0])
	}
	b := len(indices)
	m := dl.config.MaxLabels

	images, err := tensor.Zeros(append([]int{b}, first.Shape...), tensor.Float32)
	if err != nil {
		return nil, err
	}
	labels, err := tensor.Full([]int{b, m, 5}, float32(0), tensor.Float32)
	if err != nil {
		return nil, err
	}
	imgData := images.Data.([]float32)
	lblData := labels.Data.([]float32)
	for i := 0; i < b*m; i++ {
		lblData[i*5] = -1
	}

	for i, idx := range indices {
		img, lbl, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		if img.NumElems != first.NumElems || img.DType != tensor.Float32 {
			return nil, errors.Errorf("sample %d has shape %v, batch expects %v", idx, img.Shape, first.Shape)
		}
		copy(imgData[i*img.NumElems:], img.Data.([]float32))

		if lbl == nil || lbl.NumElems == 0 {
			continue
		}
		rows := lbl.Data.([]float32)
		n := min(len(rows)/5, m)
		copy(lblData[i*m*5:], rows[:n*5])
	}

	return &Batch{Images: images, Labels: labels}, nil
}
