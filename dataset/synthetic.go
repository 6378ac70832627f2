package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// SyntheticConfig describes a generated detection dataset
type SyntheticConfig struct {
	Images     int
	Size       int
	Channels   int
	NumClasses int
	MaxObjects int
	Seed       int64
}

// Synthetic is a deterministic detection dataset: noisy backgrounds with
// one bright, class-tinted rectangle per object.
type Synthetic struct {
	config SyntheticConfig
	labels [][]float32
}

// NewSynthetic generates the label set up front; images are rendered on Get
func NewSynthetic(config SyntheticConfig) (*Synthetic, error) {
	if config.Images <= 0 || config.Size <= 0 || config.NumClasses <= 0 {
		return nil, errors.Errorf("invalid synthetic dataset config: %+v", config)
	}
	if config.Channels <= 0 {
		config.Channels = 3
	}
	if config.MaxObjects <= 0 {
		config.MaxObjects = 1
	}

	rng := rand.New(rand.NewSource(config.Seed))
	s := &Synthetic{config: config, labels: make([][]float32, config.Images)}
	for i := range s.labels {
		n := 1 + rng.Intn(config.MaxObjects)
		rows := make([]float32, 0, n*5)
		for k := 0; k < n; k++ {
			w := 0.1 + 0.3*rng.Float32()
			h := 0.1 + 0.3*rng.Float32()
			cx := w/2 + (1-w)*rng.Float32()
			cy := h/2 + (1-h)*rng.Float32()
			rows = append(rows, float32(rng.Intn(config.NumClasses)), cx, cy, w, h)
		}
		s.labels[i] = rows
	}
	return s, nil
}

func (s *Synthetic) Len() int { return s.config.Images }

// Get renders image idx; the same index always yields the same pixels
func (s *Synthetic) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= s.config.Images {
		return nil, nil, errors.Errorf("index %d out of range [0,%d)", idx, s.config.Images)
	}
	c, size := s.config.Channels, s.config.Size
	rng := rand.New(rand.NewSource(s.config.Seed + int64(idx) + 1))
	pixels := make([]float32, c*size*size)
	for i := range pixels {
		pixels[i] = float32(rng.Intn(64))
	}

	rows := s.labels[idx]
	for k := 0; k+5 <= len(rows); k += 5 {
		class := int(rows[k])
		x0 := int((rows[k+1] - rows[k+3]/2) * float32(size))
		x1 := int((rows[k+1] + rows[k+3]/2) * float32(size))
		y0 := int((rows[k+2] - rows[k+4]/2) * float32(size))
		y1 := int((rows[k+2] + rows[k+4]/2) * float32(size))
		for ch := 0; ch < c; ch++ {
			v := float32(160 + (class*37+ch*53)%96)
			plane := pixels[ch*size*size:]
			for y := max(y0, 0); y < min(y1, size); y++ {
				for x := max(x0, 0); x < min(x1, size); x++ {
					plane[y*size+x] = v
				}
			}
		}
	}

	image, err := tensor.NewTensor([]int{c, size, size}, tensor.Float32, pixels)
	if err != nil {
		return nil, nil, err
	}
	labels, err := tensor.NewTensor([]int{len(rows) / 5, 5}, tensor.Float32, append([]float32(nil), rows...))
	if err != nil {
		return nil, nil, err
	}
	return image, labels, nil
}

// Classes returns the class of every generated label
func (s *Synthetic) Classes() []int {
	var out []int
	for _, rows := range s.labels {
		for k := 0; k+5 <= len(rows); k += 5 {
			out = append(out, int(rows[k]))
		}
	}
	return out
}
