package amp

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// Level selects how much of the step runs in half precision
type Level int

const (
	O0 Level = iota // everything in float32
	O1              // half precision activations
	O2              // half precision activations and gradients, float32 master weights
	O3              // half precision everywhere the step controls
)

func (l Level) String() string {
	switch l {
	case O0:
		return "O0"
	case O1:
		return "O1"
	case O2:
		return "O2"
	case O3:
		return "O3"
	default:
		return "Unknown"
	}
}

// ParseLevel reads an AMP level name such as "O2"
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "O0", "":
		return O0, nil
	case "O1":
		return O1, nil
	case "O2":
		return O2, nil
	case "O3":
		return O3, nil
	default:
		return O0, errors.Errorf("unknown amp level %q", s)
	}
}

// InputDType is the dtype images are fed to the network in
func (l Level) InputDType() tensor.DType {
	if l == O0 {
		return tensor.Float32
	}
	return tensor.Float16
}

// HalfGradients reports whether scaled gradients pass through half precision
func (l Level) HalfGradients() bool {
	return l >= O2
}

// CastGradients rounds scaled gradients through half precision when the level
// asks for it. Magnitudes beyond the half range turn into Inf, which the
// finiteness check then reports as overflow.
func (l Level) CastGradients(grads []*tensor.Tensor) error {
	if !l.HalfGradients() {
		return nil
	}
	for i, g := range grads {
		if g == nil || g.DType != tensor.Float32 {
			continue
		}
		if err := tensor.RoundHalfInPlace(g); err != nil {
			return errors.Wrapf(err, "cast gradient %d", i)
		}
	}
	return nil
}
