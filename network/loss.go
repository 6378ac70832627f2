package network

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/yolo-train/tensor"
)

// LossConfig holds the loss component weights after hyperparameter scaling
type LossConfig struct {
	Box            float32
	Obj            float32
	Cls            float32
	LabelSmoothing float32
	ClassWeights   []float32 // optional per-class multiplier for the classification term
	Balance        []float32 // objectness weight per detection layer
}

// DefaultLossConfig returns unscaled detector defaults
func DefaultLossConfig() LossConfig {
	return LossConfig{
		Box:     0.05,
		Obj:     0.7,
		Cls:     0.3,
		Balance: []float32{4.0, 1.0, 0.4},
	}
}

// ComputeLoss evaluates the composite detection loss and its gradient with
// respect to the raw predictions. Labels are [B, M, 5] rows of
// (class, cx, cy, w, h) in normalized image coordinates; class < 0 is padding.
type ComputeLoss struct {
	config     LossConfig
	numClasses int
}

// NewComputeLoss creates the loss for a model with numClasses classes
func NewComputeLoss(config LossConfig, numClasses int) (*ComputeLoss, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive: %d", numClasses)
	}
	if config.ClassWeights != nil && len(config.ClassWeights) != numClasses {
		return nil, errors.Errorf("got %d class weights for %d classes", len(config.ClassWeights), numClasses)
	}
	return &ComputeLoss{config: config, numClasses: numClasses}, nil
}

type assignment struct {
	index int
	box   [4]float32
	class int
}

// smoothBCE returns the positive and negative targets under label smoothing
func smoothBCE(eps float32) (float32, float32) {
	return 1 - 0.5*eps, 0.5 * eps
}

func bceWithLogits(z, t float64) float64 {
	return math.Max(z, 0) - z*t + math.Log1p(math.Exp(-math.Abs(z)))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Loss returns (lbox+lobj+lcls)*B, the per-component breakdown and dLoss/dPred
func (cl *ComputeLoss) Loss(preds Predictions, labels *tensor.Tensor) (float32, LossItems, []*tensor.Tensor, error) {
	if labels.DType != tensor.Float32 || len(labels.Shape) != 3 || labels.Shape[2] != 5 {
		return 0, LossItems{}, nil, errors.Errorf("labels must be Float32 [B,M,5], got %s", labels)
	}
	if len(preds) == 0 {
		return 0, LossItems{}, nil, errors.New("no predictions")
	}

	batch := preds[0].Shape[0]
	if labels.Shape[0] != batch {
		return 0, LossItems{}, nil, errors.Errorf("label batch %d does not match prediction batch %d", labels.Shape[0], batch)
	}

	no := 5 + cl.numClasses
	cp, cn := smoothBCE(cl.config.LabelSmoothing)
	bs := float64(batch)
	rows := labels.Data.([]float32)
	perImage := labels.Shape[1]

	var lbox, lobj, lcls float64
	dPreds := make([]*tensor.Tensor, len(preds))

	for l, pred := range preds {
		if len(pred.Shape) != 5 || pred.Shape[4] != no {
			return 0, LossItems{}, nil, errors.Errorf("prediction %d has shape %v, expected [B,na,gy,gx,%d]", l, pred.Shape, no)
		}
		na, gy, gx := pred.Shape[1], pred.Shape[2], pred.Shape[3]
		p := pred.Data.([]float32)
		grad, _ := tensor.ZerosLike(pred)
		dp := grad.Data.([]float32)
		dPreds[l] = grad

		balance := 1.0
		if l < len(cl.config.Balance) {
			balance = float64(cl.config.Balance[l])
		}

		var assigned []assignment
		positive := make(map[int]bool)
		for n := 0; n < batch; n++ {
			for m := 0; m < perImage; m++ {
				row := rows[(n*perImage+m)*5 : (n*perImage+m+1)*5]
				class := int(row[0])
				if row[0] < 0 {
					continue
				}
				if class >= cl.numClasses {
					return 0, LossItems{}, nil, errors.Errorf("label class %d exceeds %d classes", class, cl.numClasses)
				}
				fx, fy := float64(row[1])*float64(gx), float64(row[2])*float64(gy)
				cx := min(max(int(fx), 0), gx-1)
				cy := min(max(int(fy), 0), gy-1)
				box := [4]float32{float32(fx) - float32(cx), float32(fy) - float32(cy), row[3], row[4]}
				for a := 0; a < na; a++ {
					idx := ((n*na+a)*gy+cy)*gx + cx
					assigned = append(assigned, assignment{index: idx, box: box, class: class})
					positive[idx] = true
				}
			}
		}

		// box regression
		if k := float64(len(assigned)); k > 0 {
			var sum float64
			scale := float64(cl.config.Box) * bs * 2 / (4 * k)
			for _, as := range assigned {
				for j := 0; j < 4; j++ {
					diff := float64(p[as.index*no+j]) - float64(as.box[j])
					sum += diff * diff
					dp[as.index*no+j] += float32(scale * diff)
				}
			}
			lbox += sum / (4 * k)
		}

		// objectness over every anchor of every cell
		cells := batch * na * gy * gx
		objTerms := make([]float64, cells)
		objScale := balance * float64(cl.config.Obj) * bs / float64(cells)
		for i := 0; i < cells; i++ {
			z := float64(p[i*no+4])
			t := 0.0
			if positive[i] {
				t = 1
			}
			objTerms[i] = bceWithLogits(z, t)
			dp[i*no+4] += float32(objScale * (sigmoid(z) - t))
		}
		lobj += balance * floats.Sum(objTerms) / float64(cells)

		// classification, only meaningful with more than one class
		if k := float64(len(assigned)); cl.numClasses > 1 && k > 0 {
			var sum float64
			denom := k * float64(cl.numClasses)
			scale := float64(cl.config.Cls) * bs / denom
			for _, as := range assigned {
				weight := 1.0
				if cl.config.ClassWeights != nil {
					weight = float64(cl.config.ClassWeights[as.class])
				}
				for c := 0; c < cl.numClasses; c++ {
					t := float64(cn)
					if c == as.class {
						t = float64(cp)
					}
					z := float64(p[as.index*no+5+c])
					sum += weight * bceWithLogits(z, t)
					dp[as.index*no+5+c] += float32(scale * weight * (sigmoid(z) - t))
				}
			}
			lcls += sum / denom
		}
	}

	items := LossItems{
		float32(lbox * float64(cl.config.Box)),
		float32(lobj * float64(cl.config.Obj)),
		float32(lcls * float64(cl.config.Cls)),
	}
	loss := (float64(items[0]) + float64(items[1]) + float64(items[2])) * bs
	return float32(loss), items, dPreds, nil
}

// ClassWeights turns per-class label counts into inverse-frequency weights
// that sum to one. Classes without labels count as one occurrence.
func ClassWeights(counts []int) []float32 {
	weights := make([]float64, len(counts))
	for i, c := range counts {
		weights[i] = 1 / float64(max(c, 1))
	}
	if len(weights) > 0 {
		floats.Scale(1/floats.Sum(weights), weights)
	}
	out := make([]float32, len(counts))
	for i, w := range weights {
		out[i] = float32(w)
	}
	return out
}
