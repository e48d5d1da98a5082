package training

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/oarkflow/intent-classifier/pkg/model"
)

// AdamW is Adam with decoupled weight decay. Decay applies only to
// parameters marked for it (weight matrices, not biases).
type AdamW struct {
	beta1, beta2 float64
	eps          float64
	weightDecay  float64

	step int
	m    map[*model.Param][]float64
	v    map[*model.Param][]float64
}

// NewAdamW creates an optimizer from the hyperparameters.
func NewAdamW(hp Hyperparameters) *AdamW {
	return &AdamW{
		beta1:       hp.AdamBeta1,
		beta2:       hp.AdamBeta2,
		eps:         hp.AdamEpsilon,
		weightDecay: hp.WeightDecay,
		m:           make(map[*model.Param][]float64),
		v:           make(map[*model.Param][]float64),
	}
}

// ParamGroup is a set of parameters sharing a learning rate.
type ParamGroup struct {
	Params []*model.Param
	LR     float64
}

// Step applies one update with learning rate lr.
func (o *AdamW) Step(params []*model.Param, lr float64) {
	o.StepGroups(ParamGroup{Params: params, LR: lr})
}

// StepGroups applies one update, each group at its own learning rate.
func (o *AdamW) StepGroups(groups ...ParamGroup) {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for _, g := range groups {
		for _, p := range g.Params {
			o.update(p, g.LR, bc1, bc2)
		}
	}
}

func (o *AdamW) update(p *model.Param, lr, bc1, bc2 float64) {
	m, ok := o.m[p]
	if !ok {
		m = make([]float64, len(p.Data))
		o.m[p] = m
		o.v[p] = make([]float64, len(p.Data))
	}
	v := o.v[p]

	if p.Decay && o.weightDecay > 0 {
		floats.Scale(1-lr*o.weightDecay, p.Data)
	}
	for i, g := range p.Grad {
		m[i] = o.beta1*m[i] + (1-o.beta1)*g
		v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
		mHat := m[i] / bc1
		vHat := v[i] / bc2
		p.Data[i] -= lr * mHat / (math.Sqrt(vHat) + o.eps)
	}
}

// paramGroups splits params into pretrained and freshly initialized groups.
func paramGroups(params []*model.Param, hp Hyperparameters, factor float64) []ParamGroup {
	pretrained := ParamGroup{LR: hp.LearningRate * factor}
	fresh := ParamGroup{LR: hp.HeadLearningRate * factor}
	for _, p := range params {
		if p.Pretrained {
			pretrained.Params = append(pretrained.Params, p)
		} else {
			fresh.Params = append(fresh.Params, p)
		}
	}
	return []ParamGroup{pretrained, fresh}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		sq += floats.Dot(p.Grad, p.Grad)
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range params {
			floats.Scale(scale, p.Grad)
		}
	}
	return norm
}
