package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// GRUWeights holds the parameters of a single-direction gated recurrent
// unit layer. Gate order within the stacked dimension is reset, update,
// candidate (the torch nn.GRU convention the training checkpoints use).
//
//	WIH: [3*hidden, in]   input-to-hidden
//	WHH: [3*hidden, hidden] hidden-to-hidden
//	BIH: [3*hidden] optional
//	BHH: [3*hidden] optional
type GRUWeights struct {
	WIH *tensor.Tensor
	WHH *tensor.Tensor
	BIH *tensor.Tensor
	BHH *tensor.Tensor
}

// Hidden returns the hidden size implied by the weights.
func (w GRUWeights) Hidden() (int64, error) {
	if w.WHH == nil {
		return 0, errors.New("ops: gru weights missing WHH")
	}

	shape := w.WHH.Shape()
	if len(shape) != 2 || shape[0] != 3*shape[1] {
		return 0, fmt.Errorf("ops: gru WHH must be [3*hidden, hidden], got %v", shape)
	}

	return shape[1], nil
}

func (w GRUWeights) validate() (in, hidden int64, err error) {
	hidden, err = w.Hidden()
	if err != nil {
		return 0, 0, err
	}

	if w.WIH == nil {
		return 0, 0, errors.New("ops: gru weights missing WIH")
	}

	ihShape := w.WIH.Shape()
	if len(ihShape) != 2 || ihShape[0] != 3*hidden {
		return 0, 0, fmt.Errorf("ops: gru WIH must be [%d, in], got %v", 3*hidden, ihShape)
	}

	for name, b := range map[string]*tensor.Tensor{"BIH": w.BIH, "BHH": w.BHH} {
		if b == nil {
			continue
		}

		bShape := b.Shape()
		if len(bShape) != 1 || bShape[0] != 3*hidden {
			return 0, 0, fmt.Errorf("ops: gru %s must be [%d], got %v", name, 3*hidden, bShape)
		}
	}

	return ihShape[1], hidden, nil
}

// GRUStep advances the recurrence by one timestep.
// x: [batch, in], h: [batch, hidden] -> next hidden [batch, hidden].
func GRUStep(x, h *tensor.Tensor, w GRUWeights) (*tensor.Tensor, error) {
	if x == nil || h == nil {
		return nil, errors.New("ops: gru step requires non-nil x and h")
	}

	in, hidden, err := w.validate()
	if err != nil {
		return nil, err
	}

	xShape := x.Shape()
	hShape := h.Shape()

	if len(xShape) != 2 || xShape[1] != in {
		return nil, fmt.Errorf("ops: gru step x must be [batch, %d], got %v", in, xShape)
	}

	if len(hShape) != 2 || hShape[0] != xShape[0] || hShape[1] != hidden {
		return nil, fmt.Errorf("ops: gru step h must be [%d, %d], got %v", xShape[0], hidden, hShape)
	}

	// [batch, 3*hidden] each.
	xProj, err := tensor.Linear(x, w.WIH, w.BIH)
	if err != nil {
		return nil, fmt.Errorf("ops: gru input projection: %w", err)
	}

	hProj, err := tensor.Linear(h, w.WHH, w.BHH)
	if err != nil {
		return nil, fmt.Errorf("ops: gru hidden projection: %w", err)
	}

	return gruGate(xProj, hProj, h, int(hidden))
}

// gruGate combines precomputed input/hidden projections with the previous
// hidden state. xp, hp: [batch, 3*hidden], h: [batch, hidden].
func gruGate(xp, hp, h *tensor.Tensor, hidden int) (*tensor.Tensor, error) {
	batch := h.Shape()[0]

	out, err := tensor.Zeros([]int64{batch, int64(hidden)})
	if err != nil {
		return nil, err
	}

	xpData := xp.RawData()
	hpData := hp.RawData()
	hData := h.RawData()
	outData := out.RawData()

	batchI := int(batch)
	parallelFor(batchI, getWorkers(), func(lo, hi int) {
		for b := lo; b < hi; b++ {
			xpRow := xpData[b*3*hidden : (b+1)*3*hidden]
			hpRow := hpData[b*3*hidden : (b+1)*3*hidden]
			hRow := hData[b*hidden : (b+1)*hidden]
			outRow := outData[b*hidden : (b+1)*hidden]

			for j := range hidden {
				r := sigmoid(xpRow[j] + hpRow[j])
				z := sigmoid(xpRow[hidden+j] + hpRow[hidden+j])
				n := tanh(xpRow[2*hidden+j] + r*hpRow[2*hidden+j])
				outRow[j] = (1-z)*n + z*hRow[j]
			}
		}
	})

	return out, nil
}

// GRUSequence runs the recurrence over a full [batch, seq, in] sequence and
// returns all hidden states [batch, seq, hidden]. With reverse set, the
// sequence is processed back to front and the outputs are returned in the
// original time order (the backward half of a bidirectional layer).
func GRUSequence(x *tensor.Tensor, w GRUWeights, reverse bool) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: gru sequence requires non-nil input")
	}

	in, hidden, err := w.validate()
	if err != nil {
		return nil, err
	}

	shape := x.Shape()
	if len(shape) != 3 || shape[2] != in {
		return nil, fmt.Errorf("ops: gru sequence input must be [batch, seq, %d], got %v", in, shape)
	}

	batch, seq := shape[0], shape[1]

	// One projection for the whole sequence keeps the GEMM large.
	xProj, err := tensor.Linear(x, w.WIH, w.BIH)
	if err != nil {
		return nil, fmt.Errorf("ops: gru sequence input projection: %w", err)
	}

	out, err := tensor.Zeros([]int64{batch, seq, hidden})
	if err != nil {
		return nil, err
	}

	h, err := tensor.Zeros([]int64{batch, hidden})
	if err != nil {
		return nil, err
	}

	xpData := xProj.RawData()
	outData := out.RawData()
	hiddenI := int(hidden)
	seqI := int(seq)

	for step := range seqI {
		t := step
		if reverse {
			t = seqI - 1 - step
		}

		// Slice out timestep t of the projected input: [batch, 3*hidden].
		xpStep, err := tensor.Zeros([]int64{batch, 3 * hidden})
		if err != nil {
			return nil, err
		}

		xpStepData := xpStep.RawData()
		for b := int64(0); b < batch; b++ {
			src := (int(b)*seqI + t) * 3 * hiddenI
			copy(xpStepData[int(b)*3*hiddenI:(int(b)+1)*3*hiddenI], xpData[src:src+3*hiddenI])
		}

		hProj, err := tensor.Linear(h, w.WHH, w.BHH)
		if err != nil {
			return nil, fmt.Errorf("ops: gru sequence hidden projection: %w", err)
		}

		h, err = gruGate(xpStep, hProj, h, hiddenI)
		if err != nil {
			return nil, err
		}

		hData := h.RawData()
		for b := int64(0); b < batch; b++ {
			dst := (int(b)*seqI + t) * hiddenI
			copy(outData[dst:dst+hiddenI], hData[int(b)*hiddenI:(int(b)+1)*hiddenI])
		}
	}

	return out, nil
}

// BiGRU runs a forward and a backward GRU over the sequence and concatenates
// their hidden states along the feature dimension: [batch, seq, 2*hidden].
func BiGRU(x *tensor.Tensor, forward, backward GRUWeights) (*tensor.Tensor, error) {
	fwd, err := GRUSequence(x, forward, false)
	if err != nil {
		return nil, fmt.Errorf("ops: bigru forward: %w", err)
	}

	bwd, err := GRUSequence(x, backward, true)
	if err != nil {
		return nil, fmt.Errorf("ops: bigru backward: %w", err)
	}

	out, err := tensor.Concat([]*tensor.Tensor{fwd, bwd}, -1)
	if err != nil {
		return nil, fmt.Errorf("ops: bigru concat: %w", err)
	}

	return out, nil
}
