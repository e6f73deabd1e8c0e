package imageprocessor

import "sync"

// Input geometry expected by the leaf classifier.
const (
	InputSize = 224
	Channels  = 3
)

// TensorLen is the number of float32 values in one input tensor.
const TensorLen = InputSize * InputSize * Channels

// Tensor is a batch-of-one NHWC float tensor with values in [0,1].
type Tensor struct {
	Shape []int64
	Data  []float32

	pooled *[]float32
}

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]float32, TensorLen)
		return &buf
	},
}

// ZeroTensor returns an all-zero input, used to warm a freshly loaded model.
func ZeroTensor() *Tensor {
	t := newTensor()
	clear(t.Data)
	return t
}

func newTensor() *Tensor {
	buf := bufferPool.Get().(*[]float32)
	return &Tensor{
		Shape:  []int64{1, InputSize, InputSize, Channels},
		Data:   *buf,
		pooled: buf,
	}
}

// Release hands the backing buffer back for reuse. The tensor must not be
// read afterwards. Calling Release more than once is a no-op.
func (t *Tensor) Release() {
	if t == nil || t.pooled == nil {
		return
	}
	bufferPool.Put(t.pooled)
	t.pooled = nil
	t.Data = nil
}
