package stream

import "math/rand"

// OpType is the small operation vocabulary a YCSB-style workload chooses
// between.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
	OpCompareAndSwap
)

// YcsbOp pairs a chosen operation with the key it targets.
type YcsbOp struct {
	Op  OpType
	Key int64
}

// NewYcsbOpStream composes a weighted operation-type stream with a uniform
// key stream into a single stream of YcsbOp values. Both component streams
// are wired up here and actually driven on every Next() call — unlike the
// original generator this is modeled on, where the key stream was
// constructed but never assigned into the struct that Next() read from,
// so every operation silently targeted key zero.
func NewYcsbOpStream(rng *rand.Rand, keyCount int64, readWeight, writeWeight, casWeight float64) Stream[YcsbOp] {
	ops := NewWeightedStream(rng, []OpType{OpRead, OpWrite, OpCompareAndSwap}, []float64{readWeight, writeWeight, casWeight})
	keys := NewUniformIntStream(rng, 0, keyCount)
	return NewMappedStream(func(ps ...pair) YcsbOp {
		p := ps[0]
		return YcsbOp{Op: p.op, Key: p.key}
	}, NewPairStream(ops, keys))
}

type pair struct {
	op  OpType
	key int64
}

// pairStream steps two streams in lockstep, terminating as soon as either
// one does.
type pairStream struct {
	ops  Stream[OpType]
	keys Stream[int64]
}

func NewPairStream(ops Stream[OpType], keys Stream[int64]) Stream[pair] {
	return &pairStream{ops: ops, keys: keys}
}

func (p *pairStream) Next() (pair, error) {
	op, err := p.ops.Next()
	if err != nil {
		return pair{}, err
	}
	key, err := p.keys.Next()
	if err != nil {
		return pair{}, err
	}
	return pair{op: op, key: key}, nil
}

func (p *pairStream) Terminate() {
	p.ops.Terminate()
	p.keys.Terminate()
}
