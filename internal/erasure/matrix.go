package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Matrix wraps a reedsolomon.Encoder built with a Cauchy construction
// (SPEC_FULL.md §4.7.2) for a fixed (N, E) pair, applied per-stripe
// rather than over a whole object: every call operates on exactly
// N+E byte slices of partsz length, one stripe at a time.
type Matrix struct {
	n, e int
	enc  reedsolomon.Encoder
}

// NewMatrix builds the encode/decode tables for a given data/parity
// split. Construction is cheap relative to encode/decode, but since
// ec_encode_data in the original design amortizes matrix setup across
// every stripe of a handle's lifetime, callers should build one Matrix
// per handle and reuse it.
func NewMatrix(n, e int) (*Matrix, error) {
	if e == 0 {
		enc, err := reedsolomon.New(n, 0)
		if err != nil {
			return nil, fmt.Errorf("erasure: build matrix n=%d e=%d: %w", n, e, err)
		}
		return &Matrix{n: n, e: e, enc: enc}, nil
	}
	enc, err := reedsolomon.New(n, e, reedsolomon.WithCauchyMatrix())
	if err != nil {
		return nil, fmt.Errorf("erasure: build cauchy matrix n=%d e=%d: %w", n, e, err)
	}
	return &Matrix{n: n, e: e, enc: enc}, nil
}

// EncodeStripe fills the E parity slices (shards[n:n+e]) from the N
// data slices (shards[0:n]); every slice must be exactly partsz bytes.
// Callers hold the shared erasurelock around this call.
func (m *Matrix) EncodeStripe(shards [][]byte) error {
	if len(shards) != m.n+m.e {
		return fmt.Errorf("erasure: encode expects %d shards, got %d", m.n+m.e, len(shards))
	}
	return m.enc.Encode(shards)
}

// ReconstructStripe regenerates any shards marked nil or zero-length in
// shards (a stripe's error list), using the surviving shards. Callers
// hold the shared erasurelock around this call. Only data shards are
// regenerated; parity shards are left alone if not requested.
func (m *Matrix) ReconstructStripe(shards [][]byte, dataOnly bool) error {
	if len(shards) != m.n+m.e {
		return fmt.Errorf("erasure: reconstruct expects %d shards, got %d", m.n+m.e, len(shards))
	}
	present := make([]bool, len(shards))
	missing := 0
	for i, s := range shards {
		present[i] = len(s) > 0
		if !present[i] {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}
	if missing > m.e {
		return fmt.Errorf("erasure: %d missing shards exceeds parity count %d", missing, m.e)
	}
	if dataOnly {
		return m.enc.ReconstructData(shards)
	}
	return m.enc.Reconstruct(shards)
}

// Verify reports whether the parity shards are consistent with the
// data shards for a complete stripe.
func (m *Matrix) Verify(shards [][]byte) (bool, error) {
	return m.enc.Verify(shards)
}
