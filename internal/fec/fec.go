// Package fec wraps outgoing packets in a systematic Reed-Solomon
// (223,255) code over GF(2^8) and unwraps/verifies incoming ones,
// using github.com/klauspost/reedsolomon repurposed from object-level
// erasure coding to per-packet forward error correction.
package fec

import (
	"github.com/klauspost/reedsolomon"

	"github.com/servalproject/lbard-go/internal/ecode"
)

// DataShards / ParityShards / CodewordLen implement the mandated
// (223,255) code: 223 one-byte "data shards" plus 32 one-byte "parity
// shards" reproduce a classic systematic RS(255,223) codeword exactly,
// since klauspost/reedsolomon's shard matrix math is byte-parallel.
const (
	DataShards    = 223
	ParityShards  = 32
	CodewordLen   = DataShards + ParityShards
	MaxPayloadLen = DataShards

	// MaxAcceptableSymbolErrors is the receive-side acceptance
	// threshold: above this, the packet is discarded.
	MaxAcceptableSymbolErrors = 7
)

// Codec wraps/unwraps packet bodies with the (223,255) code.
type Codec struct {
	enc reedsolomon.Encoder
}

// New constructs a Codec. Errors only if the shard configuration is
// invalid, which DataShards/ParityShards above never produce.
func New() (*Codec, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, ecode.Wrap(err, "fec: constructing reedsolomon codec")
	}
	return &Codec{enc: enc}, nil
}

func toShards(payload []byte) [][]byte {
	shards := make([][]byte, CodewordLen)
	for i := range shards {
		shards[i] = payload[i : i+1 : i+1]
	}
	return shards
}

// Wrap pads payload to MaxPayloadLen (223) bytes, computes the 32
// parity bytes, and returns the 255-byte codeword ready for the radio
// envelope.
func (c *Codec) Wrap(payload []byte) ([CodewordLen]byte, error) {
	var out [CodewordLen]byte
	if len(payload) > MaxPayloadLen {
		return out, ecode.Wrap(ecode.ErrBundleTooLarge, "fec: payload of %d bytes exceeds max %d", len(payload), MaxPayloadLen)
	}
	copy(out[:], payload)
	shards := toShards(out[:])
	if err := c.enc.Encode(shards); err != nil {
		return out, ecode.Wrap(err, "fec: encode")
	}
	return out, nil
}

// Unwrap validates and recovers a received codeword. suspectPositions
// names byte offsets (0..254) the radio driver's own framing already
// flagged as corrupted (bad parity, signal-quality threshold, etc.) —
// klauspost/reedsolomon corrects *erasures* at known positions rather
// than locating unknown-position errors itself (see DESIGN.md), so the
// driver layer is responsible for narrowing down candidate error
// positions before this call. If more than MaxAcceptableSymbolErrors
// are marked, or reconstruction fails verification, the packet is
// rejected and the payload return value must not be used.
func (c *Codec) Unwrap(codeword [CodewordLen]byte, suspectPositions []int) (payload []byte, symbolErrors int, err error) {
	if len(suspectPositions) > MaxAcceptableSymbolErrors {
		return nil, len(suspectPositions), ecode.Wrap(ecode.ErrFECUncorrectable, "fec: %d suspect symbols exceeds threshold %d", len(suspectPositions), MaxAcceptableSymbolErrors)
	}

	shards := toShards(codeword[:])
	if len(suspectPositions) > 0 {
		marked := make([][]byte, len(shards))
		copy(marked, shards)
		for _, pos := range suspectPositions {
			if pos < 0 || pos >= CodewordLen {
				return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "fec: suspect position %d out of range", pos)
			}
			marked[pos] = nil
		}
		if err := c.enc.Reconstruct(marked); err != nil {
			return nil, len(suspectPositions), ecode.Wrap(ecode.ErrFECUncorrectable, "fec: reconstruct failed")
		}
		for i, s := range marked {
			shards[i][0] = s[0]
		}
	}

	ok, err := c.enc.Verify(shards)
	if err != nil {
		return nil, len(suspectPositions), ecode.Wrap(err, "fec: verify")
	}
	if !ok {
		return nil, len(suspectPositions), ecode.Wrap(ecode.ErrFECUncorrectable, "fec: codeword failed parity verification")
	}

	out := make([]byte, MaxPayloadLen)
	for i := 0; i < MaxPayloadLen; i++ {
		out[i] = shards[i][0]
	}
	return out, len(suspectPositions), nil
}
