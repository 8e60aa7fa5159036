package store

import (
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
)

// encodeVector packs an embedding into a little-endian float32 blob. Both
// backends store vectors in this format, so rows move between SQLite and
// Postgres without conversion.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, eris.Errorf("store: vector blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
