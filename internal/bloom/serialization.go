package bloom

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Serialize encodes the filter for storage in a partition sidecar.
// Format: 8 bytes numBits + 8 bytes numHashes + 8 bytes count (all
// little-endian) followed by the Snappy-compressed bit array.
func (f *Filter) Serialize() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	bitData := make([]byte, len(f.bits)*8)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(bitData[i*8:(i+1)*8], word)
	}
	compressed := snappy.Encode(nil, bitData)

	buf := make([]byte, 24+len(compressed))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	copy(buf[24:], compressed)

	return buf
}

// Deserialize reconstructs a filter from Serialize output.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 24 {
		return nil, errors.New("bloom: serialized data too short")
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])

	if numBits == 0 || numHashes == 0 {
		return nil, errors.New("bloom: invalid filter parameters")
	}

	bitData, err := snappy.Decode(nil, data[24:])
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy decompress failed: %w", err)
	}

	numWords := (numBits + 63) / 64
	if len(bitData) < int(numWords)*8 {
		return nil, fmt.Errorf("bloom: decompressed data too short: expected %d bytes, got %d",
			numWords*8, len(bitData))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(bitData[i*8 : (i+1)*8])
	}

	return &Filter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}

// EncodeBase64 returns the serialized filter as a base64 string for
// embedding in JSON sidecars.
func (f *Filter) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(f.Serialize())
}

// DecodeBase64 reconstructs a filter from EncodeBase64 output.
func DecodeBase64(s string) (*Filter, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bloom: invalid base64 data: %w", err)
	}
	return Deserialize(data)
}
