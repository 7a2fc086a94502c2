package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// EncodeTensors serializes float32 tensors into the layout Store reads back:
// a length-prefixed JSON header, then raw little-endian tensor bytes. The CLI
// uses it to persist mel spectrograms and alignment diagnostics; tests use it
// to assemble synthetic checkpoints in memory. Everything this model emits is
// float32, so only F32 is written.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	names := make([]string, 0, len(tensors))
	byName := make(map[string]Tensor, len(tensors))

	for _, t := range tensors {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		if err := checkEncodeShape(name, t); err != nil {
			return nil, err
		}

		byName[name] = t
		names = append(names, name)
	}

	sort.Strings(names)

	// First pass lays out data offsets; the header has to be final before any
	// tensor bytes can be placed behind it.
	header := make(map[string]storeHeaderEntry, len(names))

	dataBytes := 0
	for _, name := range names {
		t := byName[name]
		size := len(t.Data) * 4
		header[name] = storeHeaderEntry{
			DType:   dtypeF32,
			Shape:   append([]int64(nil), t.Shape...),
			Offsets: [2]int{dataBytes, dataBytes + size},
		}
		dataBytes += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8+len(headerJSON)+dataBytes)
	binary.LittleEndian.PutUint64(out[:8], uint64(len(headerJSON)))
	copy(out[8:], headerJSON)

	base := 8 + len(headerJSON)
	for _, name := range names {
		pos := base + header[name].Offsets[0]
		for i, v := range byName[name].Data {
			binary.LittleEndian.PutUint32(out[pos+i*4:], math.Float32bits(v))
		}
	}

	return out, nil
}

func checkEncodeShape(name string, t Tensor) error {
	elemCount, err := shapeElementCount(t.Shape)
	if err != nil {
		return fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	if int64(len(t.Data)) != elemCount {
		return fmt.Errorf(
			"safetensors: tensor %q shape %v expects %d elements, got %d",
			name,
			t.Shape,
			elemCount,
			len(t.Data),
		)
	}

	return nil
}

// WriteFile writes float32 tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor) error {
	data, err := EncodeTensors(tensors)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
