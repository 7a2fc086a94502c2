package safetensors

import (
	"fmt"
)

// LoadSpeakerEmbedding loads a speaker embedding from a safetensors file and
// normalizes the result to 2D shape [1, E]. Files exported from training may
// store the vector as [E] or [1, E]; either is accepted.
func LoadSpeakerEmbedding(path string) ([]float32, []int64, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	names := store.Names()
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("safetensors: %s holds no tensors", path)
	}

	name := names[0]
	if store.Has("speaker") {
		name = "speaker"
	}

	t, err := store.Tensor(name)
	if err != nil {
		return nil, nil, err
	}

	switch len(t.Shape) {
	case 1:
		return t.Data, []int64{1, t.Shape[0]}, nil
	case 2:
		if t.Shape[0] != 1 {
			return nil, nil, fmt.Errorf("safetensors: speaker embedding %q must be [1, E], got %v", name, t.Shape)
		}

		return t.Data, t.Shape, nil
	default:
		return nil, nil, fmt.Errorf("safetensors: speaker embedding %q has unsupported rank %d", name, len(t.Shape))
	}
}
