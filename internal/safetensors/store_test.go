package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	in := []Tensor{
		{Name: "b.weight", Shape: []int64{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "a.bias", Shape: []int64{3}, Data: []float32{-1, 0, 1}},
	}

	payload, err := EncodeTensors(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	store, err := OpenStoreFromBytes(payload)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	names := store.Names()
	if len(names) != 2 || names[0] != "a.bias" || names[1] != "b.weight" {
		t.Fatalf("names = %v, want sorted [a.bias b.weight]", names)
	}

	w, err := store.TensorWithShape("b.weight", []int64{2, 2})
	if err != nil {
		t.Fatalf("tensor b.weight: %v", err)
	}

	for i, want := range []float32{1, 2, 3, 4} {
		if w.Data[i] != want {
			t.Fatalf("b.weight[%d] = %v, want %v", i, w.Data[i], want)
		}
	}

	if _, err := store.TensorWithShape("b.weight", []int64{4}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestEncodeTensorsValidatesInputs(t *testing.T) {
	if _, err := EncodeTensors(nil); err == nil {
		t.Fatal("expected error for empty tensor list")
	}

	if _, err := EncodeTensors([]Tensor{{Name: " ", Shape: []int64{1}, Data: []float32{1}}}); err == nil {
		t.Fatal("expected error for blank tensor name")
	}

	dup := []Tensor{
		{Name: "mel", Shape: []int64{1}, Data: []float32{1}},
		{Name: "mel", Shape: []int64{1}, Data: []float32{2}},
	}
	if _, err := EncodeTensors(dup); err == nil {
		t.Fatal("expected error for duplicate tensor name")
	}

	bad := []Tensor{{Name: "mel", Shape: []int64{2, 2}, Data: []float32{1, 2}}}
	if _, err := EncodeTensors(bad); err == nil {
		t.Fatal("expected error for shape/data mismatch")
	}
}

func TestOpenStoreRejectsMissingTensor(t *testing.T) {
	payload, err := EncodeTensors([]Tensor{{Name: "x", Shape: []int64{1}, Data: []float32{1}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	store, err := OpenStoreFromBytes(payload)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := store.Tensor("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestOpenStoreRejectsTruncatedPayload(t *testing.T) {
	payload, err := EncodeTensors([]Tensor{{Name: "x", Shape: []int64{4}, Data: []float32{1, 2, 3, 4}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := OpenStoreFromBytes(payload[:len(payload)-4]); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestDecodeBF16(t *testing.T) {
	// 1.0 in bf16 is the top 16 bits of the float32 bit pattern.
	bits := math.Float32bits(1.0)

	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, uint16(bits>>16))

	out, err := decodeTensorData(raw, dtypeBF16, []int64{1})
	if err != nil {
		t.Fatalf("decode bf16: %v", err)
	}

	if out[0] != 1.0 {
		t.Fatalf("bf16 1.0 decoded to %v", out[0])
	}
}

func TestDecodeF16(t *testing.T) {
	cases := []struct {
		bits uint16
		want float32
	}{
		{0x3c00, 1.0},
		{0xbc00, -1.0},
		{0x0000, 0.0},
		{0x3800, 0.5},
	}

	for _, tc := range cases {
		raw := make([]byte, 2)
		binary.LittleEndian.PutUint16(raw, tc.bits)

		out, err := decodeTensorData(raw, dtypeF16, []int64{1})
		if err != nil {
			t.Fatalf("decode f16 %#x: %v", tc.bits, err)
		}

		if out[0] != tc.want {
			t.Fatalf("f16 %#x decoded to %v, want %v", tc.bits, out[0], tc.want)
		}
	}
}

func TestLoadSpeakerEmbeddingShapes(t *testing.T) {
	payload, err := EncodeTensors([]Tensor{{Name: "speaker", Shape: []int64{4}, Data: []float32{1, 2, 3, 4}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dir := t.TempDir()

	path := dir + "/speaker.safetensors"
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, shape, err := LoadSpeakerEmbedding(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(shape) != 2 || shape[0] != 1 || shape[1] != 4 {
		t.Fatalf("shape = %v, want [1 4]", shape)
	}

	if len(data) != 4 || data[3] != 4 {
		t.Fatalf("data = %v", data)
	}
}
