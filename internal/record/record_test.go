package record

import (
	"math"
	"testing"
)

func TestHashURLTrimsWhitespace(t *testing.T) {
	t.Parallel()

	if HashURL("https://x.com/y") != HashURL("  https://x.com/y\n") {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
	if HashURL("https://x.com/y") == HashURL("https://x.com/Y") {
		t.Fatalf("expected case-sensitive path to hash differently")
	}
	if got := len(HashURL("a")); got != 64 {
		t.Fatalf("expected 64 hex chars, got %d", got)
	}
}

func TestEmbeddingRoundTripKeepsValues(t *testing.T) {
	t.Parallel()

	in := []float32{0, 1.5, -2.25, 3.0e-8}
	raw := EncodeEmbedding(in)
	if len(raw) != len(in)*4 {
		t.Fatalf("expected %d bytes, got %d", len(in)*4, len(raw))
	}
	out, err := DecodeEmbedding(raw)
	if err != nil {
		t.Fatalf("DecodeEmbedding returned error: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("index %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestDecodeEmbeddingRejectsTruncatedBlob(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}

func TestValidateVector(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		vector  []float32
		dims    int
		wantErr bool
	}{
		{name: "ok", vector: []float32{1, 2}, dims: 2},
		{name: "any dims", vector: []float32{1, 2, 3}, dims: 0},
		{name: "empty", vector: nil, dims: 2, wantErr: true},
		{name: "wrong dims", vector: []float32{1}, dims: 2, wantErr: true},
		{name: "nan", vector: []float32{float32(math.NaN()), 1}, dims: 2, wantErr: true},
		{name: "inf", vector: []float32{float32(math.Inf(1)), 1}, dims: 2, wantErr: true},
	}
	for _, tc := range cases {
		err := ValidateVector(tc.vector, tc.dims)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: expected error=%v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestDecisionIsDuplicate(t *testing.T) {
	t.Parallel()

	if !(Decision{Kind: DecisionURLExact}).IsDuplicate() {
		t.Fatalf("url_exact should remove its subject")
	}
	if (Decision{Kind: DecisionSemanticLLM, ConfirmedBySecondary: BoolPtr(false)}).IsDuplicate() {
		t.Fatalf("unconfirmed semantic_llm should keep its subject")
	}
	if !(Decision{Kind: DecisionSemanticLLM, ConfirmedBySecondary: BoolPtr(true)}).IsDuplicate() {
		t.Fatalf("confirmed semantic_llm should remove its subject")
	}
}
