package openai

import (
	"testing"
)

func TestDimensionsPerModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		// Unknown models fall back to a usable width rather than zero,
		// which would break the knowledge index schema.
		{"some-future-model", 1536},
	}
	for _, tt := range tests {
		p := &Provider{model: tt.model}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("%s: Dimensions() = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestModelIDPassesThrough(t *testing.T) {
	p := &Provider{model: "text-embedding-3-small"}
	if got := p.ModelID(); got != "text-embedding-3-small" {
		t.Errorf("ModelID() = %q", got)
	}
}

func TestNewDefaultsModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("model = %s, want %s", p.ModelID(), DefaultModel)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("New accepted an empty API key")
	}
}

func TestNewAcceptsOptions(t *testing.T) {
	_, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("New with options: %v", err)
	}
}

func TestToFloat32(t *testing.T) {
	out := toFloat32([]float64{1.0, 2.5, -0.5})
	want := []float32{1.0, 2.5, -0.5}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}
