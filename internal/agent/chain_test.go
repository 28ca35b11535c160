package agent

import (
	"reflect"
	"testing"
)

func TestBuildChain(t *testing.T) {
	tests := []struct {
		name      string
		primaries []string
		fallbacks map[string]string
		want      []string
	}{
		{
			name:      "single primary with fallback",
			primaries: []string{"claude"},
			fallbacks: map[string]string{"claude": "aider"},
			want:      []string{"claude", "aider"},
		},
		{
			name:      "fallback of fallback",
			primaries: []string{"claude"},
			fallbacks: map[string]string{"claude": "aider", "aider": "goose"},
			want:      []string{"claude", "aider", "goose"},
		},
		{
			name:      "multiple primaries extended in order",
			primaries: []string{"a", "b", "c"},
			fallbacks: map[string]string{"a": "b", "b": "c"},
			want:      []string{"a", "b", "c"},
		},
		{
			name:      "cycle is broken by dedup",
			primaries: []string{"a"},
			fallbacks: map[string]string{"a": "b", "b": "a"},
			want:      []string{"a", "b"},
		},
		{
			name:      "duplicate primaries collapse",
			primaries: []string{"claude", "claude", "aider"},
			fallbacks: nil,
			want:      []string{"claude", "aider"},
		},
		{
			name:      "empty primaries use default agent",
			primaries: nil,
			fallbacks: map[string]string{"default": "aider"},
			want:      []string{"default", "aider"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildChain(tt.primaries, tt.fallbacks)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildChain(%v, %v) = %v, want %v", tt.primaries, tt.fallbacks, got, tt.want)
			}
		})
	}
}

func TestChainEncodeDecode(t *testing.T) {
	raw, err := EncodeChain([]string{"claude", "aider"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ids, err := DecodeChain(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"claude", "aider"}) {
		t.Errorf("roundtrip = %v", ids)
	}
}

func TestDecodeChainEmpty(t *testing.T) {
	for _, raw := range []string{"", "[]"} {
		ids, err := DecodeChain(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if !reflect.DeepEqual(ids, []string{"default"}) {
			t.Errorf("decode %q = %v, want [default]", raw, ids)
		}
	}
}

func TestDecodeChainRejectsGarbage(t *testing.T) {
	if _, err := DecodeChain("{not json"); err == nil {
		t.Fatal("expected error for malformed chain")
	}
}
