package canonicalize

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSON_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JSON(input)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJSON_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JSON(input)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJSON_ASCIIEscape(t *testing.T) {
	cases := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"umlaut", map[string]interface{}{"name": "Müller"}, `{"name":"Müller"}`},
		{"cjk", "こんにちは", `"こんにちは"`},
		{"emoji surrogate pair", "🚀", `"🚀"`},
		{"control chars", "a\tb\nc", `"a\tb\nc"`},
		{"unit separator", "\x1f", `""`},
		{"html not escaped", "<a> & </a>", `"<a> & </a>"`},
		{"quote and backslash", `say "hi" \ bye`, `"say \"hi\" \\ bye"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := JSON(tc.input)
			if err != nil {
				t.Fatalf("JSON failed: %v", err)
			}
			if string(b) != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, string(b))
			}
		})
	}
}

func TestJSON_Numbers(t *testing.T) {
	raw := `{"int":42,"float":0.25,"neg":-7,"exp":1e-06}`
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}

	b, err := JSON(v)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	// json.Number round-trips the original literals.
	expected := `{"exp":1e-06,"float":0.25,"int":42,"neg":-7}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJSON_StructTags(t *testing.T) {
	type payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens *int `json:"max_tokens"`
	}

	p := payload{Model: "gpt-4o-mini"}
	b, err := JSON(p)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	expected := `{"max_tokens":null,"messages":null,"model":"gpt-4o-mini"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_Deterministic(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": []interface{}{"x", "y"}}
	b := map[string]interface{}{"a": []interface{}{"x", "y"}, "b": 1}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if ha != hb {
		t.Errorf("hashes differ for equivalent objects: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(ha))
	}
}

func TestHash_KnownVector(t *testing.T) {
	// SHA-256 of the exact bytes {"a":1}.
	h, err := Hash(map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h != HashBytes([]byte(`{"a":1}`)) {
		t.Errorf("hash mismatch: %s", h)
	}
}
