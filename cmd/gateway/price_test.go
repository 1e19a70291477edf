package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

const testCards = `cards:
  - provider: p1
    model: up-1
    endpoint: chat.completions
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {id: in, meter: input_text_tokens, unit: token, price_per_unit: "0.000001"}
      - {id: out, meter: output_text_tokens, unit: token, price_per_unit: "0.000002"}
  - provider: p2
    model: up-2
    endpoint: chat.completions
    effective_from: 2025-01-01T00:00:00Z
    rules:
      - {id: in, meter: input_text_tokens, unit: token, price_per_unit: "0.000003"}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runPriceCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"price"}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		for _, name := range []string{"provider", "model", "endpoint", "plan", "at", "json"} {
			f := priceCmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPrice_PicksCardAndPrintsBill(t *testing.T) {
	cards := writeFile(t, "cards.yaml", testCards)
	use := writeFile(t, "usage.json", `{"prompt_tokens": 1000, "completion_tokens": 500}`)

	out, err := runPriceCmd(t, "--card", cards, "--usage", use,
		"--provider", "p1", "--model", "up-1", "--endpoint", "chat.completions", "--at", "2025-06-01T00:00:00Z")
	if err != nil {
		t.Fatalf("price: %v", err)
	}

	for _, want := range []string{"p1 / up-1", "input_text_tokens", "output_text_tokens", "total 0.002000000 USD"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrice_JSON(t *testing.T) {
	cards := writeFile(t, "cards.yaml", testCards)
	use := writeFile(t, "usage.json", `{"input_tokens": 2000}`)

	out, err := runPriceCmd(t, "--card", cards, "--usage", use, "--json",
		"--provider", "p2", "--model", "up-2", "--endpoint", "chat.completions", "--at", "2025-06-01T00:00:00Z")
	if err != nil {
		t.Fatalf("price: %v", err)
	}

	var bill struct {
		Total      string `json:"total"`
		TotalNanos int64  `json:"total_nanos"`
	}
	if err := json.Unmarshal([]byte(out), &bill); err != nil {
		t.Fatalf("decode bill: %v\n%s", err, out)
	}
	if bill.TotalNanos != 6_000_000 {
		t.Errorf("TotalNanos = %d, want 6000000", bill.TotalNanos)
	}
}

func TestPrice_AmbiguousCardFile(t *testing.T) {
	cards := writeFile(t, "cards.yaml", testCards)
	use := writeFile(t, "usage.json", `{"prompt_tokens": 1}`)

	_, err := runPriceCmd(t, "--card", cards, "--usage", use)
	if err == nil || !strings.Contains(err.Error(), "holds 2 cards") {
		t.Fatalf("err = %v, want ambiguity error", err)
	}
}

func TestPrice_InvalidUsage(t *testing.T) {
	cards := writeFile(t, "cards.yaml", testCards)
	use := writeFile(t, "usage.json", `{not json`)

	_, err := runPriceCmd(t, "--card", cards, "--usage", use,
		"--provider", "p1", "--model", "up-1", "--endpoint", "chat.completions", "--at", "2025-06-01T00:00:00Z")
	if err == nil {
		t.Fatal("expected error for invalid usage JSON")
	}
}
