package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/web3chat/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"id": "fc_1", "status": "pending", "result": map[string]any{"balance": "42.38"}}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModeJSON, Select: []string{"id", "result.balance"}, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "fc_1" || out[0]["result.balance"] != "42.38" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["status"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"name": "get_gas_price", "parameters": map[string]any{"chain": "string"}}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModePlain, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "name=get_gas_price") || !strings.Contains(got, "parameters.chain=string") {
		t.Fatalf("unexpected plain output: %s", got)
	}
}

func TestRenderJSONEnvelopeWithError(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Error:   &model.ErrorBody{Code: 17, Type: "not_found", Message: "function call not found: fc_x"},
		Meta:    model.EnvelopeMeta{Command: "calls show"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModeJSON}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded model.Envelope
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if decoded.Success || decoded.Error == nil || decoded.Error.Type != "not_found" {
		t.Fatalf("unexpected envelope: %s", buf.String())
	}
}

func TestSaySkipsEmptyText(t *testing.T) {
	var buf bytes.Buffer
	if err := Say(&buf, "assistant", "  "); err != nil {
		t.Fatalf("Say failed: %v", err)
	}
	if err := Say(&buf, "assistant", "Your balance is 42.38 BNB."); err != nil {
		t.Fatalf("Say failed: %v", err)
	}
	if buf.String() != "assistant> Your balance is 42.38 BNB.\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
