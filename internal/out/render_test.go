package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/lendpool-cli/internal/config"
	"github.com/ggonzalez94/lendpool-cli/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"symbol": "DAI", "frozen": false}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"symbol"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["symbol"] != "DAI" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["frozen"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"band": "healthy", "health_factor": "1.82"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "band=healthy") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
}

func TestRenderErrorEnvelopeKeepsClassification(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: false,
		Error: &model.ErrorBody{
			Code:    25,
			Type:    "simulation_failed",
			Message: "borrow reverted [InsufficientCollateral]",
			Kind:    "InsufficientCollateral",
			Raw:     "execution reverted: 11",
		},
		Meta: model.EnvelopeMeta{Timestamp: time.Now(), Command: "borrow"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "json"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded model.Envelope
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Kind != "InsufficientCollateral" || decoded.Error.Raw != "execution reverted: 11" {
		t.Fatalf("classification lost: %s", buf.String())
	}

	buf.Reset()
	if err := Render(&buf, env, config.Settings{OutputMode: "json", ResultsOnly: true, SelectFields: []string{"x"}}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"kind": "InsufficientCollateral"`) {
		t.Fatalf("results-only must not strip the error envelope: %s", buf.String())
	}
}

func TestRenderPlainErrorShowsKindRawAndHint(t *testing.T) {
	env := model.Envelope{
		Success: false,
		Error: &model.ErrorBody{
			Code:        21,
			Type:        "validation_error",
			Message:     "build supply call [ReserveInactive]",
			Kind:        "ReserveInactive",
			Raw:         "reserve 0xD1 is not active",
			Hint:        "the reserve is disabled",
			OperationID: "op-1",
		},
		Warnings: []string{"dataProvider address not configured"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"error code=21 type=validation_error kind=ReserveInactive",
		"message: build supply call [ReserveInactive]",
		"raw: reserve 0xD1 is not active",
		"hint: the reserve is disabled",
		"operation: op-1",
		"warning: dataProvider address not configured",
	}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected plain error output:\n%s", buf.String())
	}
}

func TestRenderPlainFlattensNestedObjects(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data: map[string]any{
			"snapshot":   map[string]any{"band": "at_risk", "health_factor": "1.10"},
			"thresholds": map[string]any{"at_risk": 1.5},
		},
		Warnings: []string{"health factor 1.10 is below the at-risk threshold 1.50"},
		Meta:     model.EnvelopeMeta{Partial: true},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected data, warning and partial lines, got:\n%s", buf.String())
	}
	if lines[0] != "snapshot.band=at_risk snapshot.health_factor=1.10 thresholds.at_risk=1.5" {
		t.Fatalf("unexpected data line: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "warning: health factor") || !strings.HasPrefix(lines[2], "partial:") {
		t.Fatalf("unexpected footer: %v", lines[1:])
	}
}

func TestRenderSelectReachesNestedFields(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data:    map[string]any{"snapshot": map[string]any{"band": "healthy", "health_factor": "2.40"}, "user": "0xAA"},
	}
	settings := config.Settings{OutputMode: "json", ResultsOnly: true, SelectFields: []string{"snapshot.health_factor", "missing"}}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out["snapshot.health_factor"] != "2.40" {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
}
