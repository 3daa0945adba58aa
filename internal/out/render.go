package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/ggonzalez94/lendpool-cli/internal/config"
	"github.com/ggonzalez94/lendpool-cli/internal/model"
)

// Render writes env in the configured mode. Failure envelopes always keep their
// classification; --results-only and --select apply to success data only.
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	if env.Error != nil {
		if settings.OutputMode == "json" {
			return writeJSON(w, env)
		}
		return renderPlainError(w, env)
	}

	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.OutputMode == "json" {
		if settings.ResultsOnly {
			return writeJSON(w, data)
		}
		env.Data = data
		return writeJSON(w, env)
	}

	if err := renderPlain(w, data); err != nil {
		return err
	}
	if settings.ResultsOnly {
		return nil
	}
	return renderPlainFooter(w, env)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlainError prints one summary line, then the fields an operator acts on.
func renderPlainError(w io.Writer, env model.Envelope) error {
	e := env.Error
	head := fmt.Sprintf("error code=%d type=%s", e.Code, e.Type)
	if e.Kind != "" {
		head += " kind=" + e.Kind
	}
	lines := []string{head, "message: " + e.Message}
	if e.Raw != "" && e.Raw != e.Message {
		lines = append(lines, "raw: "+e.Raw)
	}
	if e.Hint != "" {
		lines = append(lines, "hint: "+e.Hint)
	}
	if e.OperationID != "" {
		lines = append(lines, "operation: "+e.OperationID)
	}
	for _, warning := range env.Warnings {
		lines = append(lines, "warning: "+warning)
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func renderPlainFooter(w io.Writer, env model.Envelope) error {
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintln(w, "warning: "+warning); err != nil {
			return err
		}
	}
	if env.Meta.Partial {
		if _, err := fmt.Fprintln(w, "partial: some reserves could not be read"); err != nil {
			return err
		}
	}
	return nil
}

func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			line, err := toLine(normalizeValue(v.Index(i).Interface()))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

// project keeps the selected fields. A dotted field such as
// snapshot.health_factor reaches into nested objects.
func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookupPath(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// toLine renders an object as sorted key=value pairs, flattening nested
// objects into dotted keys.
func toLine(v any) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
	flat := map[string]any{}
	flatten("", m, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+scalar(flat[k]))
	}
	return strings.Join(parts, " "), nil
}

func flatten(prefix string, m map[string]any, dst map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, dst)
			continue
		}
		dst[key] = v
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if t == "" || strings.ContainsAny(t, " \t") {
			return fmt.Sprintf("%q", t)
		}
		return t
	case []any, map[string]any:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	default:
		return fmt.Sprint(t)
	}
}
