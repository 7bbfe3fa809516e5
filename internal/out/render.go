// Package out renders command envelopes as JSON or key=value lines.
package out

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ggonzalez94/web3chat/internal/model"
)

const (
	ModeJSON  = "json"
	ModePlain = "plain"
)

type Options struct {
	Mode string
	// Select keeps only these fields; dotted paths reach into nested objects.
	Select      []string
	ResultsOnly bool
}

func Render(w io.Writer, env model.Envelope, opts Options) error {
	data := env.Data
	if len(opts.Select) > 0 {
		data = project(normalizeValue(data), opts.Select)
	}

	if opts.ResultsOnly {
		if opts.Mode == ModeJSON {
			return encode(w, data)
		}
		return renderPlain(w, data)
	}

	if opts.Mode == ModeJSON {
		env.Data = data
		return encode(w, env)
	}

	plain := map[string]any{
		"success":  env.Success,
		"data":     data,
		"warnings": env.Warnings,
		"meta":     env.Meta,
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

// Say writes one line of conversational text, used by the plain chat loop.
func Say(w io.Writer, role, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := fmt.Fprintf(w, "%s> %s\n", role, text)
	return err
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlain(w io.Writer, data any) error {
	n := normalizeValue(data)
	items, ok := n.([]any)
	if !ok {
		_, err := fmt.Fprintln(w, toLine("", n))
		return err
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	for _, item := range items {
		if _, err := fmt.Fprintln(w, toLine("", item)); err != nil {
			return err
		}
	}
	return nil
}

func project(data any, fields []string) any {
	switch t := data.(type) {
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
		return data
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, strings.Split(f, ".")); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(m map[string]any, path []string) (any, bool) {
	v, ok := m[path[0]]
	if !ok || len(path) == 1 {
		return v, ok
	}
	next, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	return lookup(next, path[1:])
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

// toLine flattens nested objects into sorted dotted keys.
func toLine(prefix string, v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		if prefix != "" {
			return prefix + "=" + scalar(v)
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(buf)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, isMap := m[k].(map[string]any); isMap && len(nested) > 0 {
			parts = append(parts, toLine(key, nested))
			continue
		}
		parts = append(parts, key+"="+scalar(m[k]))
	}
	return strings.Join(parts, " ")
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if strings.ContainsAny(t, " \t") {
			return fmt.Sprintf("%q", t)
		}
		return t
	case map[string]any, []any:
		buf, _ := json.Marshal(t)
		return string(buf)
	default:
		return fmt.Sprint(t)
	}
}
