package completion

import (
	"context"
	"encoding/json"
	"strings"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/httpx"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

const (
	replicateDefaultEndpoint = "https://api.replicate.com/v1/predictions"
	replicateMaxNewTokens    = 3000
)

type ReplicateConfig struct {
	Endpoint string
	APIToken string
	Version  string
}

// Replicate resolves tool calls through a Replicate-style prediction
// endpoint. The query is the last user message.
type Replicate struct {
	http *httpx.Client
	cfg  ReplicateConfig
}

func NewReplicate(client *httpx.Client, cfg ReplicateConfig) *Replicate {
	cfg.Endpoint = trimBaseURL(cfg.Endpoint, replicateDefaultEndpoint)
	return &Replicate{http: client, cfg: cfg}
}

func (r *Replicate) Name() string { return "replicate" }

type replicateRequest struct {
	Version string         `json:"version,omitempty"`
	Input   replicateInput `json:"input"`
}

type replicateInput struct {
	Query        string  `json:"query"`
	Tools        string  `json:"tools"`
	TopP         float64 `json:"top_p"`
	Temperature  float64 `json:"temperature"`
	MaxNewTokens int     `json:"max_new_tokens"`
}

type replicateResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

type replicateToolCall struct {
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type replicateToolSpec struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

func (r *Replicate) CompleteWithTools(ctx context.Context, messages []Message, tools []Tool, opts Options) (out ToolResponse, err error) {
	ctx, span := tracer.StartSpan(ctx, "completion.replicate", tracer.Int("llm.tools", len(tools)))
	defer func() { tracer.End(span, err) }()

	if strings.TrimSpace(r.cfg.APIToken) == "" {
		return ToolResponse{}, clierr.New(clierr.CodeAuth, "missing Replicate API token")
	}

	specs := make([]replicateToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, replicateToolSpec{Type: "function", Function: t})
	}
	rawTools, err := json.Marshal(specs)
	if err != nil {
		return ToolResponse{}, clierr.Wrap(clierr.CodeInternal, "encode tools", err)
	}

	opts = opts.withDefaults()
	body := replicateRequest{
		Version: r.cfg.Version,
		Input: replicateInput{
			Query:        LastUser(messages),
			Tools:        string(rawTools),
			TopP:         opts.TopP,
			Temperature:  opts.Temperature,
			MaxNewTokens: replicateMaxNewTokens,
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + r.cfg.APIToken}

	var resp replicateResponse
	if _, err := r.http.PostJSON(ctx, r.cfg.Endpoint, body, headers, &resp); err != nil {
		return ToolResponse{}, err
	}
	if resp.Error != "" {
		return ToolResponse{}, clierr.New(clierr.CodeUnavailable, "replicate: "+resp.Error)
	}
	return parseReplicateOutput(resp.Output)
}

// parseReplicateOutput accepts either a list of function calls or text.
func parseReplicateOutput(raw json.RawMessage) (ToolResponse, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ToolResponse{}, clierr.New(clierr.CodeUnavailable, "No valid response from Replicate")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return ToolResponse{Text: text}, nil
	}

	var calls []replicateToolCall
	if err := json.Unmarshal(raw, &calls); err == nil {
		var out ToolResponse
		for _, c := range calls {
			if c.Function.Name == "" {
				continue
			}
			args, err := replicateArguments(c.Function.Arguments)
			if err != nil {
				return ToolResponse{}, clierr.Wrap(clierr.CodeUnavailable, "parse tool call "+c.Function.Name, err)
			}
			out.Calls = append(out.Calls, Call{Name: c.Function.Name, Arguments: args})
		}
		return out, nil
	}

	// Some models stream text chunks as a list of strings.
	var chunks []string
	if err := json.Unmarshal(raw, &chunks); err == nil {
		return ToolResponse{Text: strings.Join(chunks, "")}, nil
	}
	return ToolResponse{}, clierr.New(clierr.CodeUnavailable, "unrecognized Replicate output")
}

func replicateArguments(raw json.RawMessage) (map[string]any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decodeArguments(s)
	}
	return decodeArguments(string(raw))
}
