package completion

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/httpx"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

const geminiDefaultBase = "https://generativelanguage.googleapis.com"

// Gemini talks to the native generateContent endpoint.
type Gemini struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	model   string
}

func NewGemini(client *httpx.Client, baseURL, apiKey, model string) *Gemini {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Gemini{
		http:    client,
		baseURL: trimBaseURL(baseURL, geminiDefaultBase),
		apiKey:  apiKey,
		model:   model,
	}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := g.generate(ctx, messages, nil, opts)
	if err != nil {
		return "", err
	}
	text := resp.Text
	if strings.TrimSpace(text) == "" {
		return "", clierr.New(clierr.CodeUnavailable, "No valid response from Gemini")
	}
	return text, nil
}

func (g *Gemini) CompleteWithTools(ctx context.Context, messages []Message, tools []Tool, opts Options) (ToolResponse, error) {
	return g.generate(ctx, messages, tools, opts)
}

func (g *Gemini) generate(ctx context.Context, messages []Message, tools []Tool, opts Options) (resp ToolResponse, err error) {
	ctx, span := tracer.StartSpan(ctx, "completion.gemini",
		tracer.String("llm.model", g.model),
		tracer.Int("llm.tools", len(tools)),
	)
	defer func() { tracer.End(span, err) }()

	if strings.TrimSpace(g.apiKey) == "" {
		return ToolResponse{}, clierr.New(clierr.CodeAuth, "missing Gemini API key")
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.baseURL, url.PathEscape(g.model), url.QueryEscape(g.apiKey))
	var out geminiResponse
	if _, err := g.http.PostJSON(ctx, endpoint, toGeminiRequest(messages, tools, opts.withDefaults()), nil, &out); err != nil {
		return ToolResponse{}, err
	}
	return fromGeminiResponse(out)
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

func toGeminiRequest(messages []Message, tools []Tool, opts Options) geminiRequest {
	req := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			MaxOutputTokens: opts.MaxTokens,
		},
	}
	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
			continue
		case RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		case RoleFunction:
			text := m.Content
			if m.Name != "" {
				text = fmt.Sprintf("Function %s returned: %s", m.Name, m.Content)
			}
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if len(tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return req
}

func fromGeminiResponse(resp geminiResponse) (ToolResponse, error) {
	if resp.Error != nil && resp.Error.Message != "" {
		return ToolResponse{}, clierr.New(clierr.CodeUnavailable, "gemini: "+resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return ToolResponse{}, clierr.New(clierr.CodeUnavailable, "No valid response from Gemini")
	}
	var out ToolResponse
	var text []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.Calls = append(out.Calls, Call{Name: part.FunctionCall.Name, Arguments: args})
			continue
		}
		if part.Text != "" {
			text = append(text, part.Text)
		}
	}
	out.Text = strings.Join(text, "")
	return out, nil
}
