package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/tracer"
	"github.com/ggonzalez94/web3chat/internal/version"
)

// openAIDefaultBase is Gemini's OpenAI-compatible endpoint.
const openAIDefaultBase = "https://generativelanguage.googleapis.com/v1beta/openai/"

// OpenAI runs chat completions against any OpenAI-compatible endpoint.
type OpenAI struct {
	client openai.Client
	model  string
	hasKey bool
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Retries int
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = openAIDefaultBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(base),
		option.WithHeader("User-Agent", version.UserAgent()),
		option.WithMaxRetries(max(cfg.Retries, 0)),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
		hasKey: strings.TrimSpace(cfg.APIKey) != "",
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := p.chat(ctx, messages, nil, opts)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", clierr.New(clierr.CodeUnavailable, "No valid response from OpenAI")
	}
	return resp.Text, nil
}

func (p *OpenAI) CompleteWithTools(ctx context.Context, messages []Message, tools []Tool, opts Options) (ToolResponse, error) {
	return p.chat(ctx, messages, tools, opts)
}

func (p *OpenAI) chat(ctx context.Context, messages []Message, tools []Tool, opts Options) (out ToolResponse, err error) {
	ctx, span := tracer.StartSpan(ctx, "completion.openai",
		tracer.String("llm.model", p.model),
		tracer.Int("llm.tools", len(tools)),
	)
	defer func() { tracer.End(span, err) }()

	if !p.hasKey {
		return ToolResponse{}, clierr.New(clierr.CodeAuth, "missing OpenAI-compatible API key")
	}

	opts = opts.withDefaults()
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(opts.Temperature),
		TopP:        openai.Float(opts.TopP),
		MaxTokens:   openai.Int(int64(opts.MaxTokens)),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ToolResponse{}, mapOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return ToolResponse{}, clierr.New(clierr.CodeUnavailable, "No valid response from OpenAI")
	}
	msg := resp.Choices[0].Message
	out.Text = msg.Content
	for _, tc := range msg.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return ToolResponse{}, clierr.Wrap(clierr.CodeUnavailable, "parse tool call "+tc.Function.Name, err)
		}
		out.Calls = append(out.Calls, Call{Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func toOpenAITools(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return out
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case RoleFunction:
			content := m.Content
			if m.Name != "" {
				content = "Function " + m.Name + " returned: " + m.Content
			}
			out = append(out, openai.UserMessage(content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return clierr.Wrap(clierr.CodeAuth, "provider authentication failed", err)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return clierr.Wrap(clierr.CodeRateLimited, "provider rate limited request", err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return clierr.Wrap(clierr.CodeUnavailable, "provider unavailable", err)
		default:
			return clierr.Wrap(clierr.CodeUnsupported, "provider rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return clierr.Wrap(clierr.CodeTimeout, "provider request cancelled", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}
