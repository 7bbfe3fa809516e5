package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/web3chat/internal/completion"
	"github.com/ggonzalez94/web3chat/internal/config"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/model"
)

const (
	roleDetect    = "detect"
	roleReply     = "reply"
	roleResolve   = "resolve"
	roleInterpret = "interpret"
)

// providerSet holds the provider bound to each assistant role.
type providerSet struct {
	detect    completion.Provider
	reply     completion.Provider
	resolve   completion.ToolCaller
	interpret completion.Provider
}

func (s *runtimeState) ensureProviders() error {
	if s.roles != nil {
		return nil
	}
	settings := s.settings
	breaker := completion.BreakerConfig{
		MaxFailures: settings.BreakerMaxFailures,
		Timeout:     settings.BreakerTimeout,
		Interval:    settings.BreakerInterval,
	}

	gemini := completion.NewGemini(s.httpClient, settings.Gemini.BaseURL, settings.Gemini.APIKey, settings.Gemini.Model)
	openAIKey := settings.OpenAI.APIKey
	if openAIKey == "" {
		// the default OpenAI base is Gemini's compatible endpoint
		openAIKey = settings.Gemini.APIKey
	}
	openAI := completion.NewOpenAI(completion.OpenAIConfig{
		APIKey:  openAIKey,
		BaseURL: settings.OpenAI.BaseURL,
		Model:   settings.OpenAI.Model,
		Timeout: settings.Timeout,
		Retries: settings.Retries,
	})
	sensay := completion.NewSensay(s.httpClient, completion.SensayConfig{
		BaseURL:    settings.Sensay.BaseURL,
		APIKey:     settings.Sensay.APIKey,
		ReplicaID:  settings.Sensay.ReplicaID,
		UserID:     settings.Sensay.UserID,
		APIVersion: settings.Sensay.APIVersion,
	})
	replicate := completion.NewReplicate(s.httpClient, completion.ReplicateConfig{
		Endpoint: settings.Replicate.BaseURL,
		APIToken: settings.Replicate.APIKey,
		Version:  settings.Replicate.Version,
	})

	texts := map[string]completion.Provider{
		"gemini": gemini,
		"openai": openAI,
		"sensay": sensay,
	}
	tools := map[string]completion.ToolCaller{
		"gemini":    gemini,
		"openai":    openAI,
		"replicate": replicate,
	}

	textFor := func(role, name string) (completion.Provider, error) {
		p, ok := texts[name]
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported %s provider %q (expected gemini|openai|sensay)", role, name))
		}
		return &trackedProvider{inner: completion.NewBreakerProvider(p, breaker, s.logger), role: role, rec: s.statuses}, nil
	}

	set := &providerSet{}
	var err error
	if set.detect, err = textFor(roleDetect, settings.DetectProvider); err != nil {
		return err
	}
	if settings.ReplyProvider != "" {
		if set.reply, err = textFor(roleReply, settings.ReplyProvider); err != nil {
			return err
		}
	}
	if set.interpret, err = textFor(roleInterpret, settings.InterpretProvider); err != nil {
		return err
	}
	caller, ok := tools[settings.ResolveProvider]
	if !ok {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported resolve provider %q (expected openai|gemini|replicate)", settings.ResolveProvider))
	}
	set.resolve = &trackedToolCaller{inner: completion.NewBreakerToolCaller(caller, breaker, s.logger), role: roleResolve, rec: s.statuses}

	for _, info := range s.providerInfos {
		if len(info.Roles) > 0 && info.RequiresKey && !info.Configured {
			s.warn(fmt.Sprintf("%s has no api key; set %s", info.Name, info.KeyEnvVar))
		}
	}
	s.roles = set
	return nil
}

// providerInfos describes every provider without contacting any of them.
func providerInfos(settings config.Settings) []model.ProviderInfo {
	roles := map[string][]string{}
	for _, binding := range []struct{ role, name string }{
		{roleDetect, settings.DetectProvider},
		{roleReply, settings.ReplyProvider},
		{roleResolve, settings.ResolveProvider},
		{roleInterpret, settings.InterpretProvider},
	} {
		if binding.name != "" {
			roles[binding.name] = append(roles[binding.name], binding.role)
		}
	}
	openAIKey := settings.OpenAI.APIKey
	if openAIKey == "" {
		openAIKey = settings.Gemini.APIKey
	}
	return []model.ProviderInfo{
		{
			Name:        "gemini",
			Interfaces:  []string{"complete", "complete_with_tools"},
			Roles:       roles["gemini"],
			RequiresKey: true,
			KeyEnvVar:   "WEB3CHAT_GEMINI_API_KEY",
			Configured:  strings.TrimSpace(settings.Gemini.APIKey) != "",
			BaseURL:     settings.Gemini.BaseURL,
			Model:       settings.Gemini.Model,
		},
		{
			Name:        "openai",
			Interfaces:  []string{"complete", "complete_with_tools"},
			Roles:       roles["openai"],
			RequiresKey: true,
			KeyEnvVar:   "WEB3CHAT_OPENAI_API_KEY",
			Configured:  strings.TrimSpace(openAIKey) != "",
			BaseURL:     settings.OpenAI.BaseURL,
			Model:       settings.OpenAI.Model,
		},
		{
			Name:        "sensay",
			Interfaces:  []string{"complete"},
			Roles:       roles["sensay"],
			RequiresKey: true,
			KeyEnvVar:   "WEB3CHAT_SENSAY_API_KEY",
			Configured:  strings.TrimSpace(settings.Sensay.APIKey) != "",
			BaseURL:     settings.Sensay.BaseURL,
		},
		{
			Name:        "replicate",
			Interfaces:  []string{"complete_with_tools"},
			Roles:       roles["replicate"],
			RequiresKey: true,
			KeyEnvVar:   "WEB3CHAT_REPLICATE_API_TOKEN",
			Configured:  strings.TrimSpace(settings.Replicate.APIKey) != "",
			BaseURL:     settings.Replicate.BaseURL,
		},
	}
}

// statusRecorder collects the provider calls made while serving one command.
type statusRecorder struct {
	mu    sync.Mutex
	items []model.ProviderStatus
}

func (r *statusRecorder) add(name, role string, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, model.ProviderStatus{
		Name:      name,
		Role:      role,
		Status:    statusFromErr(err),
		LatencyMS: elapsed.Milliseconds(),
	})
}

func (r *statusRecorder) take() []model.ProviderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.items
	r.items = nil
	return items
}

type trackedProvider struct {
	inner completion.Provider
	role  string
	rec   *statusRecorder
}

func (p *trackedProvider) Name() string { return p.inner.Name() }

func (p *trackedProvider) Complete(ctx context.Context, messages []completion.Message, opts completion.Options) (string, error) {
	start := time.Now()
	text, err := p.inner.Complete(ctx, messages, opts)
	p.rec.add(p.inner.Name(), p.role, err, time.Since(start))
	return text, err
}

type trackedToolCaller struct {
	inner completion.ToolCaller
	role  string
	rec   *statusRecorder
}

func (p *trackedToolCaller) Name() string { return p.inner.Name() }

func (p *trackedToolCaller) CompleteWithTools(ctx context.Context, messages []completion.Message, tools []completion.Tool, opts completion.Options) (completion.ToolResponse, error) {
	start := time.Now()
	resp, err := p.inner.CompleteWithTools(ctx, messages, tools, opts)
	p.rec.add(p.inner.Name(), p.role, err, time.Since(start))
	return resp, err
}
