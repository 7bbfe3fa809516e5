package completion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/httpx"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

const (
	sensayDefaultBase = "https://api.sensay.io"
	sensayReplicaSlug = "axioschat_v2"
)

type SensayConfig struct {
	BaseURL    string
	APIKey     string
	ReplicaID  string
	UserID     string
	APIVersion string
}

// Sensay answers through a replica's chat endpoint. It only sees the last
// user message; the replica keeps its own history.
type Sensay struct {
	http *httpx.Client
	cfg  SensayConfig

	mu      sync.Mutex
	replica string
}

func NewSensay(client *httpx.Client, cfg SensayConfig) *Sensay {
	cfg.BaseURL = trimBaseURL(cfg.BaseURL, sensayDefaultBase)
	if cfg.UserID == "" {
		cfg.UserID = "web3chat-user"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2025-03-25"
	}
	return &Sensay{http: client, cfg: cfg, replica: strings.TrimSpace(cfg.ReplicaID)}
}

func (s *Sensay) Name() string { return "sensay" }

type sensayChatRequest struct {
	Content         string `json:"content"`
	Source          string `json:"source"`
	SkipChatHistory bool   `json:"skip_chat_history"`
}

type sensayChatResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

type sensayReplicaList struct {
	Items []struct {
		UUID string `json:"uuid"`
		Slug string `json:"slug"`
	} `json:"items"`
}

func (s *Sensay) Complete(ctx context.Context, messages []Message, _ Options) (reply string, err error) {
	ctx, span := tracer.StartSpan(ctx, "completion.sensay")
	defer func() { tracer.End(span, err) }()

	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return "", clierr.New(clierr.CodeAuth, "missing Sensay API key")
	}
	content := LastUser(messages)
	if strings.TrimSpace(content) == "" {
		return "", clierr.New(clierr.CodeUsage, "sensay request has no user message")
	}
	replica, err := s.replicaID(ctx)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/v1/replicas/%s/chat/completions", s.cfg.BaseURL, url.PathEscape(replica))
	var out sensayChatResponse
	body := sensayChatRequest{Content: content, Source: "web"}
	if _, err := s.http.PostJSON(ctx, endpoint, body, s.headers(), &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", clierr.New(clierr.CodeUnavailable, "No valid response from Sensay")
	}
	return out.Content, nil
}

// replicaID resolves the configured replica, or discovers one by slug and
// falls back to the first replica on the account.
func (s *Sensay) replicaID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replica != "" {
		return s.replica, nil
	}

	var list sensayReplicaList
	if _, err := httpx.DoBodyJSON(ctx, s.http, http.MethodGet, s.cfg.BaseURL+"/v1/replicas", nil, s.headers(), &list); err != nil {
		return "", err
	}
	if len(list.Items) == 0 {
		return "", clierr.New(clierr.CodeUnavailable, "no Sensay replica available; set providers.sensay.replica_id")
	}
	s.replica = list.Items[0].UUID
	for _, item := range list.Items {
		if item.Slug == sensayReplicaSlug {
			s.replica = item.UUID
			break
		}
	}
	return s.replica, nil
}

func (s *Sensay) headers() map[string]string {
	return map[string]string{
		"X-ORGANIZATION-SECRET": s.cfg.APIKey,
		"X-USER-ID":             s.cfg.UserID,
		"X-API-Version":         s.cfg.APIVersion,
	}
}
