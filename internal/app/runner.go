package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/web3chat/internal/assistant"
	"github.com/ggonzalez94/web3chat/internal/cache"
	"github.com/ggonzalez94/web3chat/internal/chain"
	"github.com/ggonzalez94/web3chat/internal/config"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/httpx"
	"github.com/ggonzalez94/web3chat/internal/logger"
	"github.com/ggonzalez94/web3chat/internal/model"
	"github.com/ggonzalez94/web3chat/internal/notify"
	"github.com/ggonzalez94/web3chat/internal/out"
	"github.com/ggonzalez94/web3chat/internal/policy"
	"github.com/ggonzalez94/web3chat/internal/schema"
	"github.com/ggonzalez94/web3chat/internal/store"
	"github.com/ggonzalez94/web3chat/internal/tracer"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
	"github.com/ggonzalez94/web3chat/internal/version"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithIO(os.Stdin, os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return NewRunnerWithIO(os.Stdin, stdout, stderr)
}

func NewRunnerWithIO(stdin io.Reader, stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	root        *cobra.Command
	lastCommand string

	logger        *slog.Logger
	logCloser     func() error
	traceShutdown func(context.Context) error

	httpClient    *httpx.Client
	roles         *providerSet
	providerInfos []model.ProviderInfo
	statuses      *statusRecorder

	cache   *cache.Store
	store   *store.Store
	chain   chain.Client
	bus     *notify.Bus
	queue   *txqueue.Queue
	session *assistant.Session

	mu       sync.Mutex
	warnings []string
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: logger.Discard(), statuses: &statusRecorder{}}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Conversational Web3 assistant with approval-gated chain actions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if s.logCloser == nil {
				log, closer, err := logger.New(logger.Config{Level: settings.LogLevel, Format: settings.LogFormat, Output: settings.LogOutput})
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
				}
				s.logger, s.logCloser = log, closer
			}
			if s.traceShutdown == nil {
				shutdown, err := tracer.Setup(cmd.Context(), tracer.Config{Enabled: settings.TraceEnabled, Exporter: settings.TraceExport})
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "configure tracing", err)
				}
				s.traceShutdown = shutdown
			}

			if s.httpClient == nil {
				s.httpClient = httpx.New(settings.Timeout, settings.Retries, httpx.WithRateLimit(settings.RateLimit, settings.RateBurst))
				s.providerInfos = providerInfos(settings)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.EnableFunctions, "enable-functions", "", "Allowlist executable functions (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.ChainBackend, "chain-backend", "", "Chain backend (simulated|evm)")
	cmd.PersistentFlags().Int64Var(&s.flags.ChainID, "chain-id", 0, "EVM chain id")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "RPC endpoint override for the evm backend")
	cmd.PersistentFlags().StringVar(&s.flags.Wallet, "wallet", "", "Wallet address used for reads")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStore, "no-store", false, "Do not persist function calls and queue entries")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newAskCommand())
	cmd.AddCommand(s.newChatCommand())
	cmd.AddCommand(s.newCallsCommand())
	cmd.AddCommand(s.newQueueCommand())
	cmd.AddCommand(s.newCapabilitiesCommand())
	cmd.AddCommand(s.newExplorerCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Completion provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List completion providers, their roles and key metadata (no keys required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) emitSuccess(commandPath string, data any) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: s.takeWarnings(),
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: s.statuses.take(),
			Backend:   s.backendName(),
		},
	}
	return out.Render(s.runner.stdout, env, s.outputOptions())
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	opts := s.outputOptions()
	if opts.Mode == "" {
		opts.Mode = out.ModeJSON
	}
	opts.ResultsOnly = false
	opts.Select = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    clierr.TypeName(clierr.CodeOf(err)),
			Message: message,
		},
		Warnings: s.takeWarnings(),
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: s.statuses.take(),
			Backend:   s.backendName(),
		},
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func (s *runtimeState) outputOptions() out.Options {
	return out.Options{
		Mode:        s.settings.OutputMode,
		Select:      s.settings.SelectFields,
		ResultsOnly: s.settings.ResultsOnly,
	}
}

func (s *runtimeState) warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

func (s *runtimeState) takeWarnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.warnings
	s.warnings = nil
	return w
}

func (s *runtimeState) backendName() string {
	if s.chain == nil {
		return ""
	}
	return s.chain.Name()
}

// close releases everything opened lazily by commands, in reverse order.
func (s *runtimeState) close() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if closer, ok := s.chain.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.traceShutdown(ctx)
		cancel()
	}
	if s.logCloser != nil {
		_ = s.logCloser()
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		case clierr.CodeTimeout:
			return "timeout"
		default:
			return "error"
		}
	}
	return "error"
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
