package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/ggonzalez94/web3chat/internal/assistant"
	"github.com/ggonzalez94/web3chat/internal/completion"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/notify"
	"github.com/ggonzalez94/web3chat/internal/out"
	"github.com/ggonzalez94/web3chat/internal/schema"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
	"github.com/spf13/cobra"
)

// turnOutput is the data payload for commands that run a turn.
type turnOutput struct {
	assistant.Turn
	Queue         []txqueue.Transaction  `json:"queue"`
	Notifications []notify.Notification `json:"notifications,omitempty"`
}

func (s *runtimeState) newAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "ask <message...>",
		Short:       "Send one message to the assistant",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{schema.MutatingAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.TrimSpace(strings.Join(args, " "))
			if input == "" {
				return clierr.New(clierr.CodeUsage, "message is required")
			}
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			collect := s.collectNotifications()
			turn := s.session.Send(cmd.Context(), input)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.turnOutput(turn, collect()))
		},
	}
	return cmd
}

func (s *runtimeState) newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation; /approve <id>, /reject <id>, /calls, /queue, /quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if err := s.ensureSession(ctx); err != nil {
				return err
			}
			return s.runChat(ctx, s.runner.stdin, &syncWriter{w: s.runner.stdout})
		},
	}
	return cmd
}

func (s *runtimeState) runChat(ctx context.Context, in io.Reader, w io.Writer) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	driver := txqueue.NewDriver(s.queue, s.logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = driver.Run(loopCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	unsubscribe := s.bus.Subscribe("", func(n notify.Notification) {
		_ = out.Say(w, "notice", fmt.Sprintf("%s: %s", n.Title, n.Message))
	})
	defer unsubscribe()

	if n := s.session.Calls().Resume(loopCtx); n > 0 {
		_ = out.Say(w, "system", fmt.Sprintf("resumed %d approved call(s)", n))
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if loopCtx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			s.printTurn(w, s.session.Send(loopCtx, line))
			continue
		}
		quit, err := s.chatCommand(loopCtx, w, line)
		if err != nil {
			_ = out.Say(w, "error", err.Error())
		}
		if quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "read chat input", err)
	}
	return nil
}

func (s *runtimeState) chatCommand(ctx context.Context, w io.Writer, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/approve", "/reject":
		if len(fields) != 2 {
			return false, clierr.New(clierr.CodeUsage, fields[0]+" requires a function call id")
		}
		decide := s.session.Approve
		if fields[0] == "/reject" {
			decide = s.session.Reject
		}
		turn, err := decide(ctx, fields[1])
		if err != nil {
			return false, err
		}
		if len(turn.Messages) == 0 && turn.Call != nil {
			_ = out.Say(w, "system", fmt.Sprintf("%s is %s", turn.Call.ID, turn.Call.Status))
		}
		s.printTurn(w, turn)
		return false, nil
	case "/calls":
		for _, fc := range s.session.Calls().List() {
			_ = out.Say(w, "call", fmt.Sprintf("%s %s %s", fc.ID, fc.Name, fc.Status))
		}
		return false, nil
	case "/queue":
		for _, tx := range s.queue.List() {
			_ = out.Say(w, "queue", fmt.Sprintf("%s %s %s", tx.ID, tx.Status, tx.Description))
		}
		return false, nil
	default:
		return false, clierr.New(clierr.CodeUsage, "unknown command "+fields[0])
	}
}

// printTurn writes the conversational part of a turn; function result
// payloads stay out of the transcript.
func (s *runtimeState) printTurn(w io.Writer, turn assistant.Turn) {
	for _, msg := range turn.Messages {
		if msg.Role != completion.RoleAssistant {
			continue
		}
		_ = out.Say(w, string(msg.Role), msg.Content)
	}
	if turn.Call != nil && turn.Call.Status == funccall.StatusPending {
		_ = out.Say(w, "system", fmt.Sprintf("/approve %s or /reject %s", turn.Call.ID, turn.Call.ID))
	}
}

func (s *runtimeState) turnOutput(turn assistant.Turn, notes []notify.Notification) turnOutput {
	return turnOutput{Turn: turn, Queue: s.queue.List(), Notifications: notes}
}

// collectNotifications records bus traffic until the returned func is
// called; the func waits for in-flight handlers first.
func (s *runtimeState) collectNotifications() func() []notify.Notification {
	var (
		mu    sync.Mutex
		notes []notify.Notification
	)
	unsubscribe := s.bus.Subscribe("", func(n notify.Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	})
	return func() []notify.Notification {
		s.bus.Wait()
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		return notes
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
