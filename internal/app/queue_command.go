package app

import (
	"fmt"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/schema"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newQueueCommand() *cobra.Command {
	root := &cobra.Command{Use: "queue", Short: "Transaction queue commands"}
	mutating := map[string]string{schema.MutatingAnnotation: "true"}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued transactions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.queue.List())
		},
	}

	removeCmd := &cobra.Command{
		Use:         "remove <id>",
		Aliases:     []string{"rm"},
		Short:       "Remove one entry regardless of status",
		Args:        cobra.ExactArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			if !s.queue.Remove(args[0]) {
				return clierr.New(clierr.CodeNotFound, fmt.Sprintf("transaction %s not found", args[0]))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.queue.List())
		},
	}

	clearCmd := &cobra.Command{
		Use:         "clear",
		Short:       "Remove every entry",
		Args:        cobra.NoArgs,
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			s.queue.Clear()
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.queue.List())
		},
	}

	runCmd := &cobra.Command{
		Use:         "run",
		Short:       "Execute pending entries one at a time until none are left",
		Args:        cobra.NoArgs,
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			collect := s.collectNotifications()
			executed := txqueue.NewDriver(s.queue, s.logger).Drain(cmd.Context())
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{
				"executed":      executed,
				"queue":         s.queue.List(),
				"notifications": collect(),
			})
		},
	}

	root.AddCommand(listCmd)
	root.AddCommand(removeCmd)
	root.AddCommand(clearCmd)
	root.AddCommand(runCmd)
	return root
}
