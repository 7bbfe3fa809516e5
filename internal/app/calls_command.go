package app

import (
	"fmt"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/schema"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newCallsCommand() *cobra.Command {
	root := &cobra.Command{Use: "calls", Short: "Function call commands"}

	var statusArg string
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List function calls in submission order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want funccall.Status
			if statusArg != "" {
				parsed, err := funccall.ParseStatus(statusArg)
				if err != nil {
					return err
				}
				want = parsed
			}
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			calls := s.session.Calls().List()
			items := make([]funccall.FunctionCall, 0, len(calls))
			for _, fc := range calls {
				if want == "" || fc.Status == want {
					items = append(items, fc)
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items)
		},
	}
	listCmd.Flags().StringVar(&statusArg, "status", "", "Filter by status (pending|approved|rejected|executed)")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one function call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureSession(cmd.Context()); err != nil {
				return err
			}
			fc, ok := s.session.Calls().Get(args[0])
			if !ok {
				return clierr.New(clierr.CodeNotFound, fmt.Sprintf("function call %s not found", args[0]))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), fc)
		},
	}

	decide := func(use, short string, approve bool) *cobra.Command {
		return &cobra.Command{
			Use:         use + " <id>",
			Short:       short,
			Args:        cobra.ExactArgs(1),
			Annotations: map[string]string{schema.MutatingAnnotation: "true"},
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := s.ensureSession(cmd.Context()); err != nil {
					return err
				}
				collect := s.collectNotifications()
				decideFn := s.session.Reject
				if approve {
					decideFn = s.session.Approve
				}
				turn, err := decideFn(cmd.Context(), args[0])
				notes := collect()
				if err != nil {
					return err
				}
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.turnOutput(turn, notes))
			},
		}
	}

	root.AddCommand(listCmd)
	root.AddCommand(showCmd)
	root.AddCommand(decide("approve", "Approve a pending call and execute it", true))
	root.AddCommand(decide("reject", "Reject a pending call without executing it", false))
	return root
}
