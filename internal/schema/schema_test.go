package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func newTree() *cobra.Command {
	root := &cobra.Command{Use: "web3chat"}
	root.PersistentFlags().Bool("json", false, "json output")
	calls := &cobra.Command{Use: "calls", Short: "function call commands"}
	list := &cobra.Command{Use: "list", Aliases: []string{"ls"}, Short: "list function calls"}
	list.Flags().String("status", "", "filter by status")
	approve := &cobra.Command{Use: "approve <id>", Short: "approve a call", Annotations: map[string]string{MutatingAnnotation: "true"}}
	calls.AddCommand(list, approve)
	root.AddCommand(calls)
	return root
}

func TestBuildSchema(t *testing.T) {
	s, err := Build(newTree(), "calls ls")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "web3chat calls list" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "status" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if len(s.Global) != 1 || s.Global[0].Name != "json" {
		t.Fatalf("unexpected global flags: %+v", s.Global)
	}
	if s.Mutating {
		t.Fatal("list must not be marked mutating")
	}
}

func TestBuildSchemaMarksMutatingCommands(t *testing.T) {
	s, err := Build(newTree(), "calls")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(s.Subcommands) != 2 {
		t.Fatalf("unexpected subcommands: %+v", s.Subcommands)
	}
	for _, sub := range s.Subcommands {
		if want := sub.Use == "approve <id>"; sub.Mutating != want {
			t.Fatalf("unexpected mutating flag on %s: %v", sub.Use, sub.Mutating)
		}
	}
}

func TestBuildSchemaUnknownPath(t *testing.T) {
	if _, err := Build(newTree(), "calls purge"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
