// Package schema describes the command tree for agents that drive the CLI.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// MutatingAnnotation marks commands that change persisted call or queue
// state.
const MutatingAnnotation = "web3chat/mutating"

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Mutating    bool            `json:"mutating"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Global      []FlagSchema    `json:"global_flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// Build serializes the command at commandPath (space separated, aliases
// allowed). Global flags are reported once, on the requested node.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		idx := slices.IndexFunc(cmd.Commands(), func(c *cobra.Command) bool {
			return c.Name() == p || slices.Contains(c.Aliases, p)
		})
		if idx < 0 {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = cmd.Commands()[idx]
	}
	s := serialize(cmd)
	s.Global = flagsOf(root.PersistentFlags())
	return s, nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:     strings.TrimSpace(cmd.CommandPath()),
		Use:      cmd.Use,
		Short:    cmd.Short,
		Aliases:  cmd.Aliases,
		Mutating: cmd.Annotations[MutatingAnnotation] == "true",
		Flags:    flagsOf(cmd.LocalNonPersistentFlags()),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func flagsOf(set *pflag.FlagSet) []FlagSchema {
	var items []FlagSchema
	set.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
		})
	})
	return items
}
