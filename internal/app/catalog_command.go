package app

import (
	"fmt"

	"github.com/ggonzalez94/web3chat/internal/capability"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/explorer"
	"github.com/ggonzalez94/web3chat/internal/id"
	"github.com/spf13/cobra"
)

type capabilityView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ReadOnly    bool           `json:"read_only"`
	Parameters  map[string]any `json:"parameters"`
}

func toCapabilityView(c capability.Capability) capabilityView {
	return capabilityView{
		Name:        c.Name,
		Description: c.Description,
		ReadOnly:    c.ReadOnly,
		Parameters:  c.JSONSchema(),
	}
}

func (s *runtimeState) newCapabilitiesCommand() *cobra.Command {
	root := &cobra.Command{Use: "capabilities", Aliases: []string{"functions"}, Short: "Executable function catalog"}
	registry := capability.Default()

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every function the assistant can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caps := registry.List()
			items := make([]capabilityView, 0, len(caps))
			for _, c := range caps {
				items = append(items, toCapabilityView(c))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items)
		},
	}
	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one function and its parameter schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := registry.Lookup(args[0])
			if !ok {
				return clierr.New(clierr.CodeNotFound, fmt.Sprintf("unknown function %s", args[0]))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), toCapabilityView(c))
		},
	}
	root.AddCommand(listCmd)
	root.AddCommand(showCmd)
	return root
}

type explorerLink struct {
	ChainID int64  `json:"chain_id"`
	Chain   string `json:"chain"`
	Kind    string `json:"kind"`
	Value   string `json:"value"`
	URL     string `json:"url"`
	Known   bool   `json:"known"`
}

func (s *runtimeState) newExplorerCommand() *cobra.Command {
	root := &cobra.Command{Use: "explorer", Short: "Block explorer links for the configured chain"}

	link := func(kind, value string) explorerLink {
		chainID := s.settings.ChainID
		url := explorer.AddressURL(chainID, value)
		if kind == "tx" {
			url = explorer.TxURL(chainID, value)
		}
		return explorerLink{
			ChainID: chainID,
			Chain:   id.ChainByID(chainID).Name,
			Kind:    kind,
			Value:   value,
			URL:     url,
			Known:   explorer.Known(chainID),
		}
	}

	txCmd := &cobra.Command{
		Use:   "tx <hash>",
		Short: "Link to a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !id.IsTxHash(args[0]) {
				return clierr.New(clierr.CodeInvalidArguments, "transaction hash must be 0x followed by 64 hex characters")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), link("tx", args[0]))
		},
	}
	addressCmd := &cobra.Command{
		Use:   "address <address>",
		Short: "Link to an account or contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !id.IsAddress(args[0]) {
				return clierr.New(clierr.CodeInvalidArguments, "address must be 0x followed by 40 hex characters")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), link("address", args[0]))
		},
	}
	root.AddCommand(txCmd)
	root.AddCommand(addressCmd)
	return root
}
