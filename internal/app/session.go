package app

import (
	"context"
	"errors"

	"github.com/ggonzalez94/web3chat/internal/assistant"
	"github.com/ggonzalez94/web3chat/internal/cache"
	"github.com/ggonzalez94/web3chat/internal/capability"
	"github.com/ggonzalez94/web3chat/internal/chain"
	"github.com/ggonzalez94/web3chat/internal/completion"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/id"
	"github.com/ggonzalez94/web3chat/internal/intent"
	"github.com/ggonzalez94/web3chat/internal/interpret"
	"github.com/ggonzalez94/web3chat/internal/notify"
	"github.com/ggonzalez94/web3chat/internal/prices"
	"github.com/ggonzalez94/web3chat/internal/signer"
	"github.com/ggonzalez94/web3chat/internal/store"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
)

// restoreCallLimit caps settled calls loaded on start. Open calls are always loaded.
const restoreCallLimit = 1000

// ensureSession wires the assistant, its controller and the queue, and
// rehydrates them from the state store when one is enabled.
func (s *runtimeState) ensureSession(ctx context.Context) error {
	if s.session != nil {
		return nil
	}
	if err := s.ensureProviders(); err != nil {
		return err
	}
	if err := s.ensureStore(); err != nil {
		return err
	}
	client, wallet, err := s.buildChain()
	if err != nil {
		return err
	}
	s.chain = client
	s.bus = notify.NewBus(s.logger)

	settings := s.settings
	registry := capability.Default()
	opts := completion.Options{Temperature: settings.Temperature, TopP: settings.TopP, MaxTokens: settings.MaxTokens}
	interpreter := interpret.New(s.roles.interpret, opts, settings.CompletionTimeout, s.logger).
		WithNativeSymbol(id.ChainByID(settings.ChainID).NativeSymbol)

	queueCfg := txqueue.Config{Expiry: settings.QueueExpiry, Notifier: s.bus, Logger: s.logger}
	callsCfg := funccall.Config{
		Registry:       registry,
		Executor:       client,
		Interpreter:    interpreter,
		Notifier:       s.bus,
		AllowFunctions: settings.EnableFunctions,
		Wallet:         wallet,
		ChainID:        settings.ChainID,
		ExecTimeout:    settings.ExecTimeout,
		Logger:         s.logger,
	}
	if s.store != nil {
		observer := &store.Observer{Store: s.store, Logger: s.logger}
		queueCfg.Observer = observer
		callsCfg.Observer = observer
	}
	s.queue = txqueue.New(queueCfg)

	resolver := intent.New(intent.Config{
		Detect:   s.roles.detect,
		Reply:    s.roles.reply,
		Tools:    s.roles.resolve,
		Registry: registry,
		Options:  opts,
		Timeout:  settings.CompletionTimeout,
		Logger:   s.logger,
	})
	s.session = assistant.New(assistant.Config{
		Resolver: resolver,
		Calls:    callsCfg,
		Queue:    s.queue,
		Logger:   s.logger,
	})

	if s.store == nil {
		return nil
	}
	calls, err := s.store.RestorableCalls(ctx, restoreCallLimit)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "load function calls", err)
	}
	txs, err := s.store.ListTransactions(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "load queued transactions", err)
	}
	s.session.Calls().Restore(calls)
	s.queue.Restore(txs)
	s.logger.Debug("state restored", "calls", len(calls), "transactions", len(txs))
	return nil
}

func (s *runtimeState) ensureStore() error {
	if !s.settings.StoreEnabled || s.store != nil {
		return nil
	}
	st, err := store.Open(s.settings.StorePath, s.settings.StoreLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open state store", err)
	}
	s.store = st
	return nil
}

func (s *runtimeState) ensureCache() error {
	if !s.settings.CacheEnabled || s.cache != nil {
		return nil
	}
	cacheStore, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open cache", err)
	}
	s.cache = cacheStore
	return nil
}

// buildChain returns the configured chain client and the wallet address used
// for reads and queue records.
func (s *runtimeState) buildChain() (chain.Client, string, error) {
	settings := s.settings
	if settings.ChainBackend != chain.BackendEVM {
		return chain.NewSimulated(chain.SimulatedConfig{ChainID: settings.ChainID}), settings.WalletAddress, nil
	}

	if err := s.ensureCache(); err != nil {
		return nil, "", err
	}
	var sig signer.Signer
	wallet := settings.WalletAddress
	local, err := signer.FromEnv(settings.KeySource)
	switch {
	case err == nil:
		sig = local
		if wallet == "" {
			wallet = local.Address().Hex()
		}
	case errors.Is(err, signer.ErrNoKey):
		s.warn("no signing key configured; state-changing functions will be rejected")
	default:
		return nil, "", clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}

	source := &prices.Cached{
		Source:   prices.NewDefiLlama(s.httpClient, ""),
		Store:    s.cache,
		TTL:      settings.PriceTTL,
		MaxStale: settings.MaxStale,
		Logger:   s.logger,
	}
	client, err := chain.NewEVM(chain.EVMConfig{
		RPCURL:         settings.RPCURL,
		ChainID:        settings.ChainID,
		Wallet:         wallet,
		Signer:         sig,
		Prices:         source,
		Cache:          s.cache,
		RouterAddress:  settings.RouterAddress,
		GasMultiplier:  settings.GasMultiplier,
		ReceiptTimeout: settings.ReceiptTimeout,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, "", err
	}
	return client, wallet, nil
}
