package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/circuitbreaker"
	"github.com/chainsettle/chainsettle/internal/compliance"
	"github.com/chainsettle/chainsettle/internal/config"
	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/gas"
	"github.com/chainsettle/chainsettle/internal/health"
	"github.com/chainsettle/chainsettle/internal/payout"
	"github.com/chainsettle/chainsettle/internal/planner"
	"github.com/chainsettle/chainsettle/internal/rates"
	"github.com/chainsettle/chainsettle/internal/realtime"
	"github.com/chainsettle/chainsettle/internal/reconciliation"
	"github.com/chainsettle/chainsettle/internal/security"
	"github.com/chainsettle/chainsettle/internal/settlement"
	"github.com/chainsettle/chainsettle/internal/webhooks"
)

const (
	breakerThreshold  = 5
	breakerOpenFor    = 30 * time.Second
	rateCacheTTL      = time.Minute
	settlementLockTTL = 5 * time.Minute
)

// setupChains builds the chain registry from injected adapters and the
// configured chains.
func (s *Server) setupChains(ctx context.Context) error {
	breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			s.logger.Warn("chain circuit opened", "chain", key, "from", from.String())
			return
		}
		s.logger.Info("chain circuit state changed", "chain", key, "from", from.String(), "to", to.String())
	})
	s.chains = chain.NewRegistry(breaker, s.cfg.ChainCallTimeout, s.logger)

	injected := make(map[string]bool)
	for _, a := range s.extraAdapter {
		s.chains.Register(a)
		injected[a.Chain()] = true
	}

	for _, cc := range s.cfg.Chains {
		if injected[cc.Name] {
			continue
		}
		a, err := s.buildAdapter(ctx, cc)
		if err != nil {
			return err
		}
		s.chains.Register(a)
		s.logger.Info("chain registered", "chain", cc.Name, "family", cc.Family)
	}

	for _, name := range s.chains.Chains() {
		raw, _ := s.chains.Raw(name)
		if p, ok := raw.(chain.Pinger); ok {
			s.health.RegisterOptional("chain:"+name, health.PingCheck("chain:"+name, p.Ping))
		}
	}
	return nil
}

func (s *Server) buildAdapter(ctx context.Context, cc config.ChainConfig) (chain.Adapter, error) {
	switch cc.Family {
	case config.FamilyEVM:
		a, err := chain.NewEVMAdapter(ctx, chain.EVMConfig{
			Chain:          cc.Name,
			RPCURL:         cc.RPCURL,
			ChainID:        cc.ChainID,
			EscrowContract: cc.EscrowContract,
			TokenContract:  cc.TokenContract,
			PrivateKey:     cc.PrivateKey,
			NativeSymbol:   cc.NativeSymbol,
		})
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		s.evmAdapters[cc.Name] = a
		return a, nil

	case config.FamilySolana:
		a, err := chain.NewSolanaAdapter(cc.Name, cc.RPCURL, cc.TokenContract)
		if err != nil {
			return nil, err
		}
		return a, nil

	case config.FamilySimulated:
		if s.cfg.IsProduction() {
			return nil, fmt.Errorf("chain %s: simulated chains are not allowed in production", cc.Name)
		}
		if cc.Name == "solana" {
			return chain.NewSimulatedAdapter(cc.Name,
				chain.WithGasQuote(1, chain.SolanaLamportsPerSignature, "SOL", 9)), nil
		}
		return chain.NewSimulatedAdapter(cc.Name,
			chain.WithGasQuote(120_000, 1_000_000_000, cc.NativeSymbol, 18)), nil

	default:
		return nil, fmt.Errorf("chain %s: unknown family %q", cc.Name, cc.Family)
	}
}

func (s *Server) closeChains() {
	for name, a := range s.evmAdapters {
		a.Close()
		s.logger.Info("chain client closed", "chain", name)
	}
	s.evmAdapters = make(map[string]*chain.EVMAdapter)
}

// setupServices wires stores, collaborators and domain services.
func (s *Server) setupServices() error {
	cfg := s.cfg

	var (
		authStore       auth.Store
		escrowStore     escrow.Store
		settleStore     settlementStore
		escalations     settlement.EscalationQueue
		planStore       planner.Store
		transitionStore eventLog
		hookStore       webhooks.Store
	)
	if s.db != nil {
		authStore = auth.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db)
		settleStore = settlement.NewPostgresStore(s.db)
		escalations = settlement.NewPostgresEscalations(s.db)
		planStore = planner.NewPostgresStore(s.db)
		transitionStore = events.NewPostgresLog(s.db)
		hookStore = webhooks.NewPostgresStore(s.db)
	} else {
		authStore = auth.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		settleStore = settlement.NewMemoryStore()
		escalations = settlement.NewMemoryEscalations()
		planStore = planner.NewMemoryStore()
		transitionStore = events.NewMemoryLog()
		hookStore = webhooks.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore).WithLogger(s.logger).WithAdminKey(cfg.AdminAPIKey)
	if cfg.AdminAPIKey == "" {
		s.logger.Warn("ADMIN_API_KEY not set: operator endpoints are unreachable until a key is issued")
	}

	// Transition events: the local log is always written, Kafka is best effort.
	s.eventLog = transitionStore
	sinks := []events.Publisher{transitionStore}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		sinks = append(sinks, s.kafka)
		s.logger.Info("kafka event publishing enabled", "topic", cfg.KafkaTopic)
	}
	s.webhookStore = hookStore
	s.webhooks = webhooks.NewDispatcher(hookStore, s.logger).WithURLValidator(s.webhookURLValidator())
	sinks = append(sinks, s.webhooks)
	s.stream = realtime.NewHub(s.logger)
	sinks = append(sinks, s.stream)
	publisher := events.NewFanout(s.logger, sinks...)

	oracle, err := s.buildOracle()
	if err != nil {
		return err
	}
	gateway, err := s.buildPayoutRouter()
	if err != nil {
		return err
	}
	gate := compliance.NewPolicyGate(cfg.DenyPayers, cfg.DenyMerchants, s.logger)

	// Escrow
	s.escrowSvc = escrow.NewService(escrowStore, s.chains, escrow.Config{
		PlatformFeeBps: cfg.PlatformFeeBps,
		FeeRecipient:   cfg.FeeRecipient,
		ArbiterAddr:    cfg.ArbiterAddress,
		EscrowTimeout:  cfg.EscrowTimeout,
		DisputeTimeout: cfg.DisputeTimeout,
		Confirmations:  cfg.Confirmations,
	}, s.logger).WithEvents(publisher)
	s.escrowTimer = escrow.NewTimer(s.escrowSvc, escrowStore, cfg.SweepInterval, s.logger)

	// Settlement
	registry, err := s.buildSettlementRegistry()
	if err != nil {
		return err
	}
	s.auditTrail = settlement.NewAuditTrail(registry, settleStore, 0, s.logger)

	scfg := settlement.DefaultConfig()
	scfg.SettlementFeeBps = cfg.SettlementFeeBps
	scfg.DisputePeriod = cfg.DisputePeriod
	scfg.AutoSettle = cfg.AutoSettle
	if cfg.Confirmations > 0 {
		scfg.Confirmations = cfg.Confirmations
	}
	if cfg.MaxWithdrawAttempts > 0 {
		scfg.MaxWithdrawAttempts = cfg.MaxWithdrawAttempts
	}
	if cfg.PayoutAttempts > 0 {
		scfg.PayoutRetry.MaxAttempts = cfg.PayoutAttempts
	}
	if cfg.CollaboratorWait > 0 {
		scfg.CallTimeout = cfg.CollaboratorWait
	}
	s.coordinator = settlement.NewCoordinator(settleStore, s.chains, oracle, gate, gateway, scfg, s.logger).
		WithEscrows(s.escrowSvc).
		WithAuditTrail(s.auditTrail).
		WithEscalations(escalations).
		WithEvents(publisher)
	if s.redis != nil {
		s.coordinator.WithLocker(settlement.NewRedisLocker(s.redis, settlementLockTTL))
		s.logger.Info("settlement locks held in redis")
	}
	s.settleTimer = settlement.NewTimer(s.coordinator, cfg.SweepInterval, s.logger)

	// Gas and planner
	gcfg := gas.DefaultConfig()
	gcfg.MarkupPct = cfg.GasMarkupPct
	gcfg.MinFeeUSD = cfg.GasMinFeeUSD
	gcfg.MaxFeeUSD = cfg.GasMaxFeeUSD
	if cfg.GasQuoteTTL > 0 {
		gcfg.Validity = cfg.GasQuoteTTL
	}
	s.gasEstimator = gas.NewEstimator(s.chains, oracle, gcfg, s.logger)

	s.planner = planner.New(planStore, s.escrowSvc, s.chains, planner.Config{
		EscrowTimeout: cfg.EscrowTimeout,
		MaxWallets:    cfg.PlanMaxWallets,
	}, s.logger).WithGas(s.gasEstimator).WithEvents(publisher)

	// Reconciliation
	s.reconciler = reconciliation.NewRunner(reconciliation.Config{StuckAfter: cfg.StuckAfter}, s.logger).
		WithEscrows(s.escrowSvc).
		WithSettlements(s.coordinator).
		WithPlans(s.planner)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	return nil
}

// buildOracle serves STATIC_RATES, or a cached live feed that falls back to
// them when RATES_API_URL is set.
func (s *Server) buildOracle() (rates.Oracle, error) {
	static, err := rates.ParseStatic(s.cfg.StaticRates)
	if err != nil {
		return nil, fmt.Errorf("STATIC_RATES: %w", err)
	}
	if s.cfg.RatesAPIURL == "" {
		return static, nil
	}
	s.logger.Info("live exchange rates enabled", "url", s.cfg.RatesAPIURL)
	return rates.NewCachedOracle(rates.NewCoinGecko(s.cfg.RatesAPIURL), static, rateCacheTTL, s.logger), nil
}

// buildPayoutRouter maps each rail to a gateway. Outside production every
// rail defaults to the simulated gateway; configured gateways replace it.
func (s *Server) buildPayoutRouter() (*payout.Router, error) {
	router := payout.NewRouter()
	if !s.cfg.IsProduction() {
		sim := payout.NewSimulatedGateway()
		for _, rail := range []payout.Rail{payout.RailUPI, payout.RailPIX, payout.RailSEPA, payout.RailStripeConnect} {
			router.Route(rail, sim)
		}
	}

	if s.cfg.StripeSecretKey != "" {
		gw, err := payout.NewStripeGateway(s.cfg.StripeSecretKey)
		if err != nil {
			return nil, err
		}
		router.Route(payout.RailStripeConnect, gw)
		s.logger.Info("stripe connect payouts enabled")
	}

	if s.cfg.PayoutAPIURL != "" {
		gw, err := payout.NewHTTPGateway(s.cfg.PayoutAPIURL, s.cfg.PayoutAPIKey, &http.Client{Timeout: s.cfg.CollaboratorWait})
		if err != nil {
			return nil, err
		}
		for _, rail := range []payout.Rail{payout.RailUPI, payout.RailPIX, payout.RailSEPA} {
			router.Route(rail, gw)
		}
		s.logger.Info("payout API enabled", "rails", []payout.Rail{payout.RailUPI, payout.RailPIX, payout.RailSEPA})
	}

	if len(router.Rails()) == 0 {
		s.logger.Warn("no payout gateway configured: settlements will fail at payout")
	}
	return router, nil
}

// buildSettlementRegistry returns the on-chain registry for REGISTRY_CONTRACT,
// or a no-op registry that keeps settlements in local-only audit mode.
func (s *Server) buildSettlementRegistry() (settlement.Registry, error) {
	if s.cfg.RegistryContract == "" {
		s.logger.Info("no REGISTRY_CONTRACT: settlement audit trail is local only")
		return settlement.NopRegistry{}, nil
	}
	evm, ok := s.evmAdapters[s.cfg.RegistryChain]
	if !ok {
		return nil, fmt.Errorf("REGISTRY_CHAIN %q must be an evm chain", s.cfg.RegistryChain)
	}
	reg, err := settlement.NewEVMRegistry(evm.Transactor(), s.cfg.RegistryContract, s.cfg.Confirmations)
	if err != nil {
		return nil, err
	}
	s.logger.Info("settlement registry enabled", "chain", s.cfg.RegistryChain, "contract", s.cfg.RegistryContract)
	return reg, nil
}

// webhookURLValidator vets merchant endpoints. Development accepts local
// receivers; elsewhere internal hosts are refused and production needs https.
func (s *Server) webhookURLValidator() func(context.Context, string) error {
	if s.cfg.IsDevelopment() {
		return nil
	}
	requireHTTPS := s.cfg.IsProduction()
	return func(ctx context.Context, raw string) error {
		return security.ValidateOutboundURL(ctx, net.DefaultResolver, raw, requireHTTPS)
	}
}
