package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/config"
	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/jiocloud/nodeconverge/pkg/policy"
	"github.com/jiocloud/nodeconverge/pkg/providers"
	"github.com/jiocloud/nodeconverge/pkg/stores"
	"github.com/jiocloud/nodeconverge/pkg/telemetry"
	sshtransport "github.com/jiocloud/nodeconverge/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// session holds everything one command needs to load, gate and converge
// a catalog on one node.
type session struct {
	cfg    *config.NodeConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	host      providers.Host
	closeHost func() error
	facts     *providers.OSFacts
	platform  engine.Platform
	registry  *engine.Registry

	loader *config.Loader
	policy *policy.Engine
	store  *stores.SQLiteStore
}

type sessionOptions struct {
	// connect reaches the target node to detect its platform and to run
	// providers against it.
	connect bool

	// history opens the run history store.
	history bool

	// gate loads the policy engine when the node config enables it.
	gate bool
}

// loadNodeConfig reads the node config, if any, and applies flag
// overrides on top of it.
func loadNodeConfig(opts *globalOptions) (*config.NodeConfig, error) {
	cfg := config.DefaultNodeConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadNodeConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.manifestPath != "" {
		cfg.Manifest = opts.manifestPath
	}
	if opts.target != "" {
		cfg.Target = opts.target
	}
	if opts.statePath != "" {
		cfg.StatePath = opts.statePath
	}
	return cfg, nil
}

func parsePlatform(s string) (engine.Platform, error) {
	family, release, _ := strings.Cut(s, "/")
	if family == "" {
		return engine.Platform{}, fmt.Errorf("invalid platform %q, want family/os", s)
	}
	return engine.Platform{Family: strings.ToLower(family), OS: release}, nil
}

func openSession(ctx context.Context, opts *globalOptions, so sessionOptions) (*session, error) {
	cfg, err := loadNodeConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, cfg.Target), os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	s := &session{
		cfg:       cfg,
		tel:       tel,
		logger:    tel.Logger.Zerolog(),
		closeHost: func() error { return nil },
	}
	if err := s.init(ctx, opts, so); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) init(ctx context.Context, opts *globalOptions, so sessionOptions) error {
	if opts.logEvents {
		s.tel.Events.AddSink(telemetry.NewLogSink(s.tel.Logger.NewComponentLogger("events").Zerolog()))
	}

	if opts.platform != "" {
		p, err := parsePlatform(opts.platform)
		if err != nil {
			return err
		}
		s.platform = p
	}

	if so.connect {
		if err := s.connect(ctx, opts.platform == ""); err != nil {
			return err
		}
	}

	if so.history {
		store, err := stores.NewSQLiteStore(stores.Config{Path: s.cfg.StatePath})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to open run history %s: %w", s.cfg.StatePath, err)
		}
		s.store = store
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		s.tel.Events.AddSink(store)
	}

	loader, err := config.NewLoader(engine.DefaultSchemas())
	if err != nil {
		return err
	}
	loader.Input["node"] = s.nodeInput()
	s.loader = loader

	if so.gate && (s.cfg.Policy.Enabled || len(s.cfg.Policy.Paths) > 0) {
		pe, err := policy.NewEngine(s.logger)
		if err != nil {
			return err
		}
		if err := pe.SetMode(policy.Mode(s.cfg.Policy.Mode)); err != nil {
			return err
		}
		if err := pe.LoadPolicies(ctx, s.cfg.Policy.Paths); err != nil {
			return err
		}
		s.policy = pe
	}
	return nil
}

// connect reaches the target and builds the provider registry for it.
func (s *session) connect(ctx context.Context, detect bool) error {
	if s.cfg.Target == "local" {
		s.host = providers.NewLocalHost()
	} else {
		h, err := sshtransport.Dial(ctx, s.cfg.Target)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", s.cfg.Target, err)
		}
		s.host = h
		s.closeHost = h.Close
	}

	facts, err := providers.CollectOSFacts(ctx, s.host)
	switch {
	case err == nil:
		s.facts = facts
		if detect {
			s.platform = facts.Platform()
		}
	case detect:
		return fmt.Errorf("failed to detect the platform of %s: %w", s.cfg.Target, err)
	default:
		s.logger.Warn().Err(err).Msg("Failed to collect OS facts")
	}

	s.registry = providers.NewRegistry(providers.Options{
		Host:              s.host,
		Logger:            s.logger,
		LatestPolicy:      s.cfg.LatestPolicy,
		NeutronConfigPath: s.cfg.NeutronConfigPath,
		ConsulConfigDir:   s.cfg.ConsulConfigDir,
		OpenStackEnv:      s.cfg.OpenStackEnv,
		KeystoneURL:       s.cfg.KeystoneURL,
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
	})

	s.logger.Info().
		Str("target", s.cfg.Target).
		Str("platform", s.platform.String()).
		Msg("Connected to node")
	return nil
}

// offlineRegistry builds providers without a connection so that a
// catalog can be resolved for an explicit platform. Its providers must not
// be called.
func (s *session) offlineRegistry() *engine.Registry {
	return providers.NewRegistry(providers.Options{
		Logger:            s.logger,
		LatestPolicy:      s.cfg.LatestPolicy,
		NeutronConfigPath: s.cfg.NeutronConfigPath,
		ConsulConfigDir:   s.cfg.ConsulConfigDir,
	})
}

// nodeInput is predeclared as "node" in Starlark manifests.
func (s *session) nodeInput() map[string]interface{} {
	facts := map[string]interface{}{}
	for k, v := range s.cfg.Facts {
		facts[k] = v
	}
	node := map[string]interface{}{
		"target": s.cfg.Target,
		"family": s.platform.Family,
		"os":     s.platform.OS,
		"facts":  facts,
	}
	if s.facts != nil {
		node["hostname"] = s.facts.Hostname
		node["arch"] = s.facts.Arch
		node["kernel"] = s.facts.Kernel
	}
	return node
}

// compile loads the manifest, compiles its catalog and passes it through
// the policy gate. A nil registry skips provider resolution.
func (s *session) compile(ctx context.Context, dryRun bool) (*config.Manifest, *engine.Graph, *policy.Result, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "converge.compile", telemetry.AttrManifest.String(s.cfg.Manifest))
	defer span.End()

	manifest, catalog, err := s.loader.LoadCatalog(ctx, s.cfg.Manifest)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, nil, err
	}

	g, err := engine.Compile(catalog, s.registry, s.platform)
	if err != nil {
		telemetry.RecordError(span, err)
		return manifest, nil, nil, err
	}
	s.logger.Info().
		Str("manifest", s.cfg.Manifest).
		Int("resources", g.Len()).
		Int("edges", len(g.Edges())).
		Msg("Catalog compiled")

	if s.policy == nil {
		return manifest, g, nil, nil
	}

	result, err := s.policy.Evaluate(ctx, g, policy.EvaluateOptions{DryRun: dryRun})
	if err != nil {
		telemetry.RecordError(span, err)
		return manifest, g, nil, err
	}
	span.SetAttributes(
		telemetry.AttrPolicyCount.Int(len(result.EvaluatedPolicies)),
		telemetry.AttrViolations.Int(len(result.Violations)+len(result.Warnings)),
	)
	for _, v := range append(append([]policy.Violation{}, result.Violations...), result.Warnings...) {
		s.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		s.logger.Warn().
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("resource", v.Resource).
			Msg(v.Message)
	}
	if err := result.Err(); err != nil {
		telemetry.RecordError(span, err)
		return manifest, g, result, err
	}
	return manifest, g, result, nil
}

// converge walks a compiled graph and records the run.
func (s *session) converge(ctx context.Context, g *engine.Graph, dryRun bool) (*engine.Report, error) {
	conv := engine.NewConverger(s.registry, s.platform, s.logger)
	s.tel.Instrument(conv)
	if s.store != nil {
		conv.SetRecorder(s.store.Recorder(stores.RunMeta{Manifest: s.cfg.Manifest, Target: s.cfg.Target}))
	}

	return conv.Converge(ctx, g, engine.ScheduleOptions{
		MaxParallel:     s.cfg.Parallelism,
		DryRun:          dryRun,
		ProviderTimeout: s.cfg.ProviderTimeout,
	})
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close run history")
		}
	}
	if err := s.closeHost(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close connection")
	}
}
