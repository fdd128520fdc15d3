package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine gates compiled catalogs with Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	mode     Mode
	paths    []string
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// EvaluateOptions contains options for one gate evaluation.
type EvaluateOptions struct {
	// DryRun is exposed to policies as input.dry_run.
	DryRun bool
}

// NewEngine creates a policy engine in enforce mode with the built-in
// policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	store := inmem.NewFromObject(map[string]interface{}{
		"nodeconverge": map[string]interface{}{
			"sensitive_patterns": toInterfaces(DefaultSensitivePatterns),
		},
	})

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    store,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		mode:     ModeEnforce,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// SetMode sets the gate mode.
func (e *Engine) SetMode(mode Mode) error {
	switch mode {
	case ModeEnforce, ModeWarn:
	default:
		return fmt.Errorf("invalid policy mode %q", mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	return nil
}

// Mode returns the gate mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetData stores a JSON-compatible value at data.nodeconverge.<key>.
func (e *Engine) SetData(ctx context.Context, key string, value interface{}) error {
	path, ok := storage.ParsePath("/nodeconverge/" + key)
	if !ok {
		return fmt.Errorf("invalid data key %q", key)
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, path, value); err != nil {
		return fmt.Errorf("failed to write policy data %s: %w", key, err)
	}
	return nil
}

// Evaluate runs every enabled policy against a compiled catalog.
func (e *Engine) Evaluate(ctx context.Context, g *engine.Graph, opts EvaluateOptions) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := BuildInput(g, opts.DryRun)

	result := &Result{
		Mode:              e.mode,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
		EvaluatedAt:       startTime,
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Allowed = e.allowed(result)
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Int("resources", len(input.Resources)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Catalog policy evaluation completed")

	return result, nil
}

// allowed applies the gate mode. Critical violations always block; in
// enforce mode error violations and evaluation failures block too.
func (e *Engine) allowed(result *Result) bool {
	for _, v := range result.Violations {
		if v.Severity == SeverityCritical {
			return false
		}
	}
	if e.mode == ModeWarn {
		return true
	}
	return len(result.Violations) == 0 && len(result.Failures) == 0
}

// BuildInput converts a compiled catalog into the policy input document.
func BuildInput(g *engine.Graph, dryRun bool) *Input {
	input := &Input{
		Node:      g.Platform(),
		DryRun:    dryRun,
		Resources: make([]InputResource, 0, g.Len()),
		Edges:     make([]InputEdge, 0),
	}

	for _, r := range g.Catalog().Resources() {
		attrs := r.Attributes()
		item := InputResource{
			Ref:        r.String(),
			Type:       r.Type(),
			Title:      r.Title(),
			Index:      r.Index(),
			Ensure:     r.Ensure(),
			Attributes: make(map[string]interface{}, len(attrs)),
		}
		for _, name := range attrs.Keys() {
			if r.IsSensitive(name) {
				item.Attributes[name] = engine.RedactedValue
				item.Sensitive = append(item.Sensitive, name)
				continue
			}
			item.Attributes[name] = attrs[name]
		}
		input.Resources = append(input.Resources, item)
	}

	for _, edge := range g.Edges() {
		input.Edges = append(input.Edges, InputEdge{
			From:      edge.From.String(),
			To:        edge.To.String(),
			Kind:      edge.Kind,
			Attribute: edge.Attribute,
			Deferred:  edge.Deferred,
		})
	}

	return input
}

// LoadPolicies loads policy files and directories. The paths are
// remembered for ReloadPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	e.paths = append(e.paths, paths...)

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// AddPolicy compiles and adds a single policy, replacing any policy with
// the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	return e.compileAndStorePolicy(ctx, &policy)
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
		if fix, ok := v["remediation"].(string); ok {
			violation.Remediation = fix
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. The query reads
// the deny set of the module's own package.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		builtins[i].LoadedAt = time.Now()
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies recompiles the built-in policies and reloads every path
// passed to LoadPolicies. Enabled flags of built-in policies survive the
// reload. On error the previous policy set stays active.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	loader := NewLoader(e.logger)

	e.mu.Lock()
	defer e.mu.Unlock()

	var loaded []Policy
	if len(e.paths) > 0 {
		var err error
		loaded, err = loader.LoadFromPaths(ctx, e.paths)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)

	if err := e.loadBuiltinPolicies(ctx); err != nil {
		e.policies = previous
		return err
	}
	for name, cp := range e.policies {
		if old, ok := previous[name]; ok {
			cp.policy.Enabled = old.policy.Enabled
		}
	}
	for i := range loaded {
		if err := e.compileAndStorePolicy(ctx, &loaded[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", loaded[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.policies)).
		Msg("Policies reloaded")

	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
