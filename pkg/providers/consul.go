package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// DefaultConsulConfigDir is where service definitions are written.
const DefaultConsulConfigDir = "/etc/consul"

// DefaultCheckInterval is the interval of a service check without one declared.
const DefaultCheckInterval = "10s"

// ConsulServiceProvider registers services with the local Consul agent by
// writing service definition files and reloading the agent.
type ConsulServiceProvider struct {
	host Host

	// ConfigDir is the agent configuration directory.
	ConfigDir string

	// ReloadCommand makes the agent pick up definitions. Empty disables reloads.
	ReloadCommand string

	log zerolog.Logger
}

// NewConsulServiceProvider creates a Consul service provider.
func NewConsulServiceProvider(host Host, configDir string, logger zerolog.Logger) *ConsulServiceProvider {
	if configDir == "" {
		configDir = DefaultConsulConfigDir
	}
	return &ConsulServiceProvider{
		host:          host,
		ConfigDir:     configDir,
		ReloadCommand: "consul reload",
		log:           logger.With().Str("provider", "consul_service").Logger(),
	}
}

type consulCheck struct {
	Args     []string `json:"args,omitempty"`
	Script   string   `json:"script,omitempty"`
	Interval string   `json:"interval,omitempty"`
}

type consulService struct {
	Name    string       `json:"name"`
	Tags    []string     `json:"tags,omitempty"`
	Address string       `json:"address,omitempty"`
	Port    int64        `json:"port"`
	Check   *consulCheck `json:"check,omitempty"`
}

type consulDefinition struct {
	Service consulService `json:"service"`
}

func (c *consulCheck) command() string {
	if c == nil {
		return ""
	}
	if len(c.Args) == 3 && c.Args[0] == "/bin/sh" && c.Args[1] == "-c" {
		return c.Args[2]
	}
	return c.Script
}

func (p *ConsulServiceProvider) definitionPath(r *engine.Resource) string {
	dir := r.GetString("config_dir")
	if dir == "" {
		dir = p.ConfigDir
	}
	return path.Join(dir, r.Title()+".json")
}

// CurrentState implements engine.Provider.
func (p *ConsulServiceProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	file := p.definitionPath(r)
	data, err := p.host.ReadFile(ctx, file)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.Attributes{engine.AttrEnsure: "absent"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	var def consulDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		// An unparsable definition is replaced on apply.
		p.log.Warn().Err(err).Str("path", file).Msg("Invalid service definition")
		return engine.Attributes{engine.AttrEnsure: "present"}, nil
	}

	state := engine.Attributes{
		engine.AttrEnsure: "present",
		"port":            def.Service.Port,
		"tags":            toInterfaces(def.Service.Tags),
		"address":         def.Service.Address,
	}
	if def.Service.Check != nil {
		state["check_command"] = def.Service.Check.command()
		state["interval"] = def.Service.Check.Interval
	}
	return state, nil
}

// Apply implements engine.Provider.
func (p *ConsulServiceProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	file := p.definitionPath(r)
	logger := p.log.With().Str("service", r.Title()).Logger()

	if r.Ensure() == "absent" {
		logger.Info().Msg("Deregistering service")
		if err := p.host.Remove(ctx, file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		if err := p.reload(ctx); err != nil {
			return nil, err
		}
		return &engine.ApplyResult{Changed: true, Message: "deregistered"}, nil
	}

	data, err := json.MarshalIndent(p.definition(r), "", "  ")
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", file).Msg("Registering service")
	if err := p.host.WriteFile(ctx, file, append(data, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", file, err)
	}
	if err := p.reload(ctx); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{Changed: true, Message: "registered"}, nil
}

// Refresh implements engine.Refresher by reloading the agent.
func (p *ConsulServiceProvider) Refresh(ctx context.Context, r *engine.Resource) error {
	return p.reload(ctx)
}

func (p *ConsulServiceProvider) definition(r *engine.Resource) consulDefinition {
	desired := r.Desired()
	svc := consulService{
		Name:    r.Title(),
		Address: r.GetString("address"),
	}
	svc.Port, _ = desired.Int("port")
	if tags, ok := desired.Strings("tags"); ok {
		svc.Tags = tags
	}
	if cmd := r.GetString("check_command"); cmd != "" {
		interval := r.GetString("interval")
		if interval == "" {
			interval = DefaultCheckInterval
		}
		svc.Check = &consulCheck{
			Args:     []string{"/bin/sh", "-c", cmd},
			Interval: interval,
		}
	}
	return consulDefinition{Service: svc}
}

func (p *ConsulServiceProvider) reload(ctx context.Context) error {
	if p.ReloadCommand == "" {
		return nil
	}
	if _, err := runChecked(ctx, p.host, Command{Line: p.ReloadCommand}); err != nil {
		return fmt.Errorf("failed to reload consul: %w", err)
	}
	return nil
}
