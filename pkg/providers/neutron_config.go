package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/go-ini/ini"
	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// DefaultNeutronConfigPath is the file neutron_config entries live in unless
// a resource names another one.
const DefaultNeutronConfigPath = "/etc/neutron/neutron.conf"

func init() {
	// oslo.config rejects keys outside a section, so the DEFAULT section
	// header is always written.
	ini.DefaultHeader = true
	ini.PrettyFormat = false
	ini.PrettyEqual = true
}

// NeutronConfigProvider manages single SECTION/key entries of Neutron INI
// files. Entries of the same file are serialized since every apply is a
// read-modify-write of the whole file.
type NeutronConfigProvider struct {
	host        Host
	defaultPath string
	log         zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewNeutronConfigProvider creates a provider editing path by default.
func NewNeutronConfigProvider(host Host, path string, logger zerolog.Logger) *NeutronConfigProvider {
	if path == "" {
		path = DefaultNeutronConfigPath
	}
	return &NeutronConfigProvider{
		host:        host,
		defaultPath: path,
		log:         logger.With().Str("provider", "neutron_config").Logger(),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (p *NeutronConfigProvider) path(r *engine.Resource) string {
	if path := r.GetString("path"); path != "" {
		return path
	}
	return p.defaultPath
}

func (p *NeutronConfigProvider) lock(path string) func() {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func splitSectionKey(title string) (string, string) {
	section, key, _ := strings.Cut(title, "/")
	return section, key
}

// CurrentState implements engine.Provider.
func (p *NeutronConfigProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	path := p.path(r)
	unlock := p.lock(path)
	defer unlock()

	f, _, err := p.load(ctx, path)
	if err != nil {
		return nil, err
	}

	section, key := splitSectionKey(r.Title())
	sec, err := f.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return engine.Attributes{engine.AttrEnsure: "absent"}, nil
	}
	return engine.Attributes{
		engine.AttrEnsure: "present",
		"value":           sec.Key(key).String(),
	}, nil
}

// Apply implements engine.Provider. The file is reloaded under the path
// lock so concurrent entries never overwrite each other.
func (p *NeutronConfigProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	path := p.path(r)
	unlock := p.lock(path)
	defer unlock()

	f, mode, err := p.load(ctx, path)
	if err != nil {
		return nil, err
	}

	section, key := splitSectionKey(r.Title())
	logger := p.log.With().Str("path", path).Str("entry", r.Title()).Logger()

	var message string
	if r.Ensure() == "absent" {
		sec, err := f.GetSection(section)
		if err != nil || !sec.HasKey(key) {
			return &engine.ApplyResult{Changed: false, Message: "already absent"}, nil
		}
		sec.DeleteKey(key)
		message = "removed"
	} else {
		value, _ := r.Get("value")
		s := fmt.Sprint(value)
		f.Section(section).Key(key).SetValue(s)
		message = "value set"
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", path, err)
	}
	if err := p.host.WriteFile(ctx, path, buf.Bytes(), mode); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}

	if r.IsSensitive("value") {
		logger.Info().Msg("Updated secret entry")
	} else {
		logger.Info().Interface("value", r.Desired()["value"]).Msg("Updated entry")
	}
	return &engine.ApplyResult{Changed: true, Message: message}, nil
}

// load reads an INI file from the host. A missing file is an empty one.
func (p *NeutronConfigProvider) load(ctx context.Context, path string) (*ini.File, fs.FileMode, error) {
	mode := fs.FileMode(0640)
	if info, err := p.host.Stat(ctx, path); err == nil {
		mode = info.Mode
	}

	data, err := p.host.ReadFile(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		data = nil
	} else if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		AllowShadows:        false,
	}, data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, mode, nil
}
