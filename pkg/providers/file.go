package providers

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

const (
	fileChecksumKey = "checksum"

	// sourceChecksumKey carries the checksum of the declared source from
	// observation to comparison. It is never part of a resource.
	sourceChecksumKey = "_source_checksum"
)

// FileProvider manages files and directories on a host. The path defaults
// to the resource title. A source is a file on the machine running the
// engine; a file:// prefix is accepted.
type FileProvider struct {
	host Host
	log  zerolog.Logger
}

// NewFileProvider creates a file provider.
func NewFileProvider(host Host, logger zerolog.Logger) *FileProvider {
	return &FileProvider{
		host: host,
		log:  logger.With().Str("provider", "file").Logger(),
	}
}

func filePath(r *engine.Resource) string {
	if p := r.GetString("path"); p != "" {
		return p
	}
	return r.Title()
}

// CurrentState implements engine.Provider.
func (p *FileProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	path := filePath(r)
	info, err := p.host.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		state := engine.Attributes{engine.AttrEnsure: "absent"}
		return state, p.observeSource(r, state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	state := engine.Attributes{
		"mode":  formatMode(info.Mode),
		"owner": info.Owner,
		"group": info.Group,
	}
	if info.IsDir {
		state[engine.AttrEnsure] = "directory"
		return state, nil
	}

	state[engine.AttrEnsure] = "file"
	if _, hasContent := r.Get("content"); hasContent || r.GetString("source") != "" {
		data, err := p.host.ReadFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		state[fileChecksumKey] = checksum(data)
	}
	return state, p.observeSource(r, state)
}

func (p *FileProvider) observeSource(r *engine.Resource, state engine.Attributes) error {
	source := r.GetString("source")
	if source == "" {
		return nil
	}
	data, err := readSource(source)
	if err != nil {
		return err
	}
	state[sourceChecksumKey] = checksum(data)
	return nil
}

// InSync implements engine.Comparer.
func (p *FileProvider) InSync(r *engine.Resource, observed engine.Attributes) (bool, []engine.Change) {
	want := r.Ensure()
	have := engine.ObservedEnsure(observed)
	var changes []engine.Change

	if want == "absent" {
		if have != "absent" {
			changes = append(changes, engine.Change{Path: engine.AttrEnsure, Before: have, After: want, Action: engine.ChangeActionRemove})
		}
		return len(changes) == 0, changes
	}

	if have == "absent" {
		changes = append(changes, engine.Change{Path: engine.AttrEnsure, Before: have, After: want, Action: engine.ChangeActionAdd})
		return false, changes
	}

	if !engine.EnsureSatisfied(want, have) {
		changes = append(changes, engine.Change{Path: engine.AttrEnsure, Before: have, After: want, Action: engine.ChangeActionModify})
		return false, changes
	}

	if have == "file" {
		if sum, ok := wantedChecksum(r, observed); ok {
			current, _ := observed.String(fileChecksumKey)
			if current != sum {
				changes = append(changes, engine.Change{Path: "content", Before: "{sha256}" + current, After: "{sha256}" + sum, Action: engine.ChangeActionModify})
			}
		}
	}

	if mode := r.GetString("mode"); mode != "" {
		current, _ := observed.String("mode")
		if !modesEqual(mode, current) {
			changes = append(changes, engine.Change{Path: "mode", Before: current, After: mode, Action: engine.ChangeActionModify})
		}
	}
	for _, name := range []string{"owner", "group"} {
		if v := r.GetString(name); v != "" {
			current, _ := observed.String(name)
			if current != v {
				changes = append(changes, engine.Change{Path: name, Before: current, After: v, Action: engine.ChangeActionModify})
			}
		}
	}

	return len(changes) == 0, engine.RedactChanges(r, changes)
}

func wantedChecksum(r *engine.Resource, observed engine.Attributes) (string, bool) {
	if content, ok := r.Get("content"); ok {
		s, _ := content.(string)
		return checksum([]byte(s)), true
	}
	if sum, ok := observed.String(sourceChecksumKey); ok {
		return sum, true
	}
	return "", false
}

// Apply implements engine.Provider.
func (p *FileProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	path := filePath(r)
	want := r.Ensure()
	have := engine.ObservedEnsure(observed)
	logger := p.log.With().Str("path", path).Logger()

	switch want {
	case "absent":
		logger.Info().Msg("Removing file")
		if err := p.host.Remove(ctx, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return &engine.ApplyResult{Changed: true, Message: "removed"}, nil

	case "directory":
		if have == "file" {
			return nil, fmt.Errorf("cannot replace file %s with a directory", path)
		}
		mode, err := parseMode(r.GetString("mode"), 0755)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("Creating directory")
		if err := p.host.MkdirAll(ctx, path, mode); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		if err := p.setAttributes(ctx, r, path); err != nil {
			return nil, err
		}
		return &engine.ApplyResult{Changed: true, Message: "directory created"}, nil
	}

	if have == "directory" {
		if want != "present" {
			return nil, fmt.Errorf("cannot replace directory %s with a file", path)
		}
		if err := p.setAttributes(ctx, r, path); err != nil {
			return nil, err
		}
		return &engine.ApplyResult{Changed: true, Message: "attributes changed"}, nil
	}

	data, write, err := p.wantedContent(r, observed)
	if err != nil {
		return nil, err
	}
	message := "attributes changed"
	if write || have == "absent" {
		mode, err := parseMode(r.GetString("mode"), 0644)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("bytes", len(data)).Msg("Writing file")
		if err := p.host.WriteFile(ctx, path, data, mode); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		message = "content changed"
		if have == "absent" {
			message = "created"
		}
	}
	if err := p.setAttributes(ctx, r, path); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{Changed: true, Message: message}, nil
}

// wantedContent returns the declared content and whether it differs from
// the observed checksum.
func (p *FileProvider) wantedContent(r *engine.Resource, observed engine.Attributes) ([]byte, bool, error) {
	var data []byte
	if content, ok := r.Get("content"); ok {
		s, _ := content.(string)
		data = []byte(s)
	} else if source := r.GetString("source"); source != "" {
		var err error
		if data, err = readSource(source); err != nil {
			return nil, false, err
		}
	} else {
		return nil, false, nil
	}
	current, _ := observed.String(fileChecksumKey)
	return data, current != checksum(data), nil
}

func (p *FileProvider) setAttributes(ctx context.Context, r *engine.Resource, path string) error {
	if mode := r.GetString("mode"); mode != "" {
		if _, err := parseMode(mode, 0); err != nil {
			return err
		}
		if _, err := runChecked(ctx, p.host, Command{Line: ShellJoin("chmod", mode, path)}); err != nil {
			return fmt.Errorf("failed to set mode: %w", err)
		}
	}

	owner, group := r.GetString("owner"), r.GetString("group")
	if owner == "" && group == "" {
		return nil
	}
	ownership := owner
	if group != "" {
		ownership += ":" + group
	}
	if _, err := runChecked(ctx, p.host, Command{Line: ShellJoin("chown", ownership, path)}); err != nil {
		return fmt.Errorf("failed to set ownership: %w", err)
	}
	return nil
}

func readSource(source string) ([]byte, error) {
	data, err := os.ReadFile(strings.TrimPrefix(source, "file://"))
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", source, err)
	}
	return data, nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func parseMode(s string, fallback fs.FileMode) (fs.FileMode, error) {
	if s == "" {
		return fallback, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 07777 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return fs.FileMode(m), nil
}

func formatMode(m fs.FileMode) string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}

// modesEqual compares octal modes so that "644" and "0644" match.
func modesEqual(a, b string) bool {
	am, errA := strconv.ParseUint(a, 8, 32)
	bm, errB := strconv.ParseUint(b, 8, 32)
	if errA != nil || errB != nil {
		return a == b
	}
	return am == bm
}
