package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// runKey reports from observation to comparison whether the guards let the
// command run.
const runKey = "_run"

// ExecProvider runs commands. An exec is out of sync when its guards allow
// it to run: creates names a file that must not exist yet, onlyif must
// succeed and unless must fail.
type ExecProvider struct {
	host Host
	log  zerolog.Logger
}

// NewExecProvider creates an exec provider.
func NewExecProvider(host Host, logger zerolog.Logger) *ExecProvider {
	return &ExecProvider{
		host: host,
		log:  logger.With().Str("provider", "exec").Logger(),
	}
}

func execCommand(r *engine.Resource, line string) Command {
	cmd := Command{Line: line, Dir: r.GetString("cwd")}
	if env, ok := r.Attributes().Strings("environment"); ok {
		cmd.Env = append(cmd.Env, env...)
	}
	if path := r.GetString("path"); path != "" {
		cmd.Env = append(cmd.Env, "PATH="+path)
	}
	return cmd
}

// shouldRun evaluates the guards of an exec.
func (p *ExecProvider) shouldRun(ctx context.Context, r *engine.Resource) (bool, string, error) {
	if creates := r.GetString("creates"); creates != "" {
		_, err := p.host.Stat(ctx, creates)
		if err == nil {
			return false, "creates " + creates + " exists", nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, "", fmt.Errorf("failed to check %s: %w", creates, err)
		}
	}
	if onlyif := r.GetString("onlyif"); onlyif != "" {
		res, err := p.host.Run(ctx, execCommand(r, onlyif))
		if err != nil {
			return false, "", fmt.Errorf("onlyif: %w", err)
		}
		if !res.Success() {
			return false, "onlyif failed", nil
		}
	}
	if unless := r.GetString("unless"); unless != "" {
		res, err := p.host.Run(ctx, execCommand(r, unless))
		if err != nil {
			return false, "", fmt.Errorf("unless: %w", err)
		}
		if res.Success() {
			return false, "unless succeeded", nil
		}
	}
	return true, "", nil
}

// CurrentState implements engine.Provider.
func (p *ExecProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	if r.RefreshOnly() {
		return engine.Attributes{runKey: false}, nil
	}
	run, _, err := p.shouldRun(ctx, r)
	if err != nil {
		return nil, err
	}
	return engine.Attributes{runKey: run}, nil
}

// InSync implements engine.Comparer.
func (p *ExecProvider) InSync(r *engine.Resource, observed engine.Attributes) (bool, []engine.Change) {
	if run, _ := observed.Bool(runKey); !run {
		return true, nil
	}
	return false, []engine.Change{{Path: "returns", Before: "notrun", After: "0", Action: engine.ChangeActionModify}}
}

// Apply implements engine.Provider. A nil observation means the exec fires
// on notification, and its guards are checked first.
func (p *ExecProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	if observed == nil {
		run, reason, err := p.shouldRun(ctx, r)
		if err != nil {
			return nil, err
		}
		if !run {
			p.log.Debug().Str("exec", r.Title()).Str("reason", reason).Msg("Guard prevented run")
			return &engine.ApplyResult{Changed: false, Message: reason}, nil
		}
	}
	return p.run(ctx, r)
}

// Refresh implements engine.Refresher. A subscribed exec runs again when a
// notifier changed, unless a guard prevents it.
func (p *ExecProvider) Refresh(ctx context.Context, r *engine.Resource) error {
	_, err := p.Apply(ctx, r, nil)
	return err
}

func (p *ExecProvider) run(ctx context.Context, r *engine.Resource) (*engine.ApplyResult, error) {
	line := r.GetString("command")
	logger := p.log.With().Str("exec", r.Title()).Logger()
	logger.Info().Str("command", line).Msg("Running command")

	res, err := runChecked(ctx, p.host, execCommand(r, line))
	if err != nil {
		if res != nil {
			logger.Error().Int("exit_code", res.ExitCode).Str("stderr", trimOutput(res.Stderr)).Msg("Command failed")
		}
		return nil, err
	}
	logger.Debug().Dur("duration", res.Duration).Msg("Command finished")
	return &engine.ApplyResult{Changed: true, Message: "executed successfully"}, nil
}

// ClassProvider realizes class anchors. Classes hold no state and exist only
// to group relationships.
type ClassProvider struct{}

// CurrentState implements engine.Provider.
func (ClassProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	return engine.Attributes{}, nil
}

// InSync implements engine.Comparer.
func (ClassProvider) InSync(r *engine.Resource, observed engine.Attributes) (bool, []engine.Change) {
	return true, nil
}

// Apply implements engine.Provider.
func (ClassProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	return &engine.ApplyResult{Changed: false}, nil
}
