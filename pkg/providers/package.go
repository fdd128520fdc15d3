package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// Latest version policies for ensure => latest.
const (
	// LatestPin accepts any installed version as latest.
	LatestPin = "pin"

	// LatestRecheck compares the installed version with the repository
	// candidate on every run.
	LatestRecheck = "recheck"
)

// Observed keys reported by the package provider besides ensure.
const (
	pkgVersionKey     = "version"
	pkgCandidateKey   = "candidate"
	pkgConfigFilesKey = "config_files"
)

// PackageProvider manages system packages through the native package manager.
type PackageProvider struct {
	host Host

	// Manager is apt, dnf, yum or zypper.
	Manager string

	// LatestPolicy is LatestPin or LatestRecheck. Resources may override it
	// with the version_policy attribute.
	LatestPolicy string

	// mu serializes package manager calls on the host, which all contend
	// for the same dpkg or rpm database lock. Providers of one host share it.
	mu *sync.Mutex

	log zerolog.Logger
}

// NewPackageProvider creates a package provider using the given manager.
func NewPackageProvider(host Host, manager, latestPolicy string, logger zerolog.Logger) *PackageProvider {
	if latestPolicy == "" {
		latestPolicy = LatestRecheck
	}
	return &PackageProvider{
		host:         host,
		Manager:      manager,
		LatestPolicy: latestPolicy,
		mu:           &sync.Mutex{},
		log:          logger.With().Str("provider", "package").Str("manager", manager).Logger(),
	}
}

// shareLock makes p serialize with other, for providers acting on the same
// host.
func (p *PackageProvider) shareLock(other *PackageProvider) {
	p.mu = other.mu
}

func (p *PackageProvider) manager(r *engine.Resource) string {
	if m := r.GetString("provider"); m != "" {
		return m
	}
	return p.Manager
}

func (p *PackageProvider) policy(r *engine.Resource) string {
	if v := r.GetString("version_policy"); v != "" {
		return v
	}
	return p.LatestPolicy
}

// CurrentState implements engine.Provider. The installed version is
// reported under "version"; the candidate version is only looked up for
// ensure => latest under the recheck policy.
func (p *PackageProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	manager := p.manager(r)
	installed, version, configFiles, err := p.query(ctx, manager, r.Title())
	if err != nil {
		return nil, err
	}

	if !installed {
		state := engine.Attributes{engine.AttrEnsure: "absent"}
		if configFiles {
			state[pkgConfigFilesKey] = true
		}
		return state, nil
	}

	state := engine.Attributes{
		engine.AttrEnsure: "present",
		pkgVersionKey:     version,
	}
	if r.Ensure() == "latest" && p.policy(r) == LatestRecheck {
		candidate, err := p.candidate(ctx, manager, r.Title())
		if err != nil {
			p.log.Warn().Err(err).Str("package", r.Title()).Msg("Failed to look up candidate version")
		} else if candidate != "" {
			state[pkgCandidateKey] = candidate
		}
	}
	return state, nil
}

// InSync implements engine.Comparer.
func (p *PackageProvider) InSync(r *engine.Resource, observed engine.Attributes) (bool, []engine.Change) {
	want := r.Ensure()
	have := engine.ObservedEnsure(observed)
	version, _ := observed.String(pkgVersionKey)

	change := func(action engine.ChangeAction, before interface{}) []engine.Change {
		return []engine.Change{{Path: engine.AttrEnsure, Before: before, After: want, Action: action}}
	}

	switch want {
	case "absent":
		if have == "absent" {
			return true, nil
		}
		return false, change(engine.ChangeActionRemove, version)
	case "purged":
		configFiles, _ := observed.Bool(pkgConfigFilesKey)
		if have == "absent" && !configFiles {
			return true, nil
		}
		return false, change(engine.ChangeActionRemove, have)
	}

	if have == "absent" {
		return false, change(engine.ChangeActionAdd, "absent")
	}

	switch want {
	case "present", "installed":
		return true, nil
	case "latest":
		candidate, ok := observed.String(pkgCandidateKey)
		if !ok || candidate == "" || CompareVersions(version, candidate) >= 0 {
			return true, nil
		}
		return false, []engine.Change{{Path: engine.AttrEnsure, Before: version, After: candidate, Action: engine.ChangeActionModify}}
	default:
		if version == want {
			return true, nil
		}
		return false, change(engine.ChangeActionModify, version)
	}
}

// Apply implements engine.Provider.
func (p *PackageProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	manager := p.manager(r)
	name := r.Title()
	want := r.Ensure()

	var (
		line    string
		message string
	)
	switch want {
	case "absent":
		line, message = p.removeCommand(manager, name, false), "removed"
	case "purged":
		line, message = p.removeCommand(manager, name, true), "purged"
	case "present", "installed":
		line, message = p.installCommand(manager, name, ""), "installed"
	case "latest":
		if engine.ObservedEnsure(observed) == "absent" {
			line, message = p.installCommand(manager, name, ""), "installed"
		} else {
			line, message = p.upgradeCommand(manager, name), "upgraded"
		}
	default:
		line, message = p.installCommand(manager, name, want), "installed version "+want
	}
	if line == "" {
		return nil, fmt.Errorf("unsupported package manager: %s", manager)
	}

	p.log.Info().Str("package", name).Str("ensure", want).Msg("Changing package")
	if _, err := runChecked(ctx, p.host, Command{Line: line, Env: managerEnv(manager)}); err != nil {
		return nil, fmt.Errorf("failed to change package %s: %w", name, err)
	}

	result := &engine.ApplyResult{Changed: true, Message: message}
	if installed, version, _, err := p.query(ctx, manager, name); err == nil && installed {
		result.State = engine.Attributes{engine.AttrEnsure: "present", pkgVersionKey: version}
		result.Message = message + " " + version
	}
	return result, nil
}

// query reports whether a package is installed, its version, and whether
// configuration files of a removed package remain.
func (p *PackageProvider) query(ctx context.Context, manager, name string) (bool, string, bool, error) {
	var line string
	switch manager {
	case "apt":
		line = ShellJoin("dpkg-query", "-W", "-f=${Status}|${Version}", name)
	case "dnf", "yum", "zypper":
		line = ShellJoin("rpm", "-q", "--queryformat", "install ok installed|%{VERSION}-%{RELEASE}", name)
	default:
		return false, "", false, fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := p.host.Run(ctx, Command{Line: line})
	if err != nil {
		return false, "", false, err
	}
	if !res.Success() {
		return false, "", false, nil
	}
	return parsePackageStatus(res.Stdout)
}

func parsePackageStatus(out string) (bool, string, bool, error) {
	status, version, ok := strings.Cut(strings.TrimSpace(out), "|")
	if !ok {
		return false, "", false, fmt.Errorf("unexpected package query output %q", trimOutput(out))
	}
	switch {
	case strings.HasSuffix(status, " installed"):
		return true, version, false, nil
	case strings.HasSuffix(status, " config-files"):
		return false, "", true, nil
	default:
		return false, "", false, nil
	}
}

// candidate returns the version the package manager would install.
func (p *PackageProvider) candidate(ctx context.Context, manager, name string) (string, error) {
	switch manager {
	case "apt":
		res, err := runChecked(ctx, p.host, Command{Line: ShellJoin("apt-cache", "policy", name)})
		if err != nil {
			return "", err
		}
		return parseAptCandidate(res.Stdout), nil
	case "dnf", "yum":
		line := ShellJoin("repoquery", "--latest-limit", "1", "--qf", "%{VERSION}-%{RELEASE}", name)
		res, err := runChecked(ctx, p.host, Command{Line: line})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(res.Stdout), nil
	default:
		return "", nil
	}
}

func parseAptCandidate(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			v = strings.TrimSpace(v)
			if v == "(none)" {
				return ""
			}
			return v
		}
	}
	return ""
}

func (p *PackageProvider) installCommand(manager, name, version string) string {
	spec := name
	if version != "" {
		switch manager {
		case "apt":
			spec = name + "=" + version
		default:
			spec = name + "-" + version
		}
	}
	switch manager {
	case "apt":
		return ShellJoin("apt-get", "install", "-y", "-q", "-o", "Dpkg::Options::=--force-confold", spec)
	case "dnf", "yum", "zypper":
		return ShellJoin(manager, "install", "-y", spec)
	}
	return ""
}

func (p *PackageProvider) upgradeCommand(manager, name string) string {
	switch manager {
	case "apt":
		return ShellJoin("apt-get", "install", "-y", "-q", "--only-upgrade", "-o", "Dpkg::Options::=--force-confold", name)
	case "dnf", "yum":
		return ShellJoin(manager, "upgrade", "-y", name)
	case "zypper":
		return ShellJoin("zypper", "update", "-y", name)
	}
	return ""
}

func (p *PackageProvider) removeCommand(manager, name string, purge bool) string {
	switch manager {
	case "apt":
		if purge {
			return ShellJoin("apt-get", "purge", "-y", "-q", name)
		}
		return ShellJoin("apt-get", "remove", "-y", "-q", name)
	case "dnf", "yum", "zypper":
		return ShellJoin(manager, "remove", "-y", name)
	}
	return ""
}

func managerEnv(manager string) []string {
	if manager == "apt" {
		return []string{"DEBIAN_FRONTEND=noninteractive"}
	}
	return nil
}

// CompareVersions compares two package versions. Versions that parse as
// semantic versions, after dropping a distribution epoch, are compared by
// precedence; anything else only compares equal when identical, and an
// unequal pair is treated as older.
func CompareVersions(installed, candidate string) int {
	if installed == candidate {
		return 0
	}
	a, errA := semver.NewVersion(stripEpoch(installed))
	b, errB := semver.NewVersion(stripEpoch(candidate))
	if errA != nil || errB != nil {
		return -1
	}
	return a.Compare(b)
}

func stripEpoch(v string) string {
	if _, rest, ok := strings.Cut(v, ":"); ok {
		return rest
	}
	return v
}
