package providers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

const sixPolicy = `python-six:
  Installed: 1.5.2-1ubuntu1
  Candidate: 1.5.2-1ubuntu1.1
  Version table:
     1.5.2-1ubuntu1.1 0
        500 http://archive.ubuntu.com/ubuntu/ trusty-updates/main amd64 Packages
 *** 1.5.2-1ubuntu1 0
        100 /var/lib/dpkg/status
`

func TestPackage_CurrentState(t *testing.T) {
	h := newFakeHost()
	h.respond("dpkg-query -W '-f=${Status}|${Version}' python-six", "install ok installed|1.5.2-1ubuntu1", 0)
	h.respond("dpkg-query -W '-f=${Status}|${Version}' neutron-server", "deinstall ok config-files|", 0)
	h.respond("dpkg-query -W '-f=${Status}|${Version}' contrail", "", 1)
	h.respond("apt-cache policy python-six", sixPolicy, 0)
	p := NewPackageProvider(h, "apt", LatestRecheck, nopLogger())
	ctx := context.Background()

	state, err := p.CurrentState(ctx, declare(t, "package", "python-six", engine.Attributes{"ensure": "latest"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state["version"] != "1.5.2-1ubuntu1" || state["candidate"] != "1.5.2-1ubuntu1.1" {
		t.Errorf("Unexpected state: %v", state)
	}

	state, err = p.CurrentState(ctx, declare(t, "package", "neutron-server", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state["ensure"] != "absent" || state["config_files"] != true {
		t.Errorf("Expected absent with config files, got %v", state)
	}

	state, err = p.CurrentState(ctx, declare(t, "package", "contrail", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state["ensure"] != "absent" {
		t.Errorf("Expected absent, got %v", state)
	}

	if h.ran("apt-cache policy neutron-server") || h.ran("apt-cache policy contrail") {
		t.Error("Expected candidate lookup only for ensure => latest")
	}
}

func TestPackage_InSync(t *testing.T) {
	installed := engine.Attributes{"ensure": "present", "version": "1.5.2-1ubuntu1"}
	outdated := engine.Attributes{"ensure": "present", "version": "1.5.2-1ubuntu1", "candidate": "1.5.2-1ubuntu1.1"}
	current := engine.Attributes{"ensure": "present", "version": "1.5.2-1ubuntu1.1", "candidate": "1.5.2-1ubuntu1.1"}
	absent := engine.Attributes{"ensure": "absent"}
	leftovers := engine.Attributes{"ensure": "absent", "config_files": true}

	tests := []struct {
		name     string
		attrs    engine.Attributes
		observed engine.Attributes
		want     bool
	}{
		{name: "present installed", attrs: nil, observed: installed, want: true},
		{name: "present absent", attrs: nil, observed: absent, want: false},
		{name: "installed", attrs: engine.Attributes{"ensure": "installed"}, observed: installed, want: true},
		{name: "latest outdated", attrs: engine.Attributes{"ensure": "latest"}, observed: outdated, want: false},
		{name: "latest current", attrs: engine.Attributes{"ensure": "latest"}, observed: current, want: true},
		{name: "latest without candidate", attrs: engine.Attributes{"ensure": "latest"}, observed: installed, want: true},
		{name: "latest absent", attrs: engine.Attributes{"ensure": "latest"}, observed: absent, want: false},
		{name: "exact version", attrs: engine.Attributes{"ensure": "1.5.2-1ubuntu1"}, observed: installed, want: true},
		{name: "other version", attrs: engine.Attributes{"ensure": "1.9.0-1"}, observed: installed, want: false},
		{name: "absent", attrs: engine.Attributes{"ensure": "absent"}, observed: leftovers, want: true},
		{name: "absent installed", attrs: engine.Attributes{"ensure": "absent"}, observed: installed, want: false},
		{name: "purged leftovers", attrs: engine.Attributes{"ensure": "purged"}, observed: leftovers, want: false},
		{name: "purged", attrs: engine.Attributes{"ensure": "purged"}, observed: absent, want: true},
	}

	p := NewPackageProvider(newFakeHost(), "apt", LatestRecheck, nopLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := declare(t, "package", "python-six", tt.attrs)
			inSync, changes := p.InSync(r, tt.observed)
			if inSync != tt.want {
				t.Errorf("Expected in sync %v, got %v (%v)", tt.want, inSync, changes)
			}
			if !inSync && len(changes) == 0 {
				t.Error("Expected changes for a resource out of sync")
			}
		})
	}
}

func TestPackage_ApplyLatest(t *testing.T) {
	h := newFakeHost()
	upgraded := false
	h.on("dpkg-query", func(Command) *CommandResult {
		if upgraded {
			return &CommandResult{Stdout: "install ok installed|1.5.2-1ubuntu1.1"}
		}
		return &CommandResult{Stdout: "install ok installed|1.5.2-1ubuntu1"}
	})
	h.respond("apt-cache policy", sixPolicy, 0)
	h.on("apt-get install", func(cmd Command) *CommandResult {
		if len(cmd.Env) != 1 || cmd.Env[0] != "DEBIAN_FRONTEND=noninteractive" {
			return &CommandResult{ExitCode: 100, Stderr: "dpkg frontend is interactive"}
		}
		upgraded = true
		return &CommandResult{}
	})

	p := NewPackageProvider(h, "apt", LatestRecheck, nopLogger())
	r := declare(t, "package", "python-six", engine.Attributes{"ensure": "latest"})

	changed, changes := converge(t, p, r)
	if !changed {
		t.Fatal("Expected outdated package to be upgraded")
	}
	if len(changes) != 1 || changes[0].After != "1.5.2-1ubuntu1.1" {
		t.Errorf("Expected change to candidate version, got %v", changes)
	}
	if !h.ran("apt-get install -y -q --only-upgrade") {
		t.Errorf("Expected upgrade command, got %v", h.lines())
	}

	changed, _ = converge(t, p, r)
	if changed {
		t.Error("Expected second run to find the package current")
	}
}

func TestPackage_ApplyCommands(t *testing.T) {
	tests := []struct {
		name    string
		manager string
		attrs   engine.Attributes
		state   string
		want    string
	}{
		{name: "apt install", manager: "apt", attrs: nil, state: "", want: "apt-get install -y -q -o Dpkg::Options::=--force-confold python-six"},
		{name: "apt version", manager: "apt", attrs: engine.Attributes{"ensure": "1.9.0-1"}, state: "install ok installed|1.5.2", want: "apt-get install -y -q -o Dpkg::Options::=--force-confold python-six=1.9.0-1"},
		{name: "apt purge", manager: "apt", attrs: engine.Attributes{"ensure": "purged"}, state: "install ok installed|1.5.2", want: "apt-get purge -y -q python-six"},
		{name: "apt remove", manager: "apt", attrs: engine.Attributes{"ensure": "absent"}, state: "install ok installed|1.5.2", want: "apt-get remove -y -q python-six"},
		{name: "dnf install", manager: "dnf", attrs: nil, state: "", want: "dnf install -y python-six"},
		{name: "resource override", manager: "apt", attrs: engine.Attributes{"provider": "yum"}, state: "", want: "yum install -y python-six"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost()
			if tt.state == "" {
				h.respond("dpkg-query", "", 1)
				h.respond("rpm", "", 1)
			} else {
				h.respond("dpkg-query", tt.state, 0)
			}
			p := NewPackageProvider(h, tt.manager, LatestPin, nopLogger())
			converge(t, p, declare(t, "package", "python-six", tt.attrs))

			if !h.ran(tt.want) {
				t.Errorf("Expected %q, got %v", tt.want, h.lines())
			}
		})
	}
}

func TestPackage_ApplyFailure(t *testing.T) {
	h := newFakeHost()
	h.respond("dpkg-query", "", 1)
	h.on("apt-get", func(Command) *CommandResult {
		return &CommandResult{ExitCode: 100, Stderr: "E: Unable to locate package python-six"}
	})
	p := NewPackageProvider(h, "apt", LatestPin, nopLogger())
	r := declare(t, "package", "python-six", nil)

	_, err := p.Apply(context.Background(), r, engine.Attributes{"ensure": "absent"})
	if err == nil {
		t.Fatal("Expected apply error")
	}
	if !strings.Contains(err.Error(), "Unable to locate package") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestPackage_PinPolicy(t *testing.T) {
	h := newFakeHost()
	h.respond("dpkg-query", "install ok installed|1.5.2-1ubuntu1", 0)
	h.respond("apt-cache policy", sixPolicy, 0)
	p := NewPackageProvider(h, "apt", LatestPin, nopLogger())

	changed, _ := converge(t, p, declare(t, "package", "python-six", engine.Attributes{"ensure": "latest"}))
	if changed {
		t.Error("Expected pinned latest to accept the installed version")
	}
	if h.ran("apt-cache") {
		t.Error("Expected no candidate lookup under the pin policy")
	}

	changed, _ = converge(t, p, declare(t, "package", "python-six", engine.Attributes{"ensure": "latest", "version_policy": "recheck"}))
	if !changed {
		t.Error("Expected resource policy override to recheck the candidate")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{a: "1.5.2", b: "1.5.2", want: 0},
		{a: "1.5.2", b: "1.10.0", want: -1},
		{a: "2.0.0", b: "1.10.0", want: 1},
		{a: "1:2.3.0", b: "1:2.4.0", want: -1},
		{a: "2014.1.5-0ubuntu1~cloud0", b: "2014.1.5-0ubuntu2~cloud0", want: -1},
		{a: "7.0.1-1ubuntu1", b: "7.0.1-1ubuntu1", want: 0},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%s, %s): expected %d, got %d", tt.a, tt.b, tt.want, got)
		}
	}
}

func TestParseAptCandidate(t *testing.T) {
	if got := parseAptCandidate(sixPolicy); got != "1.5.2-1ubuntu1.1" {
		t.Errorf("Expected 1.5.2-1ubuntu1.1, got %s", got)
	}
	if got := parseAptCandidate("foo:\n  Installed: (none)\n  Candidate: (none)\n"); got != "" {
		t.Errorf("Expected no candidate, got %s", got)
	}
}

// concurrencyTracker records the highest number of overlapping calls.
type concurrencyTracker struct {
	mu      sync.Mutex
	active  int
	peak    int
	calls   int
	holdFor time.Duration
}

func (c *concurrencyTracker) handle(stdout string, exitCode int) func(Command) *CommandResult {
	return func(Command) *CommandResult {
		c.mu.Lock()
		c.active++
		c.calls++
		if c.active > c.peak {
			c.peak = c.active
		}
		c.mu.Unlock()

		time.Sleep(c.holdFor)

		c.mu.Lock()
		c.active--
		c.mu.Unlock()
		return &CommandResult{Stdout: stdout, ExitCode: exitCode}
	}
}

func TestPackage_SerializesPackageManager(t *testing.T) {
	h := newFakeHost()
	tracker := &concurrencyTracker{holdFor: 20 * time.Millisecond}
	h.on("dpkg-query", tracker.handle("", 1))
	h.on("apt-get", tracker.handle("", 0))

	c := engine.NewCatalog()
	for _, name := range []string{"python-six", "neutron-server", "contrail-utils"} {
		if _, err := c.Declare("package", name, engine.Attributes{"ensure": "installed"}); err != nil {
			t.Fatal(err)
		}
	}

	registry := NewRegistry(Options{Host: h, Logger: nopLogger()})
	converger := engine.NewConverger(registry, engine.Platform{Family: "debian", OS: "trusty"}, zerolog.Nop())
	report, err := converger.Run(context.Background(), c, engine.ScheduleOptions{MaxParallel: 4})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Summary.Changed != 3 {
		t.Errorf("Expected 3 changed packages, got %+v", report.Summary)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.calls < 6 {
		t.Errorf("Expected queries and installs for every package, got %d calls", tracker.calls)
	}
	if tracker.peak != 1 {
		t.Errorf("Expected package manager calls one at a time, got %d at once", tracker.peak)
	}
}

func TestNewRegistry_SharesPackageLock(t *testing.T) {
	registry := NewRegistry(Options{Host: newFakeHost(), Logger: nopLogger()})

	var locks []*sync.Mutex
	for _, family := range []string{"debian", "redhat", "suse"} {
		p, err := registry.Resolve("package", engine.Platform{Family: family})
		if err != nil {
			t.Fatalf("Expected package provider on %s, got: %v", family, err)
		}
		locks = append(locks, p.(*PackageProvider).mu)
	}
	for i := 1; i < len(locks); i++ {
		if locks[i] != locks[0] {
			t.Error("Expected package providers of one host to share a lock")
		}
	}
}
