package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// OSFacts contains operating system information of a host.
type OSFacts struct {
	ID       string   `json:"id"`
	IDLike   []string `json:"id_like,omitempty"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Codename string   `json:"codename,omitempty"`
	Kernel   string   `json:"kernel"`
	Arch     string   `json:"arch"`
	Hostname string   `json:"hostname"`
}

// Family maps the distribution to the platform family providers are
// registered for.
func (f *OSFacts) Family() string {
	for _, id := range append([]string{f.ID}, f.IDLike...) {
		switch id {
		case "debian", "ubuntu":
			return "debian"
		case "rhel", "centos", "fedora", "rocky", "almalinux":
			return "redhat"
		case "suse", "opensuse", "sles":
			return "suse"
		}
	}
	return f.ID
}

// Platform returns the platform descriptor of the host.
func (f *OSFacts) Platform() engine.Platform {
	os := f.Codename
	if os == "" {
		os = f.Version
	}
	return engine.Platform{Family: f.Family(), OS: os}
}

// CollectOSFacts gathers OS information from /etc/os-release and uname.
func CollectOSFacts(ctx context.Context, h Host) (*OSFacts, error) {
	data, err := h.ReadFile(ctx, "/etc/os-release")
	if err != nil {
		return nil, fmt.Errorf("failed to read /etc/os-release: %w", err)
	}
	facts := ParseOSRelease(string(data))

	res, err := h.Run(ctx, Command{Line: "uname -r; uname -m; hostname"})
	if err == nil && res.Success() {
		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		if len(lines) > 0 {
			facts.Kernel = strings.TrimSpace(lines[0])
		}
		if len(lines) > 1 {
			facts.Arch = strings.TrimSpace(lines[1])
		}
		if len(lines) > 2 {
			facts.Hostname = strings.TrimSpace(lines[2])
		}
	}
	return facts, nil
}

// ParseOSRelease parses the os-release format.
func ParseOSRelease(content string) *OSFacts {
	facts := &OSFacts{}
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			facts.ID = strings.ToLower(value)
		case "ID_LIKE":
			facts.IDLike = strings.Fields(strings.ToLower(value))
		case "NAME":
			facts.Name = value
		case "VERSION_ID":
			facts.Version = value
		case "VERSION_CODENAME", "UBUNTU_CODENAME":
			if facts.Codename == "" {
				facts.Codename = value
			}
		}
	}
	return facts
}

// DetectPlatform returns the platform descriptor of a host.
func DetectPlatform(ctx context.Context, h Host) (engine.Platform, error) {
	facts, err := CollectOSFacts(ctx, h)
	if err != nil {
		return engine.Platform{}, err
	}
	return facts.Platform(), nil
}
