package providers

import (
	"context"
	"testing"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

const trustyOSRelease = `NAME="Ubuntu"
VERSION="14.04.5 LTS, Trusty Tahr"
ID=ubuntu
ID_LIKE=debian
PRETTY_NAME="Ubuntu 14.04.5 LTS"
VERSION_ID="14.04"
UBUNTU_CODENAME=trusty
`

func TestParseOSRelease(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		family   string
		platform engine.Platform
	}{
		{
			name:     "ubuntu trusty",
			content:  trustyOSRelease,
			family:   "debian",
			platform: engine.Platform{Family: "debian", OS: "trusty"},
		},
		{
			name:     "rocky",
			content:  "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"9.3\"\n",
			family:   "redhat",
			platform: engine.Platform{Family: "redhat", OS: "9.3"},
		},
		{
			name:     "unknown",
			content:  "ID=plan9\n",
			family:   "plan9",
			platform: engine.Platform{Family: "plan9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := ParseOSRelease(tt.content)
			if got := facts.Family(); got != tt.family {
				t.Errorf("Expected family %s, got %s", tt.family, got)
			}
			if got := facts.Platform(); got != tt.platform {
				t.Errorf("Expected platform %v, got %v", tt.platform, got)
			}
		})
	}
}

func TestDetectPlatform(t *testing.T) {
	h := newFakeHost()
	ctx := context.Background()
	if err := h.WriteFile(ctx, "/etc/os-release", []byte(trustyOSRelease), 0644); err != nil {
		t.Fatal(err)
	}
	h.respond("uname", "3.13.0-170-generic\nx86_64\nnode1\n", 0)

	facts, err := CollectOSFacts(ctx, h)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if facts.Kernel != "3.13.0-170-generic" || facts.Arch != "x86_64" || facts.Hostname != "node1" {
		t.Errorf("Unexpected facts: %+v", facts)
	}

	platform, err := DetectPlatform(ctx, h)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if platform.String() != "debian/trusty" {
		t.Errorf("Expected debian/trusty, got %s", platform)
	}

	if _, err := DetectPlatform(ctx, newFakeHost()); err == nil {
		t.Error("Expected error without /etc/os-release")
	}
}
