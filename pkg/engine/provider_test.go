package engine

import (
	"testing"
)

func TestRegistry_Resolve(t *testing.T) {
	fallback := ProviderFunc{}
	debian := &comparingProvider{inSync: true}

	registry := NewRegistry()
	registry.MustRegister("package", "", fallback)
	registry.MustRegister("Package", "debian", debian)

	p, err := registry.Resolve("package", Platform{Family: "debian", OS: "trusty"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p != Provider(debian) {
		t.Error("Expected family registration to win over the fallback")
	}

	p, err = registry.Resolve("package", Platform{Family: "redhat"})
	if err != nil {
		t.Fatalf("Expected fallback, got: %v", err)
	}
	if _, ok := p.(ProviderFunc); !ok {
		t.Errorf("Expected fallback provider, got %T", p)
	}
}

func TestRegistry_NoProvider(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister("package", "debian", ProviderFunc{})

	_, err := registry.Resolve("package", Platform{Family: "redhat", OS: "7"})
	if !IsNoProvider(err) {
		t.Fatalf("Expected NO_PROVIDER, got %v", err)
	}

	_, err = registry.Resolve("contrail_rt", Platform{})
	if !IsNoProvider(err) {
		t.Errorf("Expected NO_PROVIDER for unregistered type, got %v", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register("", "", ProviderFunc{}); err == nil {
		t.Error("Expected error for empty type")
	}
	if err := registry.Register("file", "", nil); err == nil {
		t.Error("Expected error for nil provider")
	}
	if err := registry.Register("file", "", ProviderFunc{}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := registry.Register("file", "", ProviderFunc{}); err == nil {
		t.Error("Expected error for duplicate registration")
	}

	registry.MustRegister("exec", "", ProviderFunc{})
	types := registry.Types()
	if len(types) != 2 || types[0] != "exec" || types[1] != "file" {
		t.Errorf("Expected [exec file], got %v", types)
	}
}

func TestPlatformString(t *testing.T) {
	tests := []struct {
		platform Platform
		want     string
	}{
		{platform: Platform{}, want: "any"},
		{platform: Platform{Family: "debian"}, want: "debian"},
		{platform: Platform{Family: "debian", OS: "trusty"}, want: "debian/trusty"},
	}
	for _, tt := range tests {
		if got := tt.platform.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
