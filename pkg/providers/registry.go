package providers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// Options configures the built-in providers.
type Options struct {
	// Host is the target system. Defaults to the local machine.
	Host Host

	// Logger is the base logger of every provider.
	Logger zerolog.Logger

	// LatestPolicy is the default ensure => latest policy of packages.
	LatestPolicy string

	// NeutronConfigPath is the default file of neutron_config entries.
	NeutronConfigPath string

	// ConsulConfigDir is the default directory of Consul service definitions.
	ConsulConfigDir string

	// OpenStackEnv holds the OS_* variables of the openstack client.
	OpenStackEnv map[string]string

	// KeystoneURL is the identity endpoint of the Contrail API.
	KeystoneURL string

	// HTTPClient is used for the Contrail API.
	HTTPClient *http.Client
}

// packageManagers maps platform families to their package manager.
var packageManagers = map[string]string{
	"debian": "apt",
	"redhat": "dnf",
	"suse":   "zypper",
}

// NewRegistry creates a registry holding the built-in providers of a
// Neutron network node.
func NewRegistry(opts Options) *engine.Registry {
	host := opts.Host
	if host == nil {
		host = NewLocalHost()
	}
	logger := opts.Logger

	registry := engine.NewRegistry()
	var first *PackageProvider
	for family, manager := range packageManagers {
		p := NewPackageProvider(host, manager, opts.LatestPolicy, logger)
		if first == nil {
			first = p
		} else {
			p.shareLock(first)
		}
		registry.MustRegister("package", family, p)
	}
	registry.MustRegister("file", "", NewFileProvider(host, logger))
	registry.MustRegister("exec", "", NewExecProvider(host, logger))
	registry.MustRegister("class", "", ClassProvider{})
	registry.MustRegister("neutron_config", "", NewNeutronConfigProvider(host, opts.NeutronConfigPath, logger))
	registry.MustRegister("neutron_network", "", NewNeutronNetworkProvider(host, opts.OpenStackEnv, logger))
	registry.MustRegister("neutron_subnet", "", NewNeutronSubnetProvider(host, opts.OpenStackEnv, logger))
	registry.MustRegister("contrail_rt", "", NewContrailRouteTargetProvider(opts.HTTPClient, opts.KeystoneURL, logger))
	registry.MustRegister("consul_service", "", NewConsulServiceProvider(host, opts.ConsulConfigDir, logger))
	return registry
}
