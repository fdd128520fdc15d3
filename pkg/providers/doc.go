// Package providers implements the built-in resource providers of a
// Neutron network node: packages, files, exec commands, class anchors,
// neutron.conf entries, Neutron networks and subnets, Contrail route
// targets and Consul services.
//
// Providers act on a Host, which is either the local machine or a remote
// machine reached over SSH. They hold no per-resource state and are safe
// for concurrent use by the engine's workers.
//
// Basic usage:
//
//	host := providers.NewLocalHost()
//	platform, err := providers.DetectPlatform(ctx, host)
//	if err != nil {
//		return err
//	}
//	registry := providers.NewRegistry(providers.Options{Host: host, Logger: logger})
//	converger := engine.NewConverger(registry, platform, logger)
package providers
