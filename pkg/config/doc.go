// Package config loads node manifests and node configuration.
//
// # Overview
//
// A manifest declares the resources a node should converge to. Manifests
// are written in CUE, Starlark or YAML; every format produces the same
// Manifest of ResourceDecl values, which then become an engine.Catalog.
//
// # Components
//
// Loader: dispatches on the manifest extension (a directory is loaded as a
// CUE package), validates every declaration and builds the catalog.
//
// SchemaRegistry: renders the engine resource schemas as CUE definitions
// and checks declarations against them. Unknown attributes, enum
// violations and wrong value kinds are rejected before the engine runs.
//
// CUELoader: unifies CUE files into one value and extracts the resources
// field, either as a type/title/attributes struct or as a list.
//
// StarlarkEvaluator: runs Starlark manifests with declare and ref builtins
// and a timeout.
//
// NodeConfig: per-node settings loaded from YAML or TOML.
//
// Watcher: debounced fsnotify watch over manifest files and directories.
//
// # CUE manifests
//
//	name: "rjil::neutron"
//
//	resources: {
//	    package: "python-six": {
//	        ensure: "latest"
//	        before: "Class[neutron::server]"
//	    }
//	    neutron_subnet: pub_subnet1: {
//	        cidr:         "1.1.1.0/24"
//	        network_name: "public"
//	    }
//	}
//
// # Starlark manifests
//
//	net = declare("neutron_network", "public", router_external = True)
//	declare("neutron_subnet", "pub_subnet1", require = net, cidr = public_cidr)
//
// Node facts are predeclared as globals. declare and ref return reference
// strings such as "Neutron_network[public]".
//
// # Errors
//
// Load failures are reported as a *ManifestError holding one
// ValidationError per problem, each with file, line and attribute path.
package config
