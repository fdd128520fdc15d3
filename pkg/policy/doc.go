// Package policy gates compiled catalogs with Open Policy Agent policies.
//
// A catalog is compiled first, then evaluated here, then converged. Every
// enabled policy sees the whole catalog as input:
//
//	{
//	    "node":      {"family": "debian", "os": "trusty"},
//	    "dry_run":   false,
//	    "resources": [{"ref": "Package[python-six]", "type": "package", "title": "python-six",
//	                   "index": 0, "ensure": "latest", "attributes": {...}}],
//	    "edges":     [{"from": "Package[python-six]", "to": "Class[neutron::server]",
//	                   "kind": "ordering", "attribute": "before"}]
//	}
//
// Sensitive attribute values are replaced with engine.RedactedValue and
// listed under "sensitive".
//
// Violations are read from the deny set of each policy's package. An
// element is either a message string or an object with message, resource,
// severity and remediation keys.
//
// # Modes
//
// In enforce mode error and critical violations reject the catalog, and so
// does a policy that fails to evaluate. In warn mode only critical
// violations reject it.
//
// # Built-in policies
//
//   - secret-config: credential-like neutron_config keys must be secret
//   - refreshonly-exec: a refreshonly exec needs a notifier
//   - removal-order: nothing present may require an absent resource
//   - subnet-network-order: a subnet converges after its declared network
//   - unpinned-package: packages tracking latest (warning)
//   - contrail-credentials: admin_password without admin_user (warning)
//   - consul-check: consul services without a health check (info)
//
// The credential patterns live in data.nodeconverge.sensitive_patterns and
// can be replaced with Engine.SetData.
//
// # Custom policies
//
// Engine.LoadPolicies reads .rego and .json files. A .rego policy is named
// after its file; its leading comment block is the description and may set
// the severity:
//
//	# Neutron nodes run a frozen package set.
//	# severity: error
//	package site.freeze
//
//	import rego.v1
//
//	deny contains msg if {
//	    some r in input.resources
//	    r.type == "package"
//	    r.ensure == "latest"
//	    msg := sprintf("%s may not track latest", [r.ref])
//	}
package policy
