package policy

// DefaultSensitivePatterns match neutron_config keys whose values must be
// declared secret. They are exposed to policies as
// data.nodeconverge.sensitive_patterns.
var DefaultSensitivePatterns = []string{"password", "secret", "token", "_key$"}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		secretConfigPolicy(),
		refreshOnlyExecPolicy(),
		removalOrderPolicy(),
		subnetNetworkPolicy(),
		unpinnedPackagePolicy(),
		contrailCredentialsPolicy(),
		consulCheckPolicy(),
	}
}

// secretConfigPolicy keeps credentials in neutron.conf out of reports and logs.
func secretConfigPolicy() Policy {
	return Policy{
		Name:        "secret-config",
		Description: "neutron_config entries holding credentials must be declared secret",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"neutron", "secrets"},
		Rego: `package nodeconverge.policies.secrets

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "neutron_config"
	r.ensure != "absent"
	parts := split(r.title, "/")
	key := lower(parts[count(parts) - 1])
	some pattern in data.nodeconverge.sensitive_patterns
	regex.match(pattern, key)
	not r.attributes.secret == true
	violation := {
		"message": sprintf("%s looks like a credential but is not declared secret", [r.ref]),
		"resource": r.ref,
		"remediation": "set secret => true so the value is redacted",
	}
}`,
	}
}

// refreshOnlyExecPolicy catches refreshonly execs that nothing can trigger.
func refreshOnlyExecPolicy() Policy {
	return Policy{
		Name:        "refreshonly-exec",
		Description: "refreshonly exec resources must subscribe to, or be notified by, another resource",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"exec", "relationships"},
		Rego: `package nodeconverge.policies.refresh

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "exec"
	r.attributes.refreshonly == true
	not notified(r.ref)
	violation := {
		"message": sprintf("%s is refreshonly but nothing notifies it, so it never runs", [r.ref]),
		"resource": r.ref,
		"remediation": "add subscribe on the exec or notify on the triggering resource",
	}
}

notified(ref) if {
	some e in input.edges
	e.kind == "notification"
	e.to == ref
}`,
	}
}

// removalOrderPolicy rejects catalogs that remove a resource another present
// resource requires.
func removalOrderPolicy() Policy {
	return Policy{
		Name:        "removal-order",
		Description: "a resource being removed must not be required by a resource that stays",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"relationships"},
		Rego: `package nodeconverge.policies.removal

import rego.v1

deny contains violation if {
	some e in input.edges
	e.kind == "ordering"
	e.attribute == "require"
	some from in input.resources
	from.ref == e.from
	from.ensure == "absent"
	some to in input.resources
	to.ref == e.to
	to.ensure != "absent"
	violation := {
		"message": sprintf("%s requires %s, which is declared absent", [to.ref, from.ref]),
		"resource": to.ref,
	}
}`,
	}
}

// subnetNetworkPolicy requires subnets to converge after their network when
// both are declared on the node.
func subnetNetworkPolicy() Policy {
	return Policy{
		Name:        "subnet-network-order",
		Description: "a neutron_subnet must be ordered after the declared neutron_network it belongs to",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"neutron", "relationships"},
		Rego: `package nodeconverge.policies.subnets

import rego.v1

successors[from] := tos if {
	some e in input.edges
	e.kind == "ordering"
	from := e.from
	tos := {t | some x in input.edges; x.kind == "ordering"; x.from == from; t := x.to}
}

deny contains violation if {
	some s in input.resources
	s.type == "neutron_subnet"
	s.ensure != "absent"
	some n in input.resources
	n.type == "neutron_network"
	n.title == s.attributes.network_name
	not s.ref in graph.reachable(successors, {n.ref})
	violation := {
		"message": sprintf("%s belongs to %s but is not ordered after it", [s.ref, n.ref]),
		"resource": s.ref,
		"remediation": sprintf("add require => '%s'", [n.ref]),
	}
}`,
	}
}

// unpinnedPackagePolicy flags packages that track the latest version.
func unpinnedPackagePolicy() Policy {
	return Policy{
		Name:        "unpinned-package",
		Description: "packages with ensure latest upgrade whenever the mirror changes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"package", "versioning"},
		Rego: `package nodeconverge.policies.packages

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "package"
	r.ensure == "latest"
	violation := {
		"message": sprintf("%s tracks the latest version", [r.ref]),
		"resource": r.ref,
		"remediation": "pin an exact version or set version_policy => pin",
	}
}`,
	}
}

// contrailCredentialsPolicy flags half-configured Contrail API credentials.
func contrailCredentialsPolicy() Policy {
	return Policy{
		Name:        "contrail-credentials",
		Description: "contrail_rt resources that set an admin password should also set the admin user",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"contrail"},
		Rego: `package nodeconverge.policies.contrail

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "contrail_rt"
	r.attributes.admin_password
	not r.attributes.admin_user
	violation := {
		"message": sprintf("%s sets admin_password without admin_user", [r.ref]),
		"resource": r.ref,
	}
}`,
	}
}

// consulCheckPolicy notes services registered without a health check.
func consulCheckPolicy() Policy {
	return Policy{
		Name:        "consul-check",
		Description: "consul services should carry a health check",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"consul"},
		Rego: `package nodeconverge.policies.consul

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "consul_service"
	r.ensure != "absent"
	not r.attributes.check_command
	violation := {
		"message": sprintf("%s has no check_command and is always reported healthy", [r.ref]),
		"resource": r.ref,
	}
}`,
	}
}
