package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// openstackCLI runs the openstack client on a host with credentials taken
// from the environment map.
type openstackCLI struct {
	host   Host
	binary string
	env    []string
}

func newOpenstackCLI(host Host, env map[string]string) *openstackCLI {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return &openstackCLI{host: host, binary: "openstack", env: pairs}
}

func (c *openstackCLI) run(ctx context.Context, args ...string) (string, error) {
	res, err := runChecked(ctx, c.host, Command{
		Line: ShellJoin(append([]string{c.binary}, args...)...),
		Env:  c.env,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// decode runs a command with JSON output into v.
func (c *openstackCLI) decode(ctx context.Context, v interface{}, args ...string) error {
	out, err := c.run(ctx, append(args, "-f", "json")...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", strings.Join(args[:2], " "), err)
	}
	return nil
}

type listItem struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
}

// find looks an object up by name. An empty ID means it does not exist.
func (c *openstackCLI) find(ctx context.Context, kind, name string) (string, error) {
	var items []listItem
	if err := c.decode(ctx, &items, kind, "list", "--name", name); err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Name == name {
			return item.ID, nil
		}
	}
	return "", nil
}

func (c *openstackCLI) projectName(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	var project struct {
		Name string `json:"name"`
	}
	if err := c.decode(ctx, &project, "project", "show", id); err != nil {
		return "", err
	}
	return project.Name, nil
}

// flexBool decodes booleans rendered either as JSON bools or as the
// client's human readable words.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		switch strings.ToLower(t) {
		case "true", "up", "external", "yes":
			*b = true
		default:
			*b = false
		}
	default:
		*b = false
	}
	return nil
}

// NeutronNetworkProvider manages Neutron networks.
type NeutronNetworkProvider struct {
	cli *openstackCLI
	log zerolog.Logger
}

// NewNeutronNetworkProvider creates a network provider. env holds the OS_*
// credentials passed to the openstack client.
func NewNeutronNetworkProvider(host Host, env map[string]string, logger zerolog.Logger) *NeutronNetworkProvider {
	return &NeutronNetworkProvider{
		cli: newOpenstackCLI(host, env),
		log: logger.With().Str("provider", "neutron_network").Logger(),
	}
}

type networkShow struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	RouterExternal flexBool `json:"router:external"`
	Shared         flexBool `json:"shared"`
	AdminStateUp   flexBool `json:"admin_state_up"`
	ProjectID      string   `json:"project_id"`
}

// CurrentState implements engine.Provider.
func (p *NeutronNetworkProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	id, err := p.cli.find(ctx, "network", r.Title())
	if err != nil {
		return nil, err
	}
	if id == "" {
		return engine.Attributes{engine.AttrEnsure: "absent"}, nil
	}

	var net networkShow
	if err := p.cli.decode(ctx, &net, "network", "show", id); err != nil {
		return nil, err
	}
	state := engine.Attributes{
		engine.AttrEnsure: "present",
		"id":              net.ID,
		"router_external": bool(net.RouterExternal),
		"shared":          bool(net.Shared),
		"admin_state_up":  bool(net.AdminStateUp),
	}
	if _, ok := r.Get("tenant_name"); ok {
		name, err := p.cli.projectName(ctx, net.ProjectID)
		if err != nil {
			return nil, err
		}
		state["tenant_name"] = name
	}
	return state, nil
}

// Apply implements engine.Provider.
func (p *NeutronNetworkProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	name := r.Title()
	id, _ := observed.String("id")
	logger := p.log.With().Str("network", name).Logger()

	if r.Ensure() == "absent" {
		logger.Info().Msg("Deleting network")
		if _, err := p.cli.run(ctx, "network", "delete", firstNonEmpty(id, name)); err != nil {
			return nil, fmt.Errorf("failed to delete network %s: %w", name, err)
		}
		return &engine.ApplyResult{Changed: true, Message: "deleted"}, nil
	}

	if engine.ObservedEnsure(observed) == "absent" {
		args := []string{"network", "create"}
		args = append(args, networkFlags(r, nil)...)
		if tenant := r.GetString("tenant_name"); tenant != "" {
			args = append(args, "--project", tenant)
		}
		logger.Info().Msg("Creating network")
		if _, err := p.cli.run(ctx, append(args, name)...); err != nil {
			return nil, fmt.Errorf("failed to create network %s: %w", name, err)
		}
		return &engine.ApplyResult{Changed: true, Message: "created"}, nil
	}

	changes := engine.ComputeDiff(r, observed)
	for _, c := range changes {
		if c.Path == "tenant_name" {
			return nil, fmt.Errorf("network %s: tenant cannot be changed from %v to %v", name, c.Before, c.After)
		}
	}
	flags := networkFlags(r, changes)
	if len(flags) == 0 {
		return &engine.ApplyResult{Changed: false}, nil
	}
	logger.Info().Strs("flags", flags).Msg("Updating network")
	args := append([]string{"network", "set"}, flags...)
	if _, err := p.cli.run(ctx, append(args, id)...); err != nil {
		return nil, fmt.Errorf("failed to update network %s: %w", name, err)
	}
	return &engine.ApplyResult{Changed: true, Message: "updated"}, nil
}

// networkFlags renders the declared boolean attributes as client flags.
// With changes given, only the changed attributes are rendered.
func networkFlags(r *engine.Resource, changes []engine.Change) []string {
	changed := func(name string) bool {
		if changes == nil {
			return true
		}
		for _, c := range changes {
			if c.Path == name {
				return true
			}
		}
		return false
	}

	var flags []string
	desired := r.Desired()
	if v, ok := desired.Bool("router_external"); ok && changed("router_external") {
		flags = append(flags, pick(v, "--external", "--internal"))
	}
	if v, ok := desired.Bool("shared"); ok && changed("shared") {
		flags = append(flags, pick(v, "--share", "--no-share"))
	}
	if v, ok := desired.Bool("admin_state_up"); ok && changed("admin_state_up") {
		flags = append(flags, pick(v, "--enable", "--disable"))
	}
	return flags
}

// NeutronSubnetProvider manages Neutron subnets. A subnet whose CIDR or
// network changes is deleted and created again.
type NeutronSubnetProvider struct {
	cli *openstackCLI
	log zerolog.Logger
}

// NewNeutronSubnetProvider creates a subnet provider.
func NewNeutronSubnetProvider(host Host, env map[string]string, logger zerolog.Logger) *NeutronSubnetProvider {
	return &NeutronSubnetProvider{
		cli: newOpenstackCLI(host, env),
		log: logger.With().Str("provider", "neutron_subnet").Logger(),
	}
}

type subnetShow struct {
	ID              string              `json:"id"`
	CIDR            string              `json:"cidr"`
	GatewayIP       string              `json:"gateway_ip"`
	EnableDHCP      flexBool            `json:"enable_dhcp"`
	NetworkID       string              `json:"network_id"`
	ProjectID       string              `json:"project_id"`
	AllocationPools []map[string]string `json:"allocation_pools"`
	DNSNameservers  []string            `json:"dns_nameservers"`
	HostRoutes      []map[string]string `json:"host_routes"`
}

// CurrentState implements engine.Provider.
func (p *NeutronSubnetProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	id, err := p.cli.find(ctx, "subnet", r.Title())
	if err != nil {
		return nil, err
	}
	if id == "" {
		return engine.Attributes{engine.AttrEnsure: "absent"}, nil
	}

	var sub subnetShow
	if err := p.cli.decode(ctx, &sub, "subnet", "show", id); err != nil {
		return nil, err
	}

	var network struct {
		Name string `json:"name"`
	}
	if err := p.cli.decode(ctx, &network, "network", "show", sub.NetworkID); err != nil {
		return nil, err
	}

	pools := make([]interface{}, 0, len(sub.AllocationPools))
	for _, pool := range sub.AllocationPools {
		pools = append(pools, "start="+pool["start"]+",end="+pool["end"])
	}
	routes := make([]interface{}, 0, len(sub.HostRoutes))
	for _, route := range sub.HostRoutes {
		routes = append(routes, "destination="+route["destination"]+",nexthop="+route["nexthop"])
	}
	dns := make([]interface{}, 0, len(sub.DNSNameservers))
	for _, ns := range sub.DNSNameservers {
		dns = append(dns, ns)
	}

	state := engine.Attributes{
		engine.AttrEnsure:  "present",
		"id":               sub.ID,
		"cidr":             sub.CIDR,
		"network_name":     network.Name,
		"gateway_ip":       sub.GatewayIP,
		"enable_dhcp":      bool(sub.EnableDHCP),
		"allocation_pools": pools,
		"dns_nameservers":  dns,
		"host_routes":      routes,
	}
	if _, ok := r.Get("tenant_name"); ok {
		name, err := p.cli.projectName(ctx, sub.ProjectID)
		if err != nil {
			return nil, err
		}
		state["tenant_name"] = name
	}
	return state, nil
}

// Apply implements engine.Provider.
func (p *NeutronSubnetProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	name := r.Title()
	id, _ := observed.String("id")
	logger := p.log.With().Str("subnet", name).Logger()

	if r.Ensure() == "absent" {
		logger.Info().Msg("Deleting subnet")
		if _, err := p.cli.run(ctx, "subnet", "delete", firstNonEmpty(id, name)); err != nil {
			return nil, fmt.Errorf("failed to delete subnet %s: %w", name, err)
		}
		return &engine.ApplyResult{Changed: true, Message: "deleted"}, nil
	}

	message := "created"
	if engine.ObservedEnsure(observed) != "absent" {
		changes := engine.ComputeDiff(r, observed)
		if !requiresRecreate(changes) {
			args := append([]string{"subnet", "set"}, subnetSetFlags(r, changes)...)
			if len(args) == 2 {
				return &engine.ApplyResult{Changed: false}, nil
			}
			logger.Info().Msg("Updating subnet")
			if _, err := p.cli.run(ctx, append(args, id)...); err != nil {
				return nil, fmt.Errorf("failed to update subnet %s: %w", name, err)
			}
			return &engine.ApplyResult{Changed: true, Message: "updated"}, nil
		}

		logger.Info().Msg("Recreating subnet")
		if _, err := p.cli.run(ctx, "subnet", "delete", id); err != nil {
			return nil, fmt.Errorf("failed to delete subnet %s: %w", name, err)
		}
		message = "recreated"
	}

	args := []string{"subnet", "create",
		"--network", r.GetString("network_name"),
		"--subnet-range", r.GetString("cidr"),
	}
	if tenant := r.GetString("tenant_name"); tenant != "" {
		args = append(args, "--project", tenant)
	}
	args = append(args, subnetSetFlags(r, nil)...)
	logger.Info().Str("cidr", r.GetString("cidr")).Msg("Creating subnet")
	if _, err := p.cli.run(ctx, append(args, name)...); err != nil {
		return nil, fmt.Errorf("failed to create subnet %s: %w", name, err)
	}
	return &engine.ApplyResult{Changed: true, Message: message}, nil
}

func requiresRecreate(changes []engine.Change) bool {
	for _, c := range changes {
		switch c.Path {
		case "cidr", "network_name", "tenant_name":
			return true
		}
	}
	return false
}

// subnetSetFlags renders the mutable subnet attributes as client flags.
// With changes given, only the changed attributes are rendered and list
// attributes are cleared first.
func subnetSetFlags(r *engine.Resource, changes []engine.Change) []string {
	update := changes != nil
	changed := func(name string) bool {
		if !update {
			return true
		}
		for _, c := range changes {
			if c.Path == name {
				return true
			}
		}
		return false
	}

	desired := r.Desired()
	var flags []string
	if gw, ok := desired.String("gateway_ip"); ok && changed("gateway_ip") {
		flags = append(flags, "--gateway", gw)
	}
	if dhcp, ok := desired.Bool("enable_dhcp"); ok && changed("enable_dhcp") {
		flags = append(flags, pick(dhcp, "--dhcp", "--no-dhcp"))
	}
	if pools, ok := desired.Strings("allocation_pools"); ok && changed("allocation_pools") {
		if update {
			flags = append(flags, "--no-allocation-pool")
		}
		for _, pool := range pools {
			flags = append(flags, "--allocation-pool", pool)
		}
	}
	if servers, ok := desired.Strings("dns_nameservers"); ok && changed("dns_nameservers") {
		if update {
			flags = append(flags, "--no-dns-nameservers")
		}
		for _, ns := range servers {
			flags = append(flags, "--dns-nameserver", ns)
		}
	}
	if routes, ok := desired.Strings("host_routes"); ok && changed("host_routes") {
		if update {
			flags = append(flags, "--no-host-route")
		}
		for _, route := range routes {
			flags = append(flags, "--host-route", strings.Replace(route, "nexthop=", "gateway=", 1))
		}
	}
	return flags
}

func pick(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
