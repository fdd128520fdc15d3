package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// DefaultContrailAPIPort is the port of the Contrail config API.
const DefaultContrailAPIPort = 8082

// errNotFound is returned by the Contrail client for HTTP 404.
var errNotFound = errors.New("not found")

// ContrailRouteTargetProvider attaches route targets to Contrail virtual
// networks through the Contrail config API. The resource title is the
// colon separated fully qualified network name, e.g.
// default-domain:services:public.
type ContrailRouteTargetProvider struct {
	client *http.Client

	// KeystoneURL is the identity endpoint tokens are requested from. No
	// token is sent when it is empty.
	KeystoneURL string

	// Scheme is http or https.
	Scheme string

	log zerolog.Logger
}

// NewContrailRouteTargetProvider creates a route target provider.
func NewContrailRouteTargetProvider(client *http.Client, keystoneURL string, logger zerolog.Logger) *ContrailRouteTargetProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ContrailRouteTargetProvider{
		client:      client,
		KeystoneURL: strings.TrimRight(keystoneURL, "/"),
		Scheme:      "http",
		log:         logger.With().Str("provider", "contrail_rt").Logger(),
	}
}

// routeTarget renders the route target community of a resource.
func routeTarget(r *engine.Resource) string {
	asn, _ := r.Attributes().Int("router_asn")
	number, _ := r.Attributes().Int("rt_number")
	return fmt.Sprintf("target:%d:%d", asn, number)
}

type routeTargetList struct {
	RouteTarget []string `json:"route_target"`
}

type virtualNetwork struct {
	UUID                  string           `json:"uuid,omitempty"`
	FQName                []string         `json:"fq_name,omitempty"`
	RouteTargetList       *routeTargetList `json:"route_target_list,omitempty"`
	ImportRouteTargetList *routeTargetList `json:"import_route_target_list,omitempty"`
	ExportRouteTargetList *routeTargetList `json:"export_route_target_list,omitempty"`
}

func (l *routeTargetList) targets() []string {
	if l == nil {
		return nil
	}
	return l.RouteTarget
}

// contrailSession is the API endpoint and token of one resource.
type contrailSession struct {
	p       *ContrailRouteTargetProvider
	baseURL string
	token   string
}

func (p *ContrailRouteTargetProvider) session(ctx context.Context, r *engine.Resource) (*contrailSession, error) {
	port := int64(DefaultContrailAPIPort)
	if v, ok := r.Attributes().Int("api_server_port"); ok {
		port = v
	}
	s := &contrailSession{
		p:       p,
		baseURL: fmt.Sprintf("%s://%s:%d", p.Scheme, r.GetString("api_server_address"), port),
	}

	if p.KeystoneURL != "" && r.GetString("admin_user") != "" {
		token, err := p.token(ctx, r)
		if err != nil {
			return nil, err
		}
		s.token = token
	}
	return s, nil
}

// token requests a project scoped Keystone v3 token.
func (p *ContrailRouteTargetProvider) token(ctx context.Context, r *engine.Resource) (string, error) {
	tenant := r.GetString("admin_tenant")
	if tenant == "" {
		tenant = "admin"
	}
	body := map[string]interface{}{
		"auth": map[string]interface{}{
			"identity": map[string]interface{}{
				"methods": []string{"password"},
				"password": map[string]interface{}{
					"user": map[string]interface{}{
						"name":     r.GetString("admin_user"),
						"domain":   map[string]string{"id": "default"},
						"password": r.GetString("admin_password"),
					},
				},
			},
			"scope": map[string]interface{}{
				"project": map[string]interface{}{
					"name":   tenant,
					"domain": map[string]string{"id": "default"},
				},
			},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.KeystoneURL+"/v3/auth/tokens", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", fmt.Errorf("token response carries no X-Subject-Token header")
	}
	return token, nil
}

func (s *contrailSession) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("X-Auth-Token", s.token)
	}

	resp, err := s.p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, trimOutput(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
		}
	}
	return nil
}

// network fetches a virtual network by fully qualified name. A missing
// network returns errNotFound.
func (s *contrailSession) network(ctx context.Context, fqName string) (*virtualNetwork, error) {
	var id struct {
		UUID string `json:"uuid"`
	}
	lookup := map[string]interface{}{
		"type":    "virtual-network",
		"fq_name": strings.Split(fqName, ":"),
	}
	if err := s.do(ctx, http.MethodPost, "/fqname-to-id", lookup, &id); err != nil {
		return nil, err
	}

	var resp struct {
		VirtualNetwork virtualNetwork `json:"virtual-network"`
	}
	if err := s.do(ctx, http.MethodGet, "/virtual-network/"+id.UUID, nil, &resp); err != nil {
		return nil, err
	}
	resp.VirtualNetwork.UUID = id.UUID
	return &resp.VirtualNetwork, nil
}

// CurrentState implements engine.Provider. The route target is present when
// the network lists it.
func (p *ContrailRouteTargetProvider) CurrentState(ctx context.Context, r *engine.Resource) (engine.Attributes, error) {
	s, err := p.session(ctx, r)
	if err != nil {
		return nil, err
	}
	vn, err := s.network(ctx, r.Title())
	if errors.Is(err, errNotFound) {
		return engine.Attributes{engine.AttrEnsure: "absent", "network_missing": true}, nil
	}
	if err != nil {
		return nil, err
	}

	ensure := "absent"
	if contains(vn.RouteTargetList.targets(), routeTarget(r)) {
		ensure = "present"
	}
	return engine.Attributes{
		engine.AttrEnsure: ensure,
		"uuid":            vn.UUID,
		"route_targets":   toInterfaces(vn.RouteTargetList.targets()),
		"import_targets":  toInterfaces(vn.ImportRouteTargetList.targets()),
		"export_targets":  toInterfaces(vn.ExportRouteTargetList.targets()),
	}, nil
}

// InSync implements engine.Comparer. rt_number and router_asn are part of
// the route target itself, so only its presence and the declared import
// and export targets are compared.
func (p *ContrailRouteTargetProvider) InSync(r *engine.Resource, observed engine.Attributes) (bool, []engine.Change) {
	want := r.Ensure()
	have := engine.ObservedEnsure(observed)
	target := routeTarget(r)
	var changes []engine.Change

	switch {
	case want == "absent" && have != "absent":
		changes = append(changes, engine.Change{Path: "route_target", Before: target, Action: engine.ChangeActionRemove})
	case want != "absent" && have == "absent":
		changes = append(changes, engine.Change{Path: "route_target", After: target, Action: engine.ChangeActionAdd})
	}
	if want == "absent" {
		return len(changes) == 0, changes
	}

	for _, name := range []string{"import_targets", "export_targets"} {
		wantList, ok := r.Desired().Strings(name)
		if !ok {
			continue
		}
		haveList, _ := observed.Strings(name)
		if !engine.ValuesEqual(engine.KindSet, wantList, haveList) {
			changes = append(changes, engine.Change{Path: name, Before: haveList, After: wantList, Action: engine.ChangeActionModify})
		}
	}
	return len(changes) == 0, changes
}

// Apply implements engine.Provider.
func (p *ContrailRouteTargetProvider) Apply(ctx context.Context, r *engine.Resource, observed engine.Attributes) (*engine.ApplyResult, error) {
	if missing, _ := observed.Bool("network_missing"); missing {
		if r.Ensure() == "absent" {
			return &engine.ApplyResult{Changed: false, Message: "network absent"}, nil
		}
		return nil, fmt.Errorf("virtual network %s does not exist", r.Title())
	}

	s, err := p.session(ctx, r)
	if err != nil {
		return nil, err
	}
	vn, err := s.network(ctx, r.Title())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch virtual network %s: %w", r.Title(), err)
	}

	target := routeTarget(r)
	current := vn.RouteTargetList.targets()
	update := virtualNetwork{FQName: vn.FQName}
	message := "route target added"
	if r.Ensure() == "absent" {
		remaining := make([]string, 0, len(current))
		for _, t := range current {
			if t != target {
				remaining = append(remaining, t)
			}
		}
		update.RouteTargetList = &routeTargetList{RouteTarget: remaining}
		message = "route target removed"
	} else {
		if !contains(current, target) {
			current = append(current, target)
		} else {
			message = "route targets updated"
		}
		update.RouteTargetList = &routeTargetList{RouteTarget: current}
		desired := r.Desired()
		if list, ok := desired.Strings("import_targets"); ok {
			update.ImportRouteTargetList = &routeTargetList{RouteTarget: list}
		}
		if list, ok := desired.Strings("export_targets"); ok {
			update.ExportRouteTargetList = &routeTargetList{RouteTarget: list}
		}
	}

	p.log.Info().Str("network", r.Title()).Str("target", target).Str("ensure", r.Ensure()).Msg("Updating virtual network")
	body := map[string]interface{}{"virtual-network": update}
	if err := s.do(ctx, http.MethodPut, "/virtual-network/"+vn.UUID, body, nil); err != nil {
		return nil, fmt.Errorf("failed to update virtual network %s: %w", r.Title(), err)
	}
	return &engine.ApplyResult{Changed: true, Message: message}, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func toInterfaces(list []string) []interface{} {
	out := make([]interface{}, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

