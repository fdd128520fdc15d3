package providers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// fakeContrail serves the subset of the Contrail config API the route
// target provider uses.
type fakeContrail struct {
	mu       sync.Mutex
	networks map[string]*virtualNetwork // by uuid
	fqNames  map[string]string          // joined fq name -> uuid
	tokens   []string
	puts     int
}

func newFakeContrail() *fakeContrail {
	return &fakeContrail{
		networks: map[string]*virtualNetwork{
			"vn-1": {
				FQName:          []string{"default-domain", "services", "public"},
				RouteTargetList: &routeTargetList{RouteTarget: []string{"target:64512:1"}},
			},
		},
		fqNames: map[string]string{"default-domain:services:public": "vn-1"},
	}
}

func (f *fakeContrail) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, req.Header.Get("X-Auth-Token"))

	switch {
	case req.Method == http.MethodPost && req.URL.Path == "/fqname-to-id":
		var body struct {
			FQName []string `json:"fq_name"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		key := ""
		for i, part := range body.FQName {
			if i > 0 {
				key += ":"
			}
			key += part
		}
		id, ok := f.fqNames[key]
		if !ok {
			http.Error(w, "Name "+key+" not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": id})

	case req.Method == http.MethodGet && len(req.URL.Path) > len("/virtual-network/"):
		vn, ok := f.networks[req.URL.Path[len("/virtual-network/"):]]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"virtual-network": vn})

	case req.Method == http.MethodPut:
		vn, ok := f.networks[req.URL.Path[len("/virtual-network/"):]]
		if !ok {
			http.NotFound(w, req)
			return
		}
		var body struct {
			VirtualNetwork virtualNetwork `json:"virtual-network"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.puts++
		vn.RouteTargetList = body.VirtualNetwork.RouteTargetList
		if body.VirtualNetwork.ImportRouteTargetList != nil {
			vn.ImportRouteTargetList = body.VirtualNetwork.ImportRouteTargetList
		}
		if body.VirtualNetwork.ExportRouteTargetList != nil {
			vn.ExportRouteTargetList = body.VirtualNetwork.ExportRouteTargetList
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"virtual-network": map[string]string{"uuid": "vn-1"}})

	default:
		http.NotFound(w, req)
	}
}

func (f *fakeContrail) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.networks["vn-1"].RouteTargetList.targets()...)
}

func contrailServer(t *testing.T, f *fakeContrail) (string, int64) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	n, _ := strconv.ParseInt(port, 10, 64)
	return host, n
}

func routeTargetResource(t *testing.T, host string, port int64, attrs engine.Attributes) *engine.Resource {
	t.Helper()
	base := engine.Attributes{
		"rt_number":          10000,
		"router_asn":         64512,
		"api_server_address": host,
		"api_server_port":    port,
		"admin_password":     "pass",
	}
	for k, v := range attrs {
		base[k] = v
	}
	return declare(t, "contrail_rt", "default-domain:services:public", base)
}

func TestContrailRouteTarget_AddAndConverge(t *testing.T) {
	f := newFakeContrail()
	host, port := contrailServer(t, f)
	p := NewContrailRouteTargetProvider(nil, "", nopLogger())
	r := routeTargetResource(t, host, port, nil)

	changed, changes := converge(t, p, r)
	if !changed {
		t.Fatal("Expected route target to be added")
	}
	if len(changes) != 1 || changes[0].After != "target:64512:10000" {
		t.Errorf("Expected route target change, got %v", changes)
	}
	targets := f.targets()
	if len(targets) != 2 || targets[0] != "target:64512:1" || targets[1] != "target:64512:10000" {
		t.Errorf("Expected existing target kept and new one added, got %v", targets)
	}

	if changed, _ := converge(t, p, r); changed {
		t.Error("Expected second run to be in sync")
	}
	if f.puts != 1 {
		t.Errorf("Expected exactly one update, got %d", f.puts)
	}
}

func TestContrailRouteTarget_ImportExport(t *testing.T) {
	f := newFakeContrail()
	host, port := contrailServer(t, f)
	p := NewContrailRouteTargetProvider(nil, "", nopLogger())
	r := routeTargetResource(t, host, port, engine.Attributes{
		"import_targets": []interface{}{"target:64512:20000"},
	})

	converge(t, p, r)
	observed, err := p.CurrentState(context.Background(), r)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if inSync, changes := p.InSync(r, observed); !inSync {
		t.Errorf("Expected import targets applied, got %v", changes)
	}
}

func TestContrailRouteTarget_Remove(t *testing.T) {
	f := newFakeContrail()
	host, port := contrailServer(t, f)
	p := NewContrailRouteTargetProvider(nil, "", nopLogger())

	r := routeTargetResource(t, host, port, engine.Attributes{"rt_number": 1, "ensure": "absent"})
	if changed, _ := converge(t, p, r); !changed {
		t.Fatal("Expected route target to be removed")
	}
	if len(f.targets()) != 0 {
		t.Errorf("Expected no targets left, got %v", f.targets())
	}
}

func TestContrailRouteTarget_MissingNetwork(t *testing.T) {
	f := newFakeContrail()
	host, port := contrailServer(t, f)
	p := NewContrailRouteTargetProvider(nil, "", nopLogger())
	ctx := context.Background()

	r := declare(t, "contrail_rt", "default-domain:services:private", engine.Attributes{
		"rt_number":          10000,
		"router_asn":         64512,
		"api_server_address": host,
		"api_server_port":    port,
	})
	observed, err := p.CurrentState(ctx, r)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if observed["ensure"] != "absent" {
		t.Errorf("Expected absent, got %v", observed)
	}
	if _, err := p.Apply(ctx, r, observed); err == nil {
		t.Error("Expected apply error for a missing network")
	}
}

func TestContrailRouteTarget_KeystoneToken(t *testing.T) {
	f := newFakeContrail()
	host, port := contrailServer(t, f)

	var authBody map[string]interface{}
	keystone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v3/auth/tokens" {
			http.NotFound(w, req)
			return
		}
		_ = json.NewDecoder(req.Body).Decode(&authBody)
		w.Header().Set("X-Subject-Token", "tok-123")
		w.WriteHeader(http.StatusCreated)
	}))
	defer keystone.Close()

	p := NewContrailRouteTargetProvider(keystone.Client(), keystone.URL+"/", nopLogger())
	r := routeTargetResource(t, host, port, engine.Attributes{"admin_user": "admin", "admin_tenant": "services"})

	if _, err := p.CurrentState(context.Background(), r); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, token := range f.tokens {
		if token != "tok-123" {
			t.Errorf("Expected token on every request, got %q", token)
		}
	}
	if authBody == nil {
		t.Fatal("Expected a token request")
	}
}

func TestContrailRouteTarget_SensitivePassword(t *testing.T) {
	r := routeTargetResource(t, "127.0.0.1", 8082, nil)
	if !r.IsSensitive("admin_password") {
		t.Error("Expected admin_password to be sensitive")
	}
}
