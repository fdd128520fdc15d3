package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func orderTitles(g *Graph) []string {
	titles := make([]string, 0, g.Len())
	for _, r := range g.Order() {
		titles = append(titles, r.Title())
	}
	return titles
}

func TestCompile_EmptyCatalog(t *testing.T) {
	g, err := Compile(NewCatalog(), nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error for empty catalog, got: %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("Expected 0 resources, got %d", g.Len())
	}
	if len(g.Levels()) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(g.Levels()))
	}
}

func TestCompile_RequireAndBefore(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "file", "/etc/neutron/neutron.conf", Attributes{"require": "Package[neutron-server]"})
	mustDeclare(t, c, "package", "neutron-server", nil)
	mustDeclare(t, c, "package", "python-six", Attributes{"before": "Package[neutron-server]"})

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := strings.Join(orderTitles(g), ",")
	want := "python-six,neutron-server,/etc/neutron/neutron.conf"
	if got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}

	preds := g.Predecessors(NewIdentity("package", "neutron-server"))
	if len(preds) != 1 || preds[0].Title != "python-six" {
		t.Errorf("Expected python-six as predecessor, got %v", preds)
	}
	succs := g.Successors(NewIdentity("package", "neutron-server"))
	if len(succs) != 1 || succs[0].Title != "/etc/neutron/neutron.conf" {
		t.Errorf("Expected neutron.conf as successor, got %v", succs)
	}
}

func TestCompile_TieBreakByDeclarationOrder(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "class", "x1", Attributes{"require": "Class[x3]"})
	mustDeclare(t, c, "class", "x2", nil)
	mustDeclare(t, c, "class", "x3", nil)
	mustDeclare(t, c, "class", "x4", nil)

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := strings.Join(orderTitles(g), ",")
	if got != "x2,x3,x1,x4" {
		t.Errorf("Expected order x2,x3,x1,x4, got %s", got)
	}
}

func TestCompile_Stable(t *testing.T) {
	build := func() string {
		c := NewCatalog()
		for i := 0; i < 20; i++ {
			attrs := Attributes{}
			if i%3 == 0 && i > 0 {
				attrs["require"] = fmt.Sprintf("Class[c%d]", i-2)
			}
			mustDeclare(t, c, "class", fmt.Sprintf("c%d", i), attrs)
		}
		g, err := Compile(c, nil, Platform{})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		return strings.Join(orderTitles(g), ",")
	}

	first := build()
	for i := 0; i < 10; i++ {
		if got := build(); got != first {
			t.Fatalf("Expected stable order %s, got %s", first, got)
		}
	}
}

func TestCompile_DetectsCycle(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "class", "a", Attributes{"require": "Class[c]"})
	mustDeclare(t, c, "class", "b", Attributes{"require": "Class[a]"})
	mustDeclare(t, c, "class", "c", Attributes{"require": "Class[b]"})
	mustDeclare(t, c, "class", "d", nil)

	_, err := Compile(c, nil, Platform{})
	if err == nil {
		t.Fatal("Expected cyclic dependency error, got nil")
	}
	if !IsCyclicDependency(err) {
		t.Fatalf("Expected CYCLIC_DEPENDENCY, got %v", err)
	}

	cycle := err.(*EngineError).Cycle
	assertRealCycle(t, c, cycle)
	if c.Sealed() {
		t.Error("Expected catalog to stay open after a failed compile")
	}
}

func TestCompile_SelfRequire(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "file", "/tmp/a", Attributes{"require": "File[/tmp/a]"})

	_, err := Compile(c, nil, Platform{})
	if !IsCyclicDependency(err) {
		t.Fatalf("Expected CYCLIC_DEPENDENCY, got %v", err)
	}
	cycle := err.(*EngineError).Cycle
	if len(cycle) != 2 || cycle[0] != cycle[1] {
		t.Errorf("Expected self cycle, got %v", cycle)
	}
}

// assertRealCycle checks that every consecutive pair of the cycle is an
// ordering edge of the catalog.
func assertRealCycle(t *testing.T, c *Catalog, cycle []Identity) {
	t.Helper()
	if len(cycle) < 2 {
		t.Fatalf("Expected a cycle of at least 2 identities, got %v", cycle)
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("Expected cycle to end where it starts, got %v", cycle)
	}

	edges := make(map[[2]Identity]bool)
	for _, r := range c.Resources() {
		for _, req := range r.Requires() {
			edges[[2]Identity{req, r.ID()}] = true
		}
		for _, b := range r.Befores() {
			edges[[2]Identity{r.ID(), b}] = true
		}
	}
	for i := 0; i+1 < len(cycle); i++ {
		if !edges[[2]Identity{cycle[i], cycle[i+1]}] {
			t.Errorf("Expected ordering edge %s -> %s in cycle %v", cycle[i], cycle[i+1], cycle)
		}
	}
}

func TestCompile_UnresolvedReference(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "contrail_rt", "default-domain:services:public", Attributes{
		"rt_number":          10000,
		"router_asn":         64512,
		"api_server_address": "real.neutron.service.consul",
		"require":            "Neutron_network[public]",
	})

	_, err := Compile(c, nil, Platform{})
	if !IsUnresolvedReference(err) {
		t.Fatalf("Expected UNRESOLVED_REFERENCE, got %v", err)
	}
	if !strings.Contains(err.Error(), "Neutron_network[public]") {
		t.Errorf("Expected error to name the reference, got %v", err)
	}
}

func TestCompile_DeduplicatesEdges(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "class", "a", Attributes{"before": []interface{}{"Class[b]", "Class[b]"}})
	mustDeclare(t, c, "class", "b", Attributes{"require": "Class[a]"})

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	edges := g.Edges()
	if len(edges) != 1 {
		t.Fatalf("Expected 1 edge, got %d: %v", len(edges), edges)
	}
	if edges[0].Kind != EdgeOrdering {
		t.Errorf("Expected ordering edge, got %s", edges[0].Kind)
	}
}

func TestCompile_SubscribeSchedulesTargetAfterNotifier(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "exec", "empty_neutron_conf", Attributes{
		"command":     "mv /etc/neutron/neutron.conf /etc/neutron/neutron.conf.bak_puppet",
		"refreshonly": true,
		"subscribe":   "Package[neutron-server]",
	})
	mustDeclare(t, c, "package", "neutron-server", nil)

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := strings.Join(orderTitles(g), ","); got != "neutron-server,empty_neutron_conf" {
		t.Errorf("Expected notifier first, got %s", got)
	}
	notifiers := g.Notifiers(NewIdentity("exec", "empty_neutron_conf"))
	if len(notifiers) != 1 || notifiers[0].Title != "neutron-server" {
		t.Errorf("Expected neutron-server as notifier, got %v", notifiers)
	}
	if len(g.DeferredNotifications()) != 0 {
		t.Errorf("Expected no deferred notifications, got %v", g.DeferredNotifications())
	}
}

func TestCompile_NotificationAgainstOrderingIsNotACycle(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "exec", "reload", Attributes{
		"command":     "true",
		"refreshonly": true,
		"before":      "Package[neutron-server]",
	})
	mustDeclare(t, c, "package", "neutron-server", Attributes{"notify": "Exec[reload]"})

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected notification edges to stay out of cycle detection, got: %v", err)
	}

	deferred := g.DeferredNotifications()
	if len(deferred) != 1 {
		t.Fatalf("Expected 1 deferred notification, got %d", len(deferred))
	}
	if deferred[0].From.Title != "neutron-server" || deferred[0].To.Title != "reload" {
		t.Errorf("Expected neutron-server -> reload deferred, got %v", deferred[0])
	}
	if got := strings.Join(orderTitles(g), ","); got != "reload,neutron-server" {
		t.Errorf("Expected ordering to win, got %s", got)
	}
}

func TestCompile_OrderConsistentWithEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(25)
		perm := rng.Perm(n)
		c := NewCatalog()

		// Edges only go from lower to higher rank, so the graph is acyclic.
		rank := make([]int, n)
		for i, p := range perm {
			rank[p] = i
		}
		for i := 0; i < n; i++ {
			var requires, befores []interface{}
			for j := 0; j < n; j++ {
				if i == j || rng.Intn(5) != 0 {
					continue
				}
				if rank[j] < rank[i] {
					requires = append(requires, fmt.Sprintf("Class[r%d]", j))
				} else {
					befores = append(befores, fmt.Sprintf("Class[r%d]", j))
				}
			}
			attrs := Attributes{}
			if len(requires) > 0 {
				attrs["require"] = requires
			}
			if len(befores) > 0 {
				attrs["before"] = befores
			}
			mustDeclare(t, c, "class", fmt.Sprintf("r%d", i), attrs)
		}

		g, err := Compile(c, nil, Platform{})
		if err != nil {
			t.Fatalf("Round %d: expected acyclic catalog to compile, got: %v", round, err)
		}
		if len(g.Order()) != n {
			t.Fatalf("Round %d: expected %d resources in order, got %d", round, n, len(g.Order()))
		}
		for _, e := range g.Edges() {
			if g.Position(e.From) >= g.Position(e.To) {
				t.Errorf("Round %d: edge %s -> %s violated by order", round, e.From, e.To)
			}
		}
	}
}

func TestCompile_RandomCyclesDetected(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 30; round++ {
		n := 3 + rng.Intn(10)
		c := NewCatalog()
		// A ring r0 -> r1 -> ... -> r0 plus random extra edges.
		for i := 0; i < n; i++ {
			refs := []interface{}{fmt.Sprintf("Class[r%d]", (i+n-1)%n)}
			if j := rng.Intn(n); j != i {
				refs = append(refs, fmt.Sprintf("Class[r%d]", j))
			}
			mustDeclare(t, c, "class", fmt.Sprintf("r%d", i), Attributes{"require": refs})
		}

		_, err := Compile(c, nil, Platform{})
		if !IsCyclicDependency(err) {
			t.Fatalf("Round %d: expected CYCLIC_DEPENDENCY, got %v", round, err)
		}
		assertRealCycle(t, c, err.(*EngineError).Cycle)
	}
}

func TestCompile_Levels(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "neutron_network", "public", nil)
	mustDeclare(t, c, "neutron_subnet", "pub_subnet1", Attributes{
		"cidr":         "1.1.1.0/24",
		"network_name": "public",
		"require":      "Neutron_network[public]",
	})
	mustDeclare(t, c, "contrail_rt", "default-domain:services:public", Attributes{
		"rt_number":          10000,
		"router_asn":         64512,
		"api_server_address": "real.neutron.service.consul",
		"require":            "Neutron_network[public]",
	})
	mustDeclare(t, c, "class", "neutron", nil)

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := g.Levels()
	if len(levels) != 2 {
		t.Fatalf("Expected 2 levels, got %d", len(levels))
	}
	if len(levels[0]) != 2 {
		t.Errorf("Expected 2 roots, got %v", levels[0])
	}
	if len(levels[1]) != 2 {
		t.Errorf("Expected 2 resources at level 1, got %v", levels[1])
	}
}

func TestCompile_ResolvesProviders(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister("package", "debian", ProviderFunc{})

	c := NewCatalog()
	mustDeclare(t, c, "package", "python-six", nil)
	mustDeclare(t, c, "neutron_network", "public", nil)

	g, err := Compile(c, registry, Platform{Family: "debian", OS: "trusty"})
	if err != nil {
		t.Fatalf("Expected missing providers not to abort compile, got: %v", err)
	}

	if _, err := g.Provider(NewIdentity("package", "python-six")); err != nil {
		t.Errorf("Expected package provider, got: %v", err)
	}
	_, err = g.Provider(NewIdentity("neutron_network", "public"))
	if !IsNoProvider(err) {
		t.Errorf("Expected NO_PROVIDER for neutron_network, got %v", err)
	}
}

func TestGraph_ToDOT(t *testing.T) {
	c := NewCatalog()
	mustDeclare(t, c, "package", "neutron-server", nil)
	mustDeclare(t, c, "exec", "empty_neutron_conf", Attributes{
		"command":     "true",
		"refreshonly": true,
		"subscribe":   "Package[neutron-server]",
	})
	mustDeclare(t, c, "file", "/etc/neutron/neutron.conf", Attributes{"require": "Package[neutron-server]"})

	g, err := Compile(c, nil, Platform{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := g.ToDOT()
	for _, want := range []string{
		"digraph Catalog {",
		`"Package[neutron-server]"`,
		`"Package[neutron-server]" -> "File[/etc/neutron/neutron.conf]" [style=solid, color=black]`,
		`"Package[neutron-server]" -> "Exec[empty_neutron_conf]" [style=dashed, color=blue]`,
		"cluster_level_1",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}
