package catalog_test

import (
	"errors"
	"testing"

	"phaseline/internal/catalog"
	"phaseline/internal/config"
	"phaseline/internal/domain"
)

func TestDefaultCatalogOrder(t *testing.T) {
	c, err := catalog.FromConfig(config.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	want := []string{"onboarding", "ideation", "design", "review", "production", "payment", "signoff", "delivery"}
	phases := c.Phases()
	if len(phases) != len(want) {
		t.Fatalf("expected %d phases, got %d", len(want), len(phases))
	}
	for i, p := range phases {
		if p.Key != want[i] {
			t.Fatalf("phase %d: want %s got %s", i, want[i], p.Key)
		}
		if p.Position != i+1 {
			t.Fatalf("phase %s: position %d", p.Key, p.Position)
		}
	}
	onboarding := c.First()
	mandatory := 0
	for _, a := range onboarding.RequiredActions {
		if a.Mandatory {
			mandatory++
		}
	}
	if mandatory != 2 {
		t.Fatalf("onboarding should have 2 mandatory actions, got %d", mandatory)
	}
}

func TestNextAndAdjacency(t *testing.T) {
	c, err := catalog.FromConfig(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	next, ok := c.Next("payment")
	if !ok || next.Key != "signoff" {
		t.Fatalf("next of payment: %v %v", next.Key, ok)
	}
	if _, ok := c.Next("delivery"); ok {
		t.Fatalf("delivery is last")
	}
	if !c.IsAdjacent("onboarding", "ideation") {
		t.Fatalf("onboarding->ideation should be adjacent")
	}
	if c.IsAdjacent("onboarding", "payment") {
		t.Fatalf("onboarding->payment is not adjacent")
	}
	if c.Position("design") != 3 || c.Position("nope") != 0 {
		t.Fatalf("unexpected positions")
	}
}

func TestPhaseNotFound(t *testing.T) {
	c, err := catalog.FromConfig(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Phase("unknown")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectsDuplicates(t *testing.T) {
	_, err := catalog.New([]config.PhaseConfig{{Key: "a", Name: "A"}, {Key: "a", Name: "A2"}})
	if err == nil {
		t.Fatalf("expected duplicate phase error")
	}
	_, err = catalog.New([]config.PhaseConfig{{Key: "a", Name: "A", Actions: []config.ActionConfig{{Key: "x"}, {Key: "x"}}}})
	if err == nil {
		t.Fatalf("expected duplicate action error")
	}
}

func TestReturnedPhasesDoNotAliasCatalog(t *testing.T) {
	c, err := catalog.FromConfig(config.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	phases := c.Phases()
	phases[0].RequiredActions[0].Mandatory = false
	phases[0].RequiredActions[0].Key = "tampered"
	phases[0].RequiredActions = append(phases[0].RequiredActions, domain.RequiredAction{Key: "extra", Mandatory: true})

	p, err := c.Phase("onboarding")
	if err != nil {
		t.Fatal(err)
	}
	if p.RequiredActions[0].Key != "contract.signed" || !p.RequiredActions[0].Mandatory {
		t.Fatalf("catalog action changed through Phases(): %+v", p.RequiredActions[0])
	}
	if len(p.RequiredActions) != 3 {
		t.Fatalf("catalog actions grew to %d", len(p.RequiredActions))
	}

	p.RequiredActions[1].Key = "tampered"
	if again, _ := c.Phase("onboarding"); again.RequiredActions[1].Key != "brief.submitted" {
		t.Fatalf("catalog action changed through Phase(): %+v", again.RequiredActions[1])
	}
	next, _ := c.Next("onboarding")
	next.RequiredActions[0].Owner = domain.OwnerClient
	if again, _ := c.Phase("ideation"); again.RequiredActions[0].Owner != domain.OwnerAdmin {
		t.Fatalf("catalog action changed through Next(): %+v", again.RequiredActions[0])
	}
}
