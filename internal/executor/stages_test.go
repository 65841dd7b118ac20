package executor

import (
	"testing"

	"draftline/internal/config"
	"draftline/internal/fault"
)

func catalog() []config.Stage {
	return []config.Stage{
		{Key: "NEW_KEY", Name: "New", Aliases: []string{"new", "inbox"}},
		{Key: "PROPOSAL_KEY", Name: "Proposal", Aliases: []string{"offer"}},
		{Key: "WON_KEY", Name: "Won", Aliases: []string{"won", "closed-won"}},
	}
}

func TestResolveStageAlias(t *testing.T) {
	stage, err := ResolveStage(catalog(), "closed-won")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if stage.Key != "WON_KEY" {
		t.Fatalf("expected WON_KEY, got %s", stage.Key)
	}
}

func TestResolveStageNameFold(t *testing.T) {
	stage, err := ResolveStage(catalog(), "proposal")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if stage.Key != "PROPOSAL_KEY" {
		t.Fatalf("expected PROPOSAL_KEY, got %s", stage.Key)
	}
}

func TestResolveStageAliasBeatsName(t *testing.T) {
	cat := []config.Stage{
		{Key: "K1", Name: "Gold", Aliases: []string{"au"}},
		{Key: "K2", Name: "Silver", Aliases: []string{"gold"}},
	}
	stage, err := ResolveStage(cat, "gold")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if stage.Key != "K2" {
		t.Fatalf("exact alias should win over folded name, got %s", stage.Key)
	}
}

func TestResolveStageUnknown(t *testing.T) {
	_, err := ResolveStage(catalog(), "intergalactic")
	if fault.CategoryOf(err) != fault.UserInput {
		t.Fatalf("expected USER_INPUT, got %v", err)
	}
}

func TestStageByKey(t *testing.T) {
	if _, ok := StageByKey(catalog(), "WON_KEY"); !ok {
		t.Fatalf("expected WON_KEY present")
	}
	if _, ok := StageByKey(catalog(), "MISSING"); ok {
		t.Fatalf("expected MISSING absent")
	}
}
