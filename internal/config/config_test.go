package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultTemplateValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if cfg.Stages.WonStage != "WON_KEY" {
		t.Fatalf("unexpected won stage %s", cfg.Stages.WonStage)
	}
	if len(cfg.Kickoff.Tasks) != 12 {
		t.Fatalf("expected 12 kickoff tasks, got %d", len(cfg.Kickoff.Tasks))
	}
	if cfg.DraftTTL() != 10*time.Minute {
		t.Fatalf("unexpected draft ttl %v", cfg.DraftTTL())
	}
}

func TestValidateDuplicateAlias(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "aliases: [lost, closed-lost]", "aliases: [lost, won]", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatalf("expected duplicate alias to fail validation")
	}
}

func TestValidateWonStageInCatalog(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "won_stage: WON_KEY", "won_stage: MISSING_KEY", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatalf("expected unknown won_stage to fail validation")
	}
}

func TestValidateDuplicateTaskKey(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "key: final_qc", "key: kickoff_access", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatalf("expected duplicate kickoff task key to fail validation")
	}
}

func TestActorAllowed(t *testing.T) {
	cfg := Default()
	if !cfg.ActorAllowed("anyone") {
		t.Fatalf("empty allow list should admit everyone")
	}
	cfg.Bot.AllowedActorIDs = []string{"alice"}
	if cfg.ActorAllowed("bob") {
		t.Fatalf("bob is not on the allow list")
	}
	if !cfg.ActorAllowed("alice") {
		t.Fatalf("alice is on the allow list")
	}
}

func TestDraftTTLDefaults(t *testing.T) {
	var cfg Config
	if cfg.DraftTTL() != 10*time.Minute {
		t.Fatalf("zero config should default to 10m, got %v", cfg.DraftTTL())
	}
	cfg.Draft.TTLMinutes = 3
	if cfg.DraftTTL() != 3*time.Minute {
		t.Fatalf("expected 3m, got %v", cfg.DraftTTL())
	}
}
