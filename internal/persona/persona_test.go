package persona

import (
	"strings"
	"testing"

	"github.com/tars-ai/tars-core/internal/config"
)

func TestTraitsClampedToRange(t *testing.T) {
	p := New(config.PersonaConfig{Name: "TARS", Humor: 150, Honesty: -5, Sarcasm: 50})
	traits := p.Traits()
	if traits["humor"] != 100 {
		t.Fatalf("expected humor clamped to 100, got %d", traits["humor"])
	}
	if traits["honesty"] != 0 {
		t.Fatalf("expected honesty clamped to 0, got %d", traits["honesty"])
	}
}

func TestSetTraitRejectsUnknown(t *testing.T) {
	p := New(config.PersonaConfig{Name: "TARS"})
	if err := p.SetTrait("charisma", 50); err == nil {
		t.Fatal("expected error for unknown trait")
	}
	if err := p.SetTrait("humor", 90); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Traits()["humor"] != 90 {
		t.Fatalf("expected humor 90, got %d", p.Traits()["humor"])
	}
}

func TestSnapshotChangesWithTraits(t *testing.T) {
	p := New(config.PersonaConfig{Name: "TARS", Humor: 75, Honesty: 90})
	before := p.Snapshot()
	if err := p.SetTrait("humor", 10); err != nil {
		t.Fatalf("set trait: %v", err)
	}
	if p.Snapshot() == before {
		t.Fatal("expected snapshot to change after trait update")
	}
}

func TestSystemInstructionReflectsTraits(t *testing.T) {
	serious := New(config.PersonaConfig{Name: "TARS", Humor: 10, Honesty: 95})
	witty := New(config.PersonaConfig{Name: "TARS", Humor: 90, Honesty: 95})

	if !strings.Contains(serious.SystemInstruction(), "rarely make jokes") {
		t.Fatalf("expected serious instruction, got %q", serious.SystemInstruction())
	}
	if !strings.Contains(witty.SystemInstruction(), "jokes frequently") {
		t.Fatalf("expected witty instruction, got %q", witty.SystemInstruction())
	}
	if !strings.Contains(witty.SystemInstruction(), "You are TARS") {
		t.Fatalf("expected persona name in instruction")
	}
}
