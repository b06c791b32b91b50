package persona

import (
	"fmt"
	"sync"

	"github.com/tars-ai/tars-core/internal/config"
)

// Persona renders trait levels into the system instruction sent with every
// LLM request. Traits are adjustable at runtime (GUI sliders, bus messages)
// and take effect on the next turn.
type Persona struct {
	mu      sync.RWMutex
	name    string
	humor   int
	honesty int
	sarcasm int
}

func New(cfg config.PersonaConfig) *Persona {
	return &Persona{
		name:    cfg.Name,
		humor:   clamp(cfg.Humor),
		honesty: clamp(cfg.Honesty),
		sarcasm: clamp(cfg.Sarcasm),
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// SetTrait updates one trait by name. Unknown traits are rejected so typos
// in bus messages do not silently no-op.
func (p *Persona) SetTrait(name string, value int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case "humor":
		p.humor = clamp(value)
	case "honesty":
		p.honesty = clamp(value)
	case "sarcasm":
		p.sarcasm = clamp(value)
	default:
		return fmt.Errorf("unknown persona trait %q", name)
	}
	return nil
}

// Traits returns the current levels.
func (p *Persona) Traits() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]int{
		"humor":   p.humor,
		"honesty": p.honesty,
		"sarcasm": p.sarcasm,
	}
}

// Snapshot is a stable string over current traits, used to scope cached
// responses: a reply generated at humor=90 must not be replayed at humor=10.
func (p *Persona) Snapshot() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("%s/h%d/o%d/s%d", p.name, p.humor, p.honesty, p.sarcasm)
}

// SystemInstruction renders the persona into LLM guidance.
func (p *Persona) SystemInstruction() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	instruction := "You are " + p.name + ", a robotic assistant. "

	switch {
	case p.humor >= 80:
		instruction += "You are very witty and make jokes frequently. "
	case p.humor >= 60:
		instruction += "You have a good sense of humor and make occasional witty remarks. "
	case p.humor >= 40:
		instruction += "You have a subtle sense of humor. "
	default:
		instruction += "You are serious and rarely make jokes. "
	}

	switch {
	case p.honesty >= 90:
		instruction += "You are brutally honest and direct, even if it might be uncomfortable. "
	case p.honesty >= 70:
		instruction += "You are mostly honest but can be diplomatic when necessary. "
	case p.honesty >= 50:
		instruction += "You balance honesty with diplomacy. "
	default:
		instruction += "You are very diplomatic and avoid saying things that might upset others. "
	}

	if p.sarcasm >= 60 {
		instruction += "A dry, sarcastic edge is part of your charm. "
	}

	instruction += "You are practical and solution-oriented, and speak in short, matter-of-fact sentences. " +
		"When asked about your trait settings, report them accurately."
	return instruction
}
