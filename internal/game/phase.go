package game

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Phase is one stage of the fixed five-stage turn cycle.
type Phase int

const (
	PhaseSpellCasting Phase = iota
	PhaseSpellPropagation
	PhaseSpellEffects
	PhaseEndOfRound
	PhaseStateUpdate
)

var phaseNames = map[Phase]string{
	PhaseSpellCasting:     "SPELL_CASTING",
	PhaseSpellPropagation: "SPELL_PROPAGATION",
	PhaseSpellEffects:     "SPELL_EFFECTS",
	PhaseEndOfRound:       "END_OF_ROUND",
	PhaseStateUpdate:      "STATE_UPDATE",
}

// turnSequence is the only legal order of phases within a turn.
var turnSequence = []Phase{
	PhaseSpellCasting,
	PhaseSpellPropagation,
	PhaseSpellEffects,
	PhaseEndOfRound,
	PhaseStateUpdate,
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE_%d", int(p))
}

// Valid reports whether p is one of the cycle phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Next returns the phase following p and whether the cycle wrapped into a
// new turn.
func (p Phase) Next() (Phase, bool) {
	for i, phase := range turnSequence {
		if phase != p {
			continue
		}
		if i == len(turnSequence)-1 {
			return turnSequence[0], true
		}
		return turnSequence[i+1], false
	}
	return PhaseSpellCasting, true
}

// ParsePhase converts a wire name into a Phase.
func ParsePhase(name string) (Phase, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for phase, phaseName := range phaseNames {
		if phaseName == upper {
			return phase, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// MarshalJSON encodes the phase by name.
func (p Phase) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot encode invalid phase %d", int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a phase name.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePhase(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of a room.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)
