package game

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// DrawWinner is the winner value recorded when nobody survives.
const DrawWinner = "draw"

// PlayerEntry is one seat in a room.
type PlayerEntry struct {
	ID             string            `json:"id"`
	InstanceID     string            `json:"instanceId"`
	SocketID       string            `json:"socketId"`
	IsAlive        bool              `json:"isAlive"`
	CurrentActions json.RawMessage   `json:"currentActions,omitempty"`
	TrustedState   json.RawMessage   `json:"trustedState,omitempty"`
	PublicSetup    []json.RawMessage `json:"publicSetup,omitempty"`
}

// HasActions reports whether the player submitted actions this turn.
func (p *PlayerEntry) HasActions() bool {
	return present(p.CurrentActions)
}

// HasTrustedState reports whether the player holds a non-empty trusted state.
func (p *PlayerEntry) HasTrustedState() bool {
	return present(p.TrustedState)
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// GameState is the authoritative per-room record held in the shared store.
type GameState struct {
	RoomID         string        `json:"roomId"`
	Players        []PlayerEntry `json:"players"`
	CurrentPhase   Phase         `json:"currentPhase"`
	Turn           int           `json:"turn"`
	PhaseStartTime int64         `json:"phaseStartTime"`
	PhaseTimeout   int64         `json:"phaseTimeout"`
	PlayersReady   []string      `json:"playersReady"`
	Status         Status        `json:"status"`
	Winner         string        `json:"winner,omitempty"`
	CreatedAt      int64         `json:"createdAt"`
	UpdatedAt      int64         `json:"updatedAt"`
}

// Match pairs two players with the room created for them.
type Match struct {
	Player1   string `json:"player1"`
	Player2   string `json:"player2"`
	RoomID    string `json:"roomId"`
	CreatedAt int64  `json:"createdAt"`
}

// Opponent returns the other player of the match.
func (m Match) Opponent(playerID string) (string, bool) {
	switch playerID {
	case m.Player1:
		return m.Player2, true
	case m.Player2:
		return m.Player1, true
	default:
		return "", false
	}
}

// Timeouts holds the state-recorded deadline of every phase.
type Timeouts struct {
	SpellCasting     time.Duration
	SpellPropagation time.Duration
	SpellEffects     time.Duration
	EndOfRound       time.Duration
	StateUpdate      time.Duration
	MatchStart       time.Duration
}

// For returns the deadline recorded for phase.
func (t Timeouts) For(phase Phase) time.Duration {
	switch phase {
	case PhaseSpellCasting:
		return t.SpellCasting
	case PhaseSpellPropagation:
		return t.SpellPropagation
	case PhaseSpellEffects:
		return t.SpellEffects
	case PhaseEndOfRound:
		return t.EndOfRound
	case PhaseStateUpdate:
		return t.StateUpdate
	default:
		return 0
	}
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewGameState builds the initial waiting state for a freshly matched room.
// Players keep the order given.
func NewGameState(roomID string, players []PlayerEntry, now time.Time, timeouts Timeouts) *GameState {
	seats := make([]PlayerEntry, len(players))
	for i, p := range players {
		seats[i] = PlayerEntry{
			ID:          p.ID,
			InstanceID:  p.InstanceID,
			SocketID:    p.SocketID,
			IsAlive:     true,
			PublicSetup: p.PublicSetup,
		}
	}
	ms := Millis(now)
	return &GameState{
		RoomID:         roomID,
		Players:        seats,
		CurrentPhase:   PhaseSpellCasting,
		Turn:           0,
		PhaseStartTime: ms,
		PhaseTimeout:   timeouts.MatchStart.Milliseconds(),
		PlayersReady:   []string{},
		Status:         StatusWaiting,
		CreatedAt:      ms,
		UpdatedAt:      ms,
	}
}

// Player returns the entry for id.
func (s *GameState) Player(id string) (*PlayerEntry, bool) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i], true
		}
	}
	return nil, false
}

// PlayerIDs returns the seat order of the room.
func (s *GameState) PlayerIDs() []string {
	ids := make([]string, len(s.Players))
	for i, p := range s.Players {
		ids[i] = p.ID
	}
	return ids
}

// AlivePlayers returns the ids of players still in the game, in seat order.
func (s *GameState) AlivePlayers() []string {
	alive := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		if p.IsAlive {
			alive = append(alive, p.ID)
		}
	}
	return alive
}

// IsReady reports whether id is in playersReady.
func (s *GameState) IsReady(id string) bool {
	return slices.Contains(s.PlayersReady, id)
}

// AllAliveReady reports whether every alive player is ready. A room without
// alive players is never ready.
func (s *GameState) AllAliveReady() bool {
	alive := s.AlivePlayers()
	if len(alive) == 0 {
		return false
	}
	for _, id := range alive {
		if !s.IsReady(id) {
			return false
		}
	}
	return true
}

// AllAliveTrusted reports whether every alive player holds a trusted state.
func (s *GameState) AllAliveTrusted() bool {
	alive := 0
	for i := range s.Players {
		p := &s.Players[i]
		if !p.IsAlive {
			continue
		}
		alive++
		if !p.HasTrustedState() {
			return false
		}
	}
	return alive > 0
}

// RoundSettled is the END_OF_ROUND advancement condition: all alive players
// ready and all alive players holding a trusted state. The two fields are
// written independently, so both are checked.
func (s *GameState) RoundSettled() bool {
	return s.AllAliveReady() && s.AllAliveTrusted()
}

// PhaseDeadline returns when the current phase times out.
func (s *GameState) PhaseDeadline() time.Time {
	return time.UnixMilli(s.PhaseStartTime + s.PhaseTimeout)
}

// PhaseExpired reports whether the current phase deadline has passed.
func (s *GameState) PhaseExpired(now time.Time) bool {
	return !now.Before(s.PhaseDeadline())
}

// Finished reports whether the game has ended.
func (s *GameState) Finished() bool {
	return s.Status == StatusFinished
}

// Clone returns a deep copy of the state.
func (s *GameState) Clone() *GameState {
	cp := *s
	cp.Players = make([]PlayerEntry, len(s.Players))
	for i, p := range s.Players {
		cp.Players[i] = p
		cp.Players[i].CurrentActions = slices.Clone(p.CurrentActions)
		cp.Players[i].TrustedState = slices.Clone(p.TrustedState)
		if p.PublicSetup != nil {
			cp.Players[i].PublicSetup = make([]json.RawMessage, len(p.PublicSetup))
			for j, item := range p.PublicSetup {
				cp.Players[i].PublicSetup[j] = slices.Clone(item)
			}
		}
	}
	cp.PlayersReady = slices.Clone(s.PlayersReady)
	return &cp
}

func (s *GameState) touch(now time.Time) {
	s.UpdatedAt = Millis(now)
}

func (s *GameState) markReady(id string) {
	if !s.IsReady(id) {
		s.PlayersReady = append(s.PlayersReady, id)
	}
}

// pruneReady keeps playersReady a subset of alive player ids.
func (s *GameState) pruneReady() {
	kept := s.PlayersReady[:0]
	for _, id := range s.PlayersReady {
		if p, ok := s.Player(id); ok && p.IsAlive {
			kept = append(kept, id)
		}
	}
	s.PlayersReady = kept
}
