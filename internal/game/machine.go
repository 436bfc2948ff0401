package game

import (
	"encoding/json"
	"slices"
	"time"
)

// Outcome describes what an elimination did to the game.
type Outcome struct {
	Changed  bool
	Finished bool
	Winner   string
}

// Draw reports whether the game ended without a survivor.
func (o Outcome) Draw() bool {
	return o.Finished && o.Winner == DrawWinner
}

// Transition describes one applied phase change.
type Transition struct {
	From    Phase
	To      Phase
	Turn    int
	NewTurn bool
}

// TimeoutOutcome is the result of enforcing the SPELL_CASTING deadline.
type TimeoutOutcome struct {
	Submitters []string
	Eliminated []string
	Outcome    Outcome
	// Continue is set when at least two players remain and the room should
	// advance normally.
	Continue bool
}

func requireActive(st *GameState) error {
	switch st.Status {
	case StatusActive:
		return nil
	case StatusFinished:
		return preconditionf("game in room %s has finished", st.RoomID)
	default:
		return preconditionf("game in room %s has not started", st.RoomID)
	}
}

func requireAlivePlayer(st *GameState, playerID string) (*PlayerEntry, error) {
	p, ok := st.Player(playerID)
	if !ok {
		return nil, preconditionf("player %s is not in room %s", playerID, st.RoomID)
	}
	if !p.IsAlive {
		return nil, preconditionf("player %s is dead", playerID)
	}
	return p, nil
}

// SubmitActions records a player's actions for this turn and marks them
// ready. It returns whether every alive player is now ready.
func SubmitActions(st *GameState, playerID string, actions json.RawMessage, now time.Time) (bool, error) {
	if err := requireActive(st); err != nil {
		return false, err
	}
	if st.CurrentPhase != PhaseSpellCasting {
		return false, preconditionf("phase mismatch: actions are accepted in %s, room is in %s", PhaseSpellCasting, st.CurrentPhase)
	}
	p, err := requireAlivePlayer(st, playerID)
	if err != nil {
		return false, err
	}
	if !present(actions) {
		return false, preconditionf("actions must not be empty")
	}
	p.CurrentActions = slices.Clone(actions)
	st.markReady(playerID)
	st.touch(now)
	return st.AllAliveReady(), nil
}

// SubmitTrustedState records a player's post-effect snapshot and marks them
// ready. It returns whether the round is settled (see RoundSettled).
func SubmitTrustedState(st *GameState, playerID string, trusted json.RawMessage, now time.Time) (bool, error) {
	if err := requireActive(st); err != nil {
		return false, err
	}
	if st.CurrentPhase != PhaseEndOfRound {
		return false, preconditionf("phase mismatch: trusted state is accepted in %s, room is in %s", PhaseEndOfRound, st.CurrentPhase)
	}
	p, err := requireAlivePlayer(st, playerID)
	if err != nil {
		return false, err
	}
	if !present(trusted) {
		return false, preconditionf("trusted state must not be empty")
	}
	p.TrustedState = slices.Clone(trusted)
	st.markReady(playerID)
	st.touch(now)
	return st.RoundSettled(), nil
}

// Start moves a waiting room into play at the first SPELL_CASTING phase.
func Start(st *GameState, now time.Time, timeouts Timeouts) error {
	if st.Status != StatusWaiting {
		return preconditionf("room %s is %s, not waiting", st.RoomID, st.Status)
	}
	st.Status = StatusActive
	st.CurrentPhase = PhaseSpellCasting
	st.PhaseStartTime = Millis(now)
	st.PhaseTimeout = timeouts.For(PhaseSpellCasting).Milliseconds()
	st.PlayersReady = []string{}
	st.touch(now)
	return nil
}

// Advance moves the room to the next phase of the cycle, wrapping into a new
// turn after STATE_UPDATE. The phase clock and readiness reset on every
// transition; per-turn player data resets when a new turn begins.
func Advance(st *GameState, now time.Time, timeouts Timeouts) (Transition, error) {
	if err := requireActive(st); err != nil {
		return Transition{}, err
	}
	from := st.CurrentPhase
	next, wrapped := from.Next()
	if wrapped {
		st.Turn++
		for i := range st.Players {
			st.Players[i].CurrentActions = nil
			st.Players[i].TrustedState = nil
		}
	}
	st.CurrentPhase = next
	st.PhaseStartTime = Millis(now)
	st.PhaseTimeout = timeouts.For(next).Milliseconds()
	st.PlayersReady = []string{}
	st.touch(now)
	return Transition{From: from, To: next, Turn: st.Turn, NewTurn: wrapped}, nil
}

// MarkDead eliminates a player and evaluates the survivors. Unknown or
// already-dead players and finished games are left untouched.
func MarkDead(st *GameState, playerID string, now time.Time) Outcome {
	out, _ := MarkDeadAll(st, []string{playerID}, now)
	return out
}

// MarkDeadAll eliminates several players as one logical step and evaluates
// the survivors once, so losing the last two players together is a draw. It
// returns the ids that were actually eliminated.
func MarkDeadAll(st *GameState, playerIDs []string, now time.Time) (Outcome, []string) {
	if st.Finished() {
		return Outcome{}, nil
	}
	var eliminated []string
	for _, id := range playerIDs {
		p, ok := st.Player(id)
		if !ok || !p.IsAlive {
			continue
		}
		p.IsAlive = false
		eliminated = append(eliminated, id)
	}
	if len(eliminated) == 0 {
		return Outcome{}, nil
	}
	st.pruneReady()
	st.touch(now)
	return evaluateSurvivors(st), eliminated
}

func evaluateSurvivors(st *GameState) Outcome {
	alive := st.AlivePlayers()
	switch len(alive) {
	case 0:
		finish(st, DrawWinner)
		return Outcome{Changed: true, Finished: true, Winner: DrawWinner}
	case 1:
		finish(st, alive[0])
		return Outcome{Changed: true, Finished: true, Winner: alive[0]}
	default:
		return Outcome{Changed: true}
	}
}

func finish(st *GameState, winner string) {
	st.Status = StatusFinished
	st.Winner = winner
}

// ExpireSpellCasting applies the submission timeout policy: with no
// submitters the game is a draw, otherwise every non-submitter is
// eliminated.
func ExpireSpellCasting(st *GameState, now time.Time) (TimeoutOutcome, error) {
	if err := requireActive(st); err != nil {
		return TimeoutOutcome{}, err
	}
	if st.CurrentPhase != PhaseSpellCasting {
		return TimeoutOutcome{}, preconditionf("phase mismatch: room %s is in %s", st.RoomID, st.CurrentPhase)
	}

	var submitters, missing []string
	for i := range st.Players {
		p := &st.Players[i]
		if !p.IsAlive {
			continue
		}
		if p.HasActions() {
			submitters = append(submitters, p.ID)
		} else {
			missing = append(missing, p.ID)
		}
	}

	result := TimeoutOutcome{Submitters: submitters}
	if len(submitters) == 0 {
		finish(st, DrawWinner)
		st.touch(now)
		result.Outcome = Outcome{Changed: true, Finished: true, Winner: DrawWinner}
		return result, nil
	}

	result.Outcome, result.Eliminated = MarkDeadAll(st, missing, now)
	result.Continue = !st.Finished() && len(st.AlivePlayers()) >= 2
	return result, nil
}

// ActionsByPlayer returns the submitted actions of alive players.
func (s *GameState) ActionsByPlayer() map[string]json.RawMessage {
	actions := make(map[string]json.RawMessage)
	for _, p := range s.Players {
		if p.IsAlive && p.HasActions() {
			actions[p.ID] = p.CurrentActions
		}
	}
	return actions
}

// TrustedStates returns the trusted states of alive players in seat order.
// Players that never submitted are omitted.
func (s *GameState) TrustedStates() []PlayerTrustedState {
	states := make([]PlayerTrustedState, 0, len(s.Players))
	for _, p := range s.Players {
		if p.IsAlive && p.HasTrustedState() {
			states = append(states, PlayerTrustedState{PlayerID: p.ID, State: p.TrustedState})
		}
	}
	return states
}

// PlayerTrustedState pairs a player with their submitted snapshot.
type PlayerTrustedState struct {
	PlayerID string          `json:"playerId"`
	State    json.RawMessage `json:"state"`
}
