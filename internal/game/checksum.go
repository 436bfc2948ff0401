package game

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Checksum computes a deterministic digest of the game-relevant fields of a
// state. Timestamps and connection routing are excluded, so two instances
// holding the same game produce the same checksum.
func (s *GameState) Checksum() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "ROOM:%s|%s|%d|%s|%s\n", s.RoomID, s.CurrentPhase, s.Turn, s.Status, s.Winner)

	ready := make([]string, len(s.PlayersReady))
	copy(ready, s.PlayersReady)
	sort.Strings(ready)
	for _, id := range ready {
		fmt.Fprintf(&buf, "READY:%s\n", id)
	}

	// Seat order is part of the game, so players are not sorted.
	for _, p := range s.Players {
		fmt.Fprintf(&buf, "PLAYER:%s|%t\n", p.ID, p.IsAlive)
		if p.HasActions() {
			fmt.Fprintf(&buf, "  ACTIONS:%s\n", bytes.TrimSpace(p.CurrentActions))
		}
		if p.HasTrustedState() {
			fmt.Fprintf(&buf, "  TRUSTED:%s\n", bytes.TrimSpace(p.TrustedState))
		}
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
