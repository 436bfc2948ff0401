package game

import (
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const roomIDPrefix = "room_"

// RoomID derives the canonical room key for a set of players. The ids are
// sorted first, so the key does not depend on who joined the queue first.
func RoomID(playerIDs ...string) string {
	ids := slices.Clone(playerIDs)
	slices.Sort(ids)
	sum := blake2b.Sum256([]byte(strings.Join(ids, "\x00")))
	return roomIDPrefix + hex.EncodeToString(sum[:16])
}
