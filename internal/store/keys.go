package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Every key the fleet shares lives under this prefix.
const prefix = "duel:"

const (
	matchesKey   = prefix + "matches"
	instancesKey = prefix + "instances"
	queuePattern = prefix + "queue:*"
)

// EventPattern matches every room event channel.
const EventPattern = prefix + "events:*"

func roomKey(roomID string) string {
	return prefix + "room:" + roomID
}

func queueKey(bracket int) string {
	return prefix + "queue:" + strconv.Itoa(bracket)
}

func socketKey(socketID string) string {
	return prefix + "socket:" + socketID
}

func heartbeatKey(instanceID string) string {
	return prefix + "heartbeat:" + instanceID
}

func cleanupKey(roomID string) string {
	return prefix + "cleanup:" + roomID
}

// LockKey names the lease guarding purpose in roomID.
func LockKey(roomID, purpose string) string {
	return fmt.Sprintf("%slock:%s:%s", prefix, roomID, purpose)
}

func lockPattern(roomID string) string {
	return fmt.Sprintf("%slock:%s:*", prefix, roomID)
}

// EventChannel is the pub/sub channel carrying roomID's events.
func EventChannel(roomID string) string {
	return prefix + "events:" + roomID
}

// RoomFromChannel extracts the room id from an event channel name.
func RoomFromChannel(channel string) (string, bool) {
	roomID, ok := strings.CutPrefix(channel, prefix+"events:")
	if !ok || roomID == "" {
		return "", false
	}
	return roomID, true
}

func bracketFromQueueKey(key string) (int, bool) {
	raw, ok := strings.CutPrefix(key, prefix+"queue:")
	if !ok {
		return 0, false
	}
	bracket, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return bracket, true
}
