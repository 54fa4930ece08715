package store

import (
	"fmt"
	"strings"
)

const (
	roomKeyPrefix     = "room:"
	occupantKeyPrefix = "occupant:"
	fileDropKeyPrefix = "filedrop:"
)

func roomKey(roomCode string) string {
	return roomKeyPrefix + roomCode
}

func roomOccupantsKey(roomCode string) string {
	return fmt.Sprintf("room:%s:occupants", roomCode)
}

func roomFileDropsKey(roomCode string) string {
	return fmt.Sprintf("room:%s:files", roomCode)
}

func occupantKey(sessionID string) string {
	return occupantKeyPrefix + sessionID
}

func fileDropKey(fileID string) string {
	return fileDropKeyPrefix + fileID
}

// RoomCodeFromKey extracts the room code from an expired room key. The
// second return is false for any other key type (occupants, file drops,
// index sets, rate-limit counters) sharing the expiry channel.
func RoomCodeFromKey(key string) (string, bool) {
	code, ok := strings.CutPrefix(key, roomKeyPrefix)
	if !ok || strings.Contains(code, ":") {
		return "", false
	}
	return code, true
}
