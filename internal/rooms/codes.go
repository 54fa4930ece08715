package rooms

import (
	"math/rand/v2"
	"strings"
)

const (
	roomCodeLength  = 8
	roomCodeCharset = "1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// How many fresh codes are tried against the store before giving up.
	codeAttempts = 5
)

func newRoomCode() string {
	var b strings.Builder
	b.Grow(roomCodeLength)
	for i := 0; i < roomCodeLength; i++ {
		b.WriteByte(roomCodeCharset[rand.IntN(len(roomCodeCharset))])
	}
	return b.String()
}

// ValidRoomCode reports whether s has the exact shape of a room code.
// Expired-key notifications carry every key type in the store, so this
// is the gate that keeps occupant and file keys out of the room expiry
// cascade.
func ValidRoomCode(s string) bool {
	if len(s) != roomCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(roomCodeCharset, rune(s[i])) {
			return false
		}
	}
	return true
}
