package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

type Config struct {
	ServerAddr     string
	RedisURL       string
	BrokerURL      string
	SigningKey     []byte
	AllowedOrigins []string

	// MaxRoomTTLMinutes bounds the TTL a room may be created with.
	MaxRoomTTLMinutes int64
	// RoomCapacity is the maximum number of occupants per room.
	RoomCapacity int
	// SessionTTL is the renewable TTL of an occupant session record.
	SessionTTL time.Duration
	// JoinTimeout bounds the blocking join request over the broker.
	JoinTimeout time.Duration

	// FileSizeThresholdBytes caps the aggregate size of non-deleted
	// files in a room; FileCountThreshold caps their number.
	FileSizeThresholdBytes int64
	FileCountThreshold     int

	RateLimitDefault int
	RateLimitStrict  int

	// SweepInterval is how often the orphaned-key sweep runs.
	SweepInterval time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, redisURL, brokerURL, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}
	if brokerURL == "" {
		return nil, fmt.Errorf("broker URL cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:             serverAddr,
		RedisURL:               redisURL,
		BrokerURL:              brokerURL,
		SigningKey:             signingKey,
		AllowedOrigins:         allowedOrigins,
		MaxRoomTTLMinutes:      4320, // three days
		RoomCapacity:           10,
		SessionTTL:             5 * time.Minute,
		JoinTimeout:            10 * time.Second,
		FileSizeThresholdBytes: 100 << 20,
		FileCountThreshold:     25,
		RateLimitDefault:       60,
		RateLimitStrict:        20,
		SweepInterval:          15 * time.Minute,
	}, nil
}
