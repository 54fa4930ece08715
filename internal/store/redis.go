package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eventdrop/eventdrop/internal/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// expiredKeyPattern matches key-expiry notifications from every keyspace.
const expiredKeyPattern = "__keyevent@*__:expired"

// RedisStore implements the room, occupant and file drop repositories,
// the rate-limit counter store and the expiry notifier on a single
// Redis client.
type RedisStore struct {
	client *redis.Client
	log    *log.Logger
}

func NewRedisStore(ctx context.Context, redisURL string, logger *log.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	// Key-expiry events must be enabled for the expiry source to work.
	// Managed instances may forbid CONFIG SET, so failure is logged,
	// not fatal.
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		logger.Printf("unable to enable keyspace notifications: %v", err)
	}

	return &RedisStore{client: client, log: logger}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) SaveRoom(ctx context.Context, room types.Room, ttl time.Duration) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	return s.client.Set(ctx, roomKey(room.RoomCode), data, ttl).Err()
}

func (s *RedisStore) GetRoom(ctx context.Context, roomCode string) (types.Room, error) {
	data, err := s.client.Get(ctx, roomKey(roomCode)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Room{}, ErrNotFound
		}
		return types.Room{}, err
	}

	var room types.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return types.Room{}, fmt.Errorf("unmarshal room %q: %w", roomCode, err)
	}
	return room, nil
}

func (s *RedisStore) RoomExists(ctx context.Context, roomCode string) (bool, error) {
	n, err := s.client.Exists(ctx, roomKey(roomCode)).Result()
	return n > 0, err
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomCode string) error {
	return s.client.Del(ctx, roomKey(roomCode)).Err()
}

func (s *RedisStore) SaveOccupant(ctx context.Context, occupant types.Occupant, ttl time.Duration) error {
	data, err := json.Marshal(occupant)
	if err != nil {
		return fmt.Errorf("marshal occupant: %w", err)
	}

	sessionID := occupant.SessionID.String()
	if err := s.client.Set(ctx, occupantKey(sessionID), data, ttl).Err(); err != nil {
		return err
	}

	// Index membership lives at least as long as the room itself; stale
	// entries are pruned on read.
	indexKey := roomOccupantsKey(occupant.RoomCode)
	if err := s.client.SAdd(ctx, indexKey, sessionID).Err(); err != nil {
		return err
	}
	return s.client.ExpireAt(ctx, indexKey, occupant.RoomExpiry.Add(time.Minute)).Err()
}

func (s *RedisStore) GetOccupant(ctx context.Context, sessionID uuid.UUID) (types.Occupant, error) {
	data, err := s.client.Get(ctx, occupantKey(sessionID.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Occupant{}, ErrNotFound
		}
		return types.Occupant{}, err
	}

	var occupant types.Occupant
	if err := json.Unmarshal(data, &occupant); err != nil {
		return types.Occupant{}, fmt.Errorf("unmarshal occupant %q: %w", sessionID, err)
	}
	return occupant, nil
}

func (s *RedisStore) DeleteOccupant(ctx context.Context, occupant types.Occupant) error {
	sessionID := occupant.SessionID.String()
	if err := s.client.Del(ctx, occupantKey(sessionID)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, roomOccupantsKey(occupant.RoomCode), sessionID).Err()
}

func (s *RedisStore) RefreshOccupant(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, occupantKey(sessionID.String()), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// OccupantCount reads the room's session index, pruning entries whose
// records have already expired.
func (s *RedisStore) OccupantCount(ctx context.Context, roomCode string) (int, error) {
	sessionIDs, err := s.client.SMembers(ctx, roomOccupantsKey(roomCode)).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sessionID := range sessionIDs {
		n, err := s.client.Exists(ctx, occupantKey(sessionID)).Result()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			s.client.SRem(ctx, roomOccupantsKey(roomCode), sessionID)
			continue
		}
		count++
	}
	return count, nil
}

func (s *RedisStore) ExpireRoomOccupants(ctx context.Context, roomCode string, ttl time.Duration) (int, error) {
	sessionIDs, err := s.client.SMembers(ctx, roomOccupantsKey(roomCode)).Result()
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, sessionID := range sessionIDs {
		ok, err := s.client.Expire(ctx, occupantKey(sessionID), ttl).Result()
		if err != nil {
			s.log.Printf("failed to expire occupant %q in room %q: %v", sessionID, roomCode, err)
			continue
		}
		if ok {
			touched++
		}
	}

	s.client.Expire(ctx, roomOccupantsKey(roomCode), ttl)
	return touched, nil
}

func (s *RedisStore) SaveFileDrop(ctx context.Context, fd types.FileDrop, ttl time.Duration) error {
	data, err := json.Marshal(fd)
	if err != nil {
		return fmt.Errorf("marshal file drop: %w", err)
	}

	fileID := fd.FileID.String()
	if err := s.client.Set(ctx, fileDropKey(fileID), data, ttl).Err(); err != nil {
		return err
	}

	indexKey := roomFileDropsKey(fd.RoomCode)
	if err := s.client.SAdd(ctx, indexKey, fileID).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, indexKey, ttl+time.Minute).Err()
}

func (s *RedisStore) GetFileDrop(ctx context.Context, fileID uuid.UUID) (types.FileDrop, error) {
	data, err := s.client.Get(ctx, fileDropKey(fileID.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.FileDrop{}, ErrNotFound
		}
		return types.FileDrop{}, err
	}

	var fd types.FileDrop
	if err := json.Unmarshal(data, &fd); err != nil {
		return types.FileDrop{}, fmt.Errorf("unmarshal file drop %q: %w", fileID, err)
	}
	return fd, nil
}

func (s *RedisStore) ListFileDrops(ctx context.Context, roomCode string) ([]types.FileDrop, error) {
	fileIDs, err := s.client.SMembers(ctx, roomFileDropsKey(roomCode)).Result()
	if err != nil {
		return nil, err
	}

	fileDrops := make([]types.FileDrop, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		data, err := s.client.Get(ctx, fileDropKey(fileID)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, roomFileDropsKey(roomCode), fileID)
			continue
		}
		if err != nil {
			return nil, err
		}

		var fd types.FileDrop
		if err := json.Unmarshal(data, &fd); err != nil {
			s.log.Printf("skipping malformed file drop %q in room %q: %v", fileID, roomCode, err)
			continue
		}
		fileDrops = append(fileDrops, fd)
	}
	return fileDrops, nil
}

func (s *RedisStore) DeleteFileDrops(ctx context.Context, roomCode string, fileIDs []uuid.UUID) error {
	for _, fileID := range fileIDs {
		id := fileID.String()
		if err := s.client.Del(ctx, fileDropKey(id)).Err(); err != nil {
			return err
		}
		if err := s.client.SRem(ctx, roomFileDropsKey(roomCode), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) MarkDeleted(ctx context.Context, fd types.FileDrop) error {
	fd.Deleted = true
	data, err := json.Marshal(fd)
	if err != nil {
		return fmt.Errorf("marshal file drop: %w", err)
	}

	// Preserve the record's remaining TTL.
	return s.client.Set(ctx, fileDropKey(fd.FileID.String()), data, redis.KeepTTL).Err()
}

func (s *RedisStore) ExpireRoomFileDrops(ctx context.Context, roomCode string, ttl time.Duration) (int, error) {
	fileIDs, err := s.client.SMembers(ctx, roomFileDropsKey(roomCode)).Result()
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, fileID := range fileIDs {
		ok, err := s.client.Expire(ctx, fileDropKey(fileID), ttl).Result()
		if err != nil {
			s.log.Printf("failed to expire file drop %q in room %q: %v", fileID, roomCode, err)
			continue
		}
		if ok {
			touched++
		}
	}

	s.client.Expire(ctx, roomFileDropsKey(roomCode), ttl)
	return touched, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisStore) GetWindow(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

// ExpiredKeys subscribes to key-expiry notifications and forwards the
// raw expired keys until ctx is cancelled.
func (s *RedisStore) ExpiredKeys(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.PSubscribe(ctx, expiredKeyPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to expiry notifications: %w", err)
	}

	keys := make(chan string, 64)
	go func() {
		defer close(keys)
		defer pubsub.Close()

		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case keys <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return keys, nil
}
