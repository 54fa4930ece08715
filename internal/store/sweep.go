package store

import (
	"context"
	"strings"
	"time"
)

const orphanTTL = 2 * time.Second

// SweepOrphans scans for keys that lost their expiry (a half-finished
// teardown can leave them behind) and assigns a short TTL so they are
// reclaimed through the normal expiry pathway. Returns the number of
// keys reclaimed.
func (s *RedisStore) SweepOrphans(ctx context.Context) (int, error) {
	reclaimed := 0
	iter := s.client.Scan(ctx, 0, "*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, "count#") || strings.HasPrefix(key, "metrics:") {
			continue
		}

		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			s.log.Printf("sweep: failed to read TTL for key %q: %v", key, err)
			continue
		}

		if ttl == -1 {
			s.log.Printf("sweep: found orphaned key %q with no expiry, scheduling cleanup", key)
			if err := s.client.Expire(ctx, key, orphanTTL).Err(); err != nil {
				s.log.Printf("sweep: failed to expire orphaned key %q: %v", key, err)
				continue
			}
			reclaimed++
		}
	}
	if err := iter.Err(); err != nil {
		return reclaimed, err
	}

	return reclaimed, nil
}

// RunSweeper runs SweepOrphans on a fixed interval until ctx is done.
func (s *RedisStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.SweepOrphans(ctx)
			if err != nil {
				s.log.Printf("sweep: scan failed: %v", err)
			}
			if n > 0 {
				s.log.Printf("sweep: reclaimed %d orphaned keys", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
