// Package filedrops manages file metadata and blob bytes for a room:
// threshold-guarded uploads, time-limited downloads, batch deletes
// with a soft-delete fallback, and the file side of the room expiry
// cascade.
package filedrops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"

	"github.com/eventdrop/eventdrop/internal/broker"
	"github.com/eventdrop/eventdrop/internal/rooms"
	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/types"
)

var (
	ErrSizeThreshold  = errors.New("filedrops: room size threshold exceeded")
	ErrCountThreshold = errors.New("filedrops: room file count threshold exceeded")
	ErrFileNotFound   = errors.New("filedrops: file not found")
	ErrRoomExpired    = errors.New("filedrops: room has expired")
)

const (
	// cascadeTTL is the secondary TTL stamped on a room's file records
	// once their blobs are gone, mirroring the occupant cascade.
	cascadeTTL = 2 * time.Second

	downloadURLExpiry = 10 * time.Minute
)

type Service struct {
	files          store.FileDropRepository
	storage        StorageClient
	broker         broker.Broker
	sizeThreshold  int64
	countThreshold int
	log            *log.Logger
	now            func() time.Time
}

func NewService(files store.FileDropRepository, storage StorageClient, b broker.Broker, sizeThreshold int64, countThreshold int, logger *log.Logger) *Service {
	return &Service{
		files:          files,
		storage:        storage,
		broker:         b,
		sizeThreshold:  sizeThreshold,
		countThreshold: countThreshold,
		log:            logger,
		now:            time.Now,
	}
}

// Upload validates the room's thresholds over its non-deleted files,
// then writes the blob and its metadata. Nothing touches the blob
// store until both thresholds pass. Metadata carries the same TTL as
// the room so files never outlive it.
func (s *Service) Upload(ctx context.Context, roomCode, uploader, fileName string, size int64, r io.Reader, roomExpiry time.Time) (types.FileDrop, error) {
	ttl := roomExpiry.Sub(s.now())
	if ttl <= 0 {
		return types.FileDrop{}, ErrRoomExpired
	}

	existing, err := s.files.ListFileDrops(ctx, roomCode)
	if err != nil {
		return types.FileDrop{}, fmt.Errorf("list files of %s: %w", roomCode, err)
	}
	var count int
	var total int64
	for _, fd := range existing {
		if fd.Deleted {
			continue
		}
		count++
		total += fd.SizeBytes
	}
	if count+1 > s.countThreshold {
		return types.FileDrop{}, ErrCountThreshold
	}
	if total+size > s.sizeThreshold {
		return types.FileDrop{}, ErrSizeThreshold
	}

	salt, err := shortid.Generate()
	if err != nil {
		return types.FileDrop{}, fmt.Errorf("generate storage name: %w", err)
	}
	storageName := fmt.Sprintf("%s/%s-%s", roomCode, salt, fileName)

	blobURL, err := s.storage.Upload(ctx, storageName, r)
	if err != nil {
		return types.FileDrop{}, fmt.Errorf("upload blob: %w", err)
	}

	fd := types.FileDrop{
		FileID:           uuid.New(),
		RoomCode:         roomCode,
		OriginalFileName: fileName,
		StorageName:      storageName,
		SizeBytes:        size,
		BlobURL:          blobURL,
		UploadedAt:       s.now(),
	}
	if err := s.files.SaveFileDrop(ctx, fd, ttl); err != nil {
		return types.FileDrop{}, fmt.Errorf("save file metadata: %w", err)
	}

	s.publishEvent(ctx, types.RoomEvent{
		Notification: fmt.Sprintf("%s uploaded %s", uploader, fileName),
		OccurredAt:   s.now(),
		Kind:         types.EventFileUpload,
		RoomCode:     roomCode,
		Count:        count + 1,
	}, rooms.FileUploadRoutingKey(roomCode))

	return fd, nil
}

// DownloadURL returns a time-limited URL for a live file and publishes
// the accounting event.
func (s *Service) DownloadURL(ctx context.Context, fileID uuid.UUID) (string, error) {
	fd, err := s.files.GetFileDrop(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileID, err)
	}
	if fd.Deleted {
		return "", ErrFileNotFound
	}

	url, err := s.storage.DownloadURL(ctx, fd.StorageName, downloadURLExpiry)
	if err != nil {
		return "", fmt.Errorf("generate download url: %w", err)
	}

	s.publishEvent(ctx, types.RoomEvent{
		OccurredAt: s.now(),
		Kind:       types.EventFileDownload,
		RoomCode:   fd.RoomCode,
	}, rooms.FileUploadRoutingKey(fd.RoomCode))

	return url, nil
}

// Delete removes the named files. When the blob store refuses the
// batch delete, the metadata is soft-deleted instead so no orphaned
// record points at a blob in an unknown state.
func (s *Service) Delete(ctx context.Context, roomCode, requester string, fileIDs []uuid.UUID) error {
	drops := make([]types.FileDrop, 0, len(fileIDs))
	names := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		fd, err := s.files.GetFileDrop(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read file %s: %w", id, err)
		}
		if fd.RoomCode != roomCode || fd.Deleted {
			continue
		}
		drops = append(drops, fd)
		names = append(names, fd.StorageName)
	}
	if len(drops) == 0 {
		return nil
	}

	if err := s.storage.BatchDelete(ctx, names); err != nil {
		s.log.Printf("blob delete failed for room %s, soft-deleting %d records: %v", roomCode, len(drops), err)
		for _, fd := range drops {
			if err := s.files.MarkDeleted(ctx, fd); err != nil {
				s.log.Printf("failed to soft-delete %s: %v", fd.FileID, err)
			}
		}
	} else {
		ids := make([]uuid.UUID, len(drops))
		for i, fd := range drops {
			ids[i] = fd.FileID
		}
		if err := s.files.DeleteFileDrops(ctx, roomCode, ids); err != nil {
			return fmt.Errorf("delete file metadata: %w", err)
		}
	}

	s.publishEvent(ctx, types.RoomEvent{
		Notification: fmt.Sprintf("%s deleted %d file(s)", requester, len(drops)),
		OccurredAt:   s.now(),
		Kind:         types.EventFileDelete,
		RoomCode:     roomCode,
		Count:        len(drops),
	}, rooms.FileDeleteRoutingKey(roomCode))

	return nil
}

// CascadeHandler consumes room expiry announcements: best-effort blob
// cleanup, then a short TTL on the metadata so it expires through the
// normal pathway.
func (s *Service) CascadeHandler() broker.Handler {
	return func(ctx context.Context, body []byte) error {
		var ann types.ExpiryAnnouncement
		if err := json.Unmarshal(body, &ann); err != nil {
			return fmt.Errorf("decode expiry announcement: %w", err)
		}

		drops, err := s.files.ListFileDrops(ctx, ann.RoomCode)
		if err != nil {
			return fmt.Errorf("list files of %s: %w", ann.RoomCode, err)
		}
		if len(drops) == 0 {
			return nil
		}

		names := make([]string, len(drops))
		for i, fd := range drops {
			names[i] = fd.StorageName
		}
		if err := s.storage.BatchDelete(ctx, names); err != nil {
			s.log.Printf("blob cleanup for expired room %s: %v", ann.RoomCode, err)
		}

		touched, err := s.files.ExpireRoomFileDrops(ctx, ann.RoomCode, cascadeTTL)
		if err != nil {
			return fmt.Errorf("expire files of %s: %w", ann.RoomCode, err)
		}
		s.log.Printf("expiring %d files of room %s", touched, ann.RoomCode)
		return nil
	}
}

func (s *Service) publishEvent(ctx context.Context, event types.RoomEvent, routingKey string) {
	if err := s.broker.Publish(ctx, rooms.RoomExchange, routingKey, event); err != nil {
		s.log.Printf("failed to publish %s event for %s: %v", event.Kind, event.RoomCode, err)
	}
}
