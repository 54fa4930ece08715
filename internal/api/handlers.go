package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/eventdrop/eventdrop/internal/filedrops"
	"github.com/eventdrop/eventdrop/internal/rooms"
	"github.com/eventdrop/eventdrop/internal/stats"
	"github.com/eventdrop/eventdrop/internal/types"
)

// maxUploadMemory bounds how much of a multipart body is buffered in
// memory before spilling to disk.
const maxUploadMemory = 32 << 20

type CreateRoomRequest struct {
	RoomName   string `json:"room_name"`
	TTLMinutes int    `json:"ttl_minutes"`
	Username   string `json:"username"`
}

type JoinRoomRequest struct {
	RoomCode string `json:"room_code"`
	Username string `json:"username"`
}

type DeleteFilesRequest struct {
	FileIDs []uuid.UUID `json:"file_ids"`
}

type DownloadResponse struct {
	DownloadURL string `json:"download_url"`
}

type BatchUploadResult struct {
	FileName string          `json:"file_name"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	FileDrop *types.FileDrop `json:"file_drop,omitempty"`
}

func (s *EventDropApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *EventDropApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Printf("request failed: %v", errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *EventDropApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.RoomName == "" || req.Username == "" || req.TTLMinutes <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	result, err := s.roomService.CreateRoom(r.Context(), req.RoomName, time.Duration(req.TTLMinutes)*time.Minute, req.Username)
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrTTLExceeded):
			s.writeError(w, NewApiError(http.StatusBadRequest, "requested ttl exceeds maximum"))
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if err := s.setSessionCookie(w, result); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.stats.Incr(stats.RoomsCreated)
	s.writeJson(w, http.StatusCreated, result)
}

func (s *EventDropApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.Username == "" || !rooms.ValidRoomCode(req.RoomCode) {
		s.writeError(w, NewBadRequestError())
		return
	}

	result, err := s.roomService.JoinRoom(r.Context(), req.RoomCode, req.Username)
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrRoomNotFound):
			s.writeError(w, NewNotFoundError())
		case errors.Is(err, rooms.ErrRoomFull):
			s.writeError(w, NewConflictError("room is full"))
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if err := s.setSessionCookie(w, result); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *EventDropApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	occupant, ok := OccupantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	if err := s.roomService.LeaveRoom(r.Context(), occupant); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.clearSessionCookie(w)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *EventDropApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	occupant, ok := OccupantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}
	if occupant.Role != types.RoleOwner {
		s.writeError(w, NewForbiddenError())
		return
	}

	// The cascade run by DeleteRoom counts the expiry.
	state := s.roomService.DeleteRoom(r.Context(), occupant)
	s.clearSessionCookie(w)
	s.writeJson(w, http.StatusOK, state)
}

// streamRoom holds the request open as a server-sent-events stream and
// registers it for room pushes. It returns when the client goes away
// or the room is torn down.
func (s *EventDropApp) streamRoom(w http.ResponseWriter, r *http.Request) {
	occupant, ok := OccupantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, NewInternalServerError(errors.New("streaming unsupported")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn(w, flusher)
	s.registry.Add(occupant.RoomCode, conn)
	s.stats.Incr(stats.ActiveConnections)
	defer func() {
		// A drain may have copied the connection list just before the
		// removal below; closing first gates any late Send.
		conn.CompleteNormally()
		s.registry.Remove(occupant.RoomCode, conn)
		s.stats.Decr(stats.ActiveConnections)
	}()

	if err := s.sequencer.SendInitialState(r.Context(), conn, occupant.RoomCode); err != nil {
		s.log.Printf("initial snapshot for room %s: %v", occupant.RoomCode, err)
		return
	}

	select {
	case <-conn.Done():
	case <-r.Context().Done():
	}
}

func (s *EventDropApp) uploadFile(w http.ResponseWriter, r *http.Request) {
	occupant, ok := OccupantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	defer file.Close()

	fd, err := s.storeUpload(r, occupant, file, header)
	if err != nil {
		s.writeError(w, uploadError(err))
		return
	}

	s.stats.Incr(stats.FilesUploaded)
	s.writeJson(w, http.StatusCreated, fd)
}

// uploadBatch uploads several files in one request, reporting success
// or failure per file rather than failing the whole batch.
func (s *EventDropApp) uploadBatch(w http.ResponseWriter, r *http.Request) {
	occupant, ok := OccupantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil || r.MultipartForm == nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	results := make([]BatchUploadResult, 0, len(headers))
	for _, header := range headers {
		result := BatchUploadResult{FileName: header.Filename}

		file, err := header.Open()
		if err != nil {
			result.Error = "unreadable file"
			results = append(results, result)
			continue
		}

		fd, err := s.storeUpload(r, occupant, file, header)
		file.Close()
		if err != nil {
			result.Error = uploadError(err).Message
			results = append(results, result)
			continue
		}

		result.Success = true
		result.FileDrop = &fd
		s.stats.Incr(stats.FilesUploaded)
		results = append(results, result)
	}

	s.writeJson(w, http.StatusOK, results)
}

func (s *EventDropApp) storeUpload(r *http.Request, occupant types.Occupant, file multipart.File, header *multipart.FileHeader) (types.FileDrop, error) {
	return s.files.Upload(r.Context(), occupant.RoomCode, occupant.OccupantName,
		header.Filename, header.Size, file, occupant.RoomExpiry)
}

func uploadError(err error) *ApiError {
	switch {
	case errors.Is(err, filedrops.ErrSizeThreshold):
		return NewApiError(http.StatusRequestEntityTooLarge, "room size threshold exceeded")
	case errors.Is(err, filedrops.ErrCountThreshold):
		return NewApiError(http.StatusRequestEntityTooLarge, "room file count threshold exceeded")
	case errors.Is(err, filedrops.ErrRoomExpired):
		return NewApiError(http.StatusGone, "room has expired")
	default:
		return NewInternalServerError(err)
	}
}

func (s *EventDropApp) downloadFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := OccupantFromContext(r.Context()); !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	fileID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	url, err := s.files.DownloadURL(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, filedrops.ErrFileNotFound) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.stats.Incr(stats.FilesDownloaded)
	s.writeJson(w, http.StatusOK, DownloadResponse{DownloadURL: url})
}

func (s *EventDropApp) deleteFiles(w http.ResponseWriter, r *http.Request) {
	occupant, ok := OccupantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req DeleteFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.FileIDs) == 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.files.Delete(r.Context(), occupant.RoomCode, occupant.OccupantName, req.FileIDs); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}
