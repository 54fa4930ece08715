package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eventdrop/eventdrop/internal/broker"
	"github.com/eventdrop/eventdrop/internal/config"
	"github.com/eventdrop/eventdrop/internal/events"
	"github.com/eventdrop/eventdrop/internal/filedrops"
	"github.com/eventdrop/eventdrop/internal/occupants"
	"github.com/eventdrop/eventdrop/internal/ratelimit"
	"github.com/eventdrop/eventdrop/internal/rooms"
	"github.com/eventdrop/eventdrop/internal/stats"
	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/testutil"
	"github.com/eventdrop/eventdrop/internal/types"
)

type appFixture struct {
	app       *EventDropApp
	mux       *http.ServeMux
	broker    *broker.MockBroker
	rooms     *store.MockRoomRepository
	occupants *store.MockOccupantRepository
	files     *store.MockFileDropRepository
	counters  *store.MockCounterStore
	storage   *filedrops.MockStorageClient
	registry  *events.Registry
	stats     *stats.MockStatsUpdater
}

func newAppFixture(t *testing.T) *appFixture {
	logger := testutil.TestLogger(t)

	b := &broker.MockBroker{}
	b.On("DeclareExchange", mock.Anything, mock.Anything).Return(nil)

	roomRepo := &store.MockRoomRepository{}
	occupantRepo := &store.MockOccupantRepository{}
	fileRepo := &store.MockFileDropRepository{}
	counters := &store.MockCounterStore{}
	storage := &filedrops.MockStorageClient{}

	registry := events.NewRegistry()
	sequencer := events.NewSequencer(events.NewStateBuilder(roomRepo, occupantRepo, fileRepo), registry, logger)

	statsMock := &stats.MockStatsUpdater{}
	statsMock.On("Incr", mock.Anything).Maybe()
	statsMock.On("Decr", mock.Anything).Maybe()

	queues, err := rooms.NewQueueManager(b, nil, logger)
	require.NoError(t, err)
	cleanup := rooms.NewExpiryOrchestrator(sequencer, registry, roomRepo, queues, b, statsMock, logger)
	roomService := rooms.NewRoomService(roomRepo, b, queues, sequencer, cleanup, 72*time.Hour, time.Second, logger)

	fileService := filedrops.NewService(fileRepo, storage, b, 1024, 3, logger)
	occupantService := occupants.NewService(occupantRepo, 10, 5*time.Minute, logger)
	limiter := ratelimit.NewLimiter(counters, 60, 20, logger)

	cfg := &config.Config{
		ServerAddr:     "127.0.0.1:0",
		SigningKey:     []byte("0123456789abcdef0123456789abcdef"),
		AllowedOrigins: []string{"*"},
	}

	mux := http.NewServeMux()
	app := NewEventDropApp(logger, roomService, fileService, occupantService, occupantRepo,
		sequencer, registry, limiter, statsMock, mux, cfg)

	return &appFixture{
		app:       app,
		mux:       mux,
		broker:    b,
		rooms:     roomRepo,
		occupants: occupantRepo,
		files:     fileRepo,
		counters:  counters,
		storage:   storage,
		registry:  registry,
		stats:     statsMock,
	}
}

// do serves a request from the loopback address, which bypasses the
// rate limiter.
func (f *appFixture) do(req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f *appFixture) authedRequest(t *testing.T, occupant types.Occupant, method, path string, body *bytes.Buffer) *http.Request {
	f.occupants.On("GetOccupant", mock.Anything, occupant.SessionID).Return(occupant, nil)
	f.occupants.On("RefreshOccupant", mock.Anything, occupant.SessionID, mock.Anything).Return(nil).Maybe()

	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	token, err := f.app.newSessionToken(occupant.SessionID.String(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookieKey, Value: token})
	return req
}

func (f *appFixture) stubSnapshot(roomCode string) {
	f.rooms.On("GetRoom", mock.Anything, roomCode).Return(types.Room{RoomCode: roomCode}, nil)
	f.occupants.On("OccupantCount", mock.Anything, roomCode).Return(1, nil)
	f.files.On("ListFileDrops", mock.Anything, roomCode).Return([]types.FileDrop{}, nil)
}

func (f *appFixture) stubJoinSuccess() {
	f.broker.On("Request", mock.Anything, rooms.RoomExchange, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			*(args.Get(4).(*types.JoinResponse)) = types.JoinResponse{Success: true, StatusCode: http.StatusOK}
		}).Return(nil)
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestCreateRoomHandler(t *testing.T) {
	f := newAppFixture(t)
	f.rooms.On("RoomExists", mock.Anything, mock.Anything).Return(false, nil)
	f.rooms.On("SaveRoom", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.stubJoinSuccess()
	f.rooms.On("GetRoom", mock.Anything, mock.Anything).Return(types.Room{}, nil).Maybe()
	f.occupants.On("OccupantCount", mock.Anything, mock.Anything).Return(1, nil).Maybe()
	f.files.On("ListFileDrops", mock.Anything, mock.Anything).Return([]types.FileDrop{}, nil).Maybe()

	req := httptest.NewRequest(http.MethodPost, "/api/rooms",
		jsonBody(t, CreateRoomRequest{RoomName: "drop zone", TTLMinutes: 60, Username: "alice"}))
	w := f.do(req)

	require.Equal(t, http.StatusCreated, w.Code)

	var result types.JoinResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.True(t, rooms.ValidRoomCode(result.RoomCode))
	assert.Equal(t, types.RoleOwner, result.Role)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieKey, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
}

func TestCreateRoomHandlerValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: "{not json"},
		{name: "missing name", body: `{"ttl_minutes":60,"username":"alice"}`},
		{name: "missing username", body: `{"room_name":"x","ttl_minutes":60}`},
		{name: "zero ttl", body: `{"room_name":"x","username":"alice"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAppFixture(t)
			req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(tt.body))
			w := f.do(req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreateRoomHandlerTTLExceeded(t *testing.T) {
	f := newAppFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms",
		jsonBody(t, CreateRoomRequest{RoomName: "drop zone", TTLMinutes: 60 * 24 * 30, Username: "alice"}))
	w := f.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.rooms.AssertNotCalled(t, "SaveRoom")
}

func TestJoinRoomHandler(t *testing.T) {
	f := newAppFixture(t)
	f.stubSnapshot("AAAA1111")
	f.stubJoinSuccess()

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/join",
		jsonBody(t, JoinRoomRequest{RoomCode: "AAAA1111", Username: "bob"}))
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)

	var result types.JoinResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "AAAA1111", result.RoomCode)
	assert.Equal(t, types.RoleOccupant, result.Role)
}

func TestJoinRoomHandlerNotFound(t *testing.T) {
	f := newAppFixture(t)
	f.rooms.On("GetRoom", mock.Anything, "AAAA1111").Return(types.Room{}, store.ErrNotFound)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/join",
		jsonBody(t, JoinRoomRequest{RoomCode: "AAAA1111", Username: "bob"}))
	w := f.do(req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinRoomHandlerFull(t *testing.T) {
	f := newAppFixture(t)
	f.rooms.On("GetRoom", mock.Anything, "AAAA1111").Return(types.Room{RoomCode: "AAAA1111"}, nil)
	f.broker.On("Request", mock.Anything, rooms.RoomExchange, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			*(args.Get(4).(*types.JoinResponse)) = types.JoinResponse{Success: false, StatusCode: http.StatusConflict}
		}).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/join",
		jsonBody(t, JoinRoomRequest{RoomCode: "AAAA1111", Username: "bob"}))
	w := f.do(req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJoinRoomHandlerInvalidCode(t *testing.T) {
	f := newAppFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/join",
		jsonBody(t, JoinRoomRequest{RoomCode: "nope", Username: "bob"}))
	w := f.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.rooms.AssertNotCalled(t, "GetRoom")
}

func TestLeaveRoomHandler(t *testing.T) {
	f := newAppFixture(t)
	f.stubSnapshot("AAAA1111")
	f.broker.On("Publish", mock.Anything, rooms.RoomExchange, "leave.AAAA1111", mock.Anything).Return(nil).Once()

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodDelete, "/api/rooms/leave", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	f.broker.AssertExpectations(t)

	// The session cookie is cleared.
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestLeaveRoomHandlerUnauthenticated(t *testing.T) {
	f := newAppFixture(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/rooms/leave", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeleteRoomHandlerRequiresOwner(t *testing.T) {
	f := newAppFixture(t)

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodDelete, "/api/rooms", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	f.rooms.AssertNotCalled(t, "DeleteRoom")
}

func TestDeleteRoomHandler(t *testing.T) {
	f := newAppFixture(t)
	f.stubSnapshot("AAAA1111")
	f.broker.On("Publish", mock.Anything, rooms.RoomExchange, "leave.AAAA1111", mock.Anything).Return(nil)
	f.broker.On("Publish", mock.Anything, rooms.ExpiryExchange, "", mock.Anything).Return(nil).Once()
	f.rooms.On("DeleteRoom", mock.Anything, "AAAA1111").Return(nil).Once()

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "alice", Role: types.RoleOwner}
	req := f.authedRequest(t, occupant, http.MethodDelete, "/api/rooms", nil)
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)

	var state types.RoomState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.True(t, state.Expired)
	f.rooms.AssertExpectations(t)
	f.broker.AssertExpectations(t)
	// Counted once, by the cascade.
	f.stats.AssertCalled(t, "Incr", stats.RoomsExpired)
	f.stats.AssertNumberOfCalls(t, "Incr", 1)
}

func TestStreamRoomHandler(t *testing.T) {
	f := newAppFixture(t)
	f.stubSnapshot("AAAA1111")

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodGet, "/api/rooms", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	// The out-of-band snapshot arrives before any domain event.
	assert.Contains(t, w.Body.String(), "data: ")
	assert.Contains(t, w.Body.String(), `"room_code":"AAAA1111"`)
	// The connection is removed from the registry on disconnect.
	assert.Equal(t, 0, f.registry.Count())
}

func TestStreamRoomHandlerClientDisconnectClosesConn(t *testing.T) {
	f := newAppFixture(t)
	f.stubSnapshot("AAAA1111")

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodGet, "/api/rooms", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.do(req)
	}()

	var conn events.PushConn
	require.Eventually(t, func() bool {
		conns := f.registry.Conns("AAAA1111")
		if len(conns) == 0 {
			return false
		}
		conn = conns[0]
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// A drain that snapshotted the connection list before removal must
	// not write to the dead response.
	assert.Error(t, conn.Send(types.RoomState{RoomCode: "AAAA1111"}))
	assert.Equal(t, 0, f.registry.Count())
}

func multipartBody(t *testing.T, field string, files map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for name, content := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestUploadFileHandler(t *testing.T) {
	f := newAppFixture(t)
	f.files.On("ListFileDrops", mock.Anything, "AAAA1111").Return([]types.FileDrop{}, nil)
	f.storage.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return("http://blobs/x", nil).Once()
	f.files.On("SaveFileDrop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.broker.On("Publish", mock.Anything, rooms.RoomExchange, "file-upload.AAAA1111", mock.Anything).Return(nil).Once()

	body, contentType := multipartBody(t, "file", map[string]string{"notes.pdf": "pdf bytes"})
	occupant := types.Occupant{
		SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob",
		Role: types.RoleOccupant, RoomExpiry: time.Now().Add(time.Hour),
	}
	req := f.authedRequest(t, occupant, http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)
	w := f.do(req)

	require.Equal(t, http.StatusCreated, w.Code)

	var fd types.FileDrop
	require.NoError(t, json.NewDecoder(w.Body).Decode(&fd))
	assert.Equal(t, "notes.pdf", fd.OriginalFileName)
	f.storage.AssertExpectations(t)
}

func TestUploadFileHandlerThreshold(t *testing.T) {
	f := newAppFixture(t)
	// The room already holds its limit of three files.
	existing := []types.FileDrop{
		{FileID: uuid.New(), SizeBytes: 1}, {FileID: uuid.New(), SizeBytes: 1}, {FileID: uuid.New(), SizeBytes: 1},
	}
	f.files.On("ListFileDrops", mock.Anything, "AAAA1111").Return(existing, nil)

	body, contentType := multipartBody(t, "file", map[string]string{"extra.txt": "x"})
	occupant := types.Occupant{
		SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob",
		Role: types.RoleOccupant, RoomExpiry: time.Now().Add(time.Hour),
	}
	req := f.authedRequest(t, occupant, http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)
	w := f.do(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	f.storage.AssertNotCalled(t, "Upload")
}

func TestUploadBatchHandlerPartialFailure(t *testing.T) {
	f := newAppFixture(t)
	// Size threshold is 1024: the first file fits, the second does not.
	f.files.On("ListFileDrops", mock.Anything, "AAAA1111").Return([]types.FileDrop{}, nil).Once()
	f.files.On("ListFileDrops", mock.Anything, "AAAA1111").Return([]types.FileDrop{
		{FileID: uuid.New(), SizeBytes: 1000},
	}, nil).Once()
	f.storage.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return("http://blobs/x", nil).Once()
	f.files.On("SaveFileDrop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	big := strings.Repeat("y", 1000)
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, file := range []struct{ name, content string }{
		{"small.txt", strings.Repeat("x", 1000)},
		{"big.txt", big},
	} {
		part, err := mw.CreateFormFile("files", file.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(file.content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	occupant := types.Occupant{
		SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob",
		Role: types.RoleOccupant, RoomExpiry: time.Now().Add(time.Hour),
	}
	req := f.authedRequest(t, occupant, http.MethodPost, "/api/files/batch", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)

	var results []BatchUploadResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Error)
}

func TestDownloadFileHandler(t *testing.T) {
	f := newAppFixture(t)
	fd := types.FileDrop{FileID: uuid.New(), RoomCode: "AAAA1111", StorageName: "AAAA1111/x"}
	f.files.On("GetFileDrop", mock.Anything, fd.FileID).Return(fd, nil)
	f.storage.On("DownloadURL", mock.Anything, fd.StorageName, mock.Anything).Return("http://blobs/signed", nil)
	f.broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodGet, "/api/files/"+fd.FileID.String(), nil)
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp DownloadResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "http://blobs/signed", resp.DownloadURL)
}

func TestDownloadFileHandlerNotFound(t *testing.T) {
	f := newAppFixture(t)
	missing := uuid.New()
	f.files.On("GetFileDrop", mock.Anything, missing).Return(types.FileDrop{}, store.ErrNotFound)

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodGet, "/api/files/"+missing.String(), nil)
	w := f.do(req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteFilesHandler(t *testing.T) {
	f := newAppFixture(t)
	fd := types.FileDrop{FileID: uuid.New(), RoomCode: "AAAA1111", StorageName: "AAAA1111/x"}
	f.files.On("GetFileDrop", mock.Anything, fd.FileID).Return(fd, nil)
	f.storage.On("BatchDelete", mock.Anything, []string{fd.StorageName}).Return(nil)
	f.files.On("DeleteFileDrops", mock.Anything, "AAAA1111", []uuid.UUID{fd.FileID}).Return(nil).Once()
	f.broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	occupant := types.Occupant{SessionID: uuid.New(), RoomCode: "AAAA1111", OccupantName: "bob", Role: types.RoleOccupant}
	req := f.authedRequest(t, occupant, http.MethodDelete, "/api/files",
		jsonBody(t, DeleteFilesRequest{FileIDs: []uuid.UUID{fd.FileID}}))
	w := f.do(req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	f.files.AssertExpectations(t)
}
