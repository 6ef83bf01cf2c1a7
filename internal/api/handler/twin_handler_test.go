package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrxe/twin-service/internal/api/domain"
	"github.com/matrxe/twin-service/internal/api/dto"
	"github.com/matrxe/twin-service/internal/api/model"
	"github.com/matrxe/twin-service/internal/api/storage"
	"github.com/matrxe/twin-service/internal/config"
	"github.com/matrxe/twin-service/shared/objectstore"
	"github.com/matrxe/twin-service/shared/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu    sync.Mutex
	twins map[string]*model.Twin

	createErr  error
	setKeysErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{twins: make(map[string]*model.Twin)}
}

func (s *fakeStore) CreateTwin(_ context.Context, twin *model.Twin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *twin
	s.twins[twin.TwinID] = &cp
	return nil
}

func (s *fakeStore) GetTwinByID(_ context.Context, twinID string) (*model.Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	twin, ok := s.twins[twinID]
	if !ok {
		return nil, domain.ErrTwinNotFound
	}
	cp := *twin
	return &cp, nil
}

func (s *fakeStore) ListTwins(_ context.Context, filter storage.TwinFilter) ([]model.Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Twin
	for _, twin := range s.twins {
		if twin.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && twin.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil {
			after := twin.CreatedAt.After(filter.Cursor.CreatedAt) ||
				(twin.CreatedAt.Equal(filter.Cursor.CreatedAt) && twin.TwinID >= filter.Cursor.TwinID)
			if after {
				continue
			}
		}
		out = append(out, *twin)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TwinID > out[j].TwinID
	})

	if len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *fakeStore) SetAttachmentKeys(_ context.Context, twinID string, voiceSampleKey string, faceImageKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setKeysErr != nil {
		return s.setKeysErr
	}
	twin, ok := s.twins[twinID]
	if !ok {
		return domain.ErrTwinNotFound
	}
	if voiceSampleKey != "" {
		twin.VoiceSampleKey = nullString(voiceSampleKey)
	}
	twin.FaceImageKeys = faceImageKeys
	return nil
}

func (s *fakeStore) MarkQueued(_ context.Context, twinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	twin, ok := s.twins[twinID]
	if !ok || twin.Status != string(domain.StatusDraft) {
		return domain.ErrStaleStatus
	}
	twin.Status = string(domain.StatusQueued)
	return nil
}

func (s *fakeStore) RetryTwin(_ context.Context, twinID string) (*model.Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	twin, ok := s.twins[twinID]
	if !ok || twin.Status != string(domain.StatusFailed) {
		return nil, domain.ErrNotRetryable
	}
	twin.Status = string(domain.StatusQueued)
	twin.ProcessingError = nullString("")
	cp := *twin
	return &cp, nil
}

func (s *fakeStore) DeleteTwin(_ context.Context, twinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.twins[twinID]; !ok {
		return domain.ErrTwinNotFound
	}
	delete(s.twins, twinID)
	return nil
}

func (s *fakeStore) get(twinID string) *model.Twin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.twins[twinID]
}

type fakeObjectStore struct {
	mu     sync.Mutex
	stored map[string][]byte

	failStores int // fail this many Store calls before succeeding
	removed    []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{stored: make(map[string][]byte)}
}

func (o *fakeObjectStore) Store(_ context.Context, key string, data []byte, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failStores > 0 {
		o.failStores--
		return "", errors.New("connection reset")
	}
	o.stored[key] = data
	return key, nil
}

func (o *fakeObjectStore) Presign(_ context.Context, filename, _ string, _ time.Duration) (*objectstore.PresignedUpload, error) {
	return &objectstore.PresignedUpload{
		URL: "https://store.local/upload/" + filename,
		Key: "uploads/test/" + filename,
	}, nil
}

func (o *fakeObjectStore) RemovePrefix(_ context.Context, prefix string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, prefix)
	for key := range o.stored {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(o.stored, key)
		}
	}
	return nil
}

type fakePublisher struct {
	mu         sync.Mutex
	published  [][]byte
	publishErr error
}

func (p *fakePublisher) Publish(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, body)
	return nil
}

func (p *fakePublisher) jobs(t *testing.T) []pipeline.Job {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeline.Job, len(p.published))
	for i, body := range p.published {
		job, err := pipeline.Unmarshal(body)
		require.NoError(t, err)
		out[i] = *job
	}
	return out
}

type testEnv struct {
	router    *gin.Engine
	store     *fakeStore
	objects   *fakeObjectStore
	publisher *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     newFakeStore(),
		objects:   newFakeObjectStore(),
		publisher: &fakePublisher{},
	}

	h := NewTwinHandler(&Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       env.store,
		ObjectStore: env.objects,
		Publisher:   env.publisher,
		Upload: config.UploadConfig{
			StoreRetries:    3,
			StoreRetryDelay: time.Millisecond,
		},
		Limits: dto.Limits{
			MaxVoiceSampleBytes: 1 << 20,
			MaxFaceImageBytes:   1 << 20,
			MaxFaceImages:       5,
			DefaultLanguage:     "en",
			SupportedLanguages:  []string{"en", "ar"},
		},
		PresignTTL: 15 * time.Minute,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			SetActor(c, uid)
		}
		c.Next()
	})
	v1 := r.Group("/api/v1")
	{
		v1.POST("/twins", h.CreateTwin)
		v1.GET("/twins", h.ListTwins)
		v1.GET("/twins/:twin_id", h.GetTwin)
		v1.GET("/twins/:twin_id/status", h.ProcessingStatus)
		v1.POST("/twins/:twin_id/retry", h.RetryTwin)
		v1.DELETE("/twins/:twin_id", h.DeleteTwin)
		v1.POST("/uploads/presign", h.PresignUpload)
	}
	env.router = r

	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

type uploadPart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, userID string, fields map[string]string, files []uploadPart) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/twins", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func wavData(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte("RIFF"))
	copy(data[8:], []byte("WAVEfmt "))
	return data
}

func jpegData(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return data
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestCreateTwin_NoAttachments(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "user-1", map[string]string{"name": "Ada"}, nil))

	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.CreateTwinResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, string(domain.StatusDraft), resp.Status)

	// No attachments means nothing to process
	assert.Empty(t, env.publisher.jobs(t))

	stored := env.store.get(resp.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, string(domain.StatusDraft), stored.Status)
}

func TestCreateTwin_WithAttachments(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "user-1",
		map[string]string{"name": "Ada", "language": "ar"},
		[]uploadPart{
			{field: "voice_sample", filename: "voice.wav", contentType: "audio/wav", data: wavData(1 << 10)},
			{field: "face_images", filename: "front.jpg", contentType: "image/jpeg", data: jpegData(1 << 10)},
			{field: "face_images", filename: "side.jpg", contentType: "image/jpeg", data: jpegData(1 << 10)},
		},
	))

	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.CreateTwinResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, string(domain.StatusQueued), resp.Status)

	stored := env.store.get(resp.ID)
	require.NotNil(t, stored)
	assert.Equal(t, string(domain.StatusQueued), stored.Status)
	assert.True(t, stored.VoiceSampleKey.Valid)
	assert.Len(t, stored.FaceImageKeys, 2)

	// All three blobs landed in the object store
	assert.Len(t, env.objects.stored, 3)

	jobs := env.publisher.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobKindProcessTwin, jobs[0].Kind)
	assert.Equal(t, resp.ID, jobs[0].TwinID)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestCreateTwin_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "user-1", map[string]string{"name": ""}, nil))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name")
	assert.Empty(t, env.store.twins)
}

func TestCreateTwin_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "user-1",
		map[string]string{"name": "Ada"},
		[]uploadPart{
			{field: "voice_sample", filename: "big.wav", contentType: "audio/wav", data: wavData((1 << 20) + 1)},
		},
	))

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, env.store.twins)
}

func TestCreateTwin_MissingActor(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "", map[string]string{"name": "Ada"}, nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateTwin_EnqueueFailureReportsDraft(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.publishErr = errors.New("broker unavailable")

	w := env.do(multipartRequest(t, "user-1",
		map[string]string{"name": "Ada"},
		[]uploadPart{
			{field: "voice_sample", filename: "voice.wav", contentType: "audio/wav", data: wavData(1 << 10)},
		},
	))

	// The twin and its media exist; only the hand-off failed. The response
	// tells the truth: still draft, not queued.
	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.CreateTwinResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, string(domain.StatusDraft), resp.Status)

	stored := env.store.get(resp.ID)
	require.NotNil(t, stored)
	assert.Equal(t, string(domain.StatusDraft), stored.Status)
	assert.True(t, stored.VoiceSampleKey.Valid)
}

func TestCreateTwin_StorageFailureCleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.objects.failStores = 100 // more than the retry budget

	w := env.do(multipartRequest(t, "user-1",
		map[string]string{"name": "Ada"},
		[]uploadPart{
			{field: "voice_sample", filename: "voice.wav", contentType: "audio/wav", data: wavData(1 << 10)},
		},
	))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, env.store.twins)
	assert.Empty(t, env.publisher.jobs(t))
	assert.NotEmpty(t, env.objects.removed)
}

func TestCreateTwin_TransientStorageFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.objects.failStores = 2 // within the budget of 3 tries

	w := env.do(multipartRequest(t, "user-1",
		map[string]string{"name": "Ada"},
		[]uploadPart{
			{field: "voice_sample", filename: "voice.wav", contentType: "audio/wav", data: wavData(1 << 10)},
		},
	))

	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.CreateTwinResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, string(domain.StatusQueued), resp.Status)
	assert.Len(t, env.objects.stored, 1)
}

func seedTwin(env *testEnv, userID, status string, createdAt time.Time) *model.Twin {
	twin := &model.Twin{
		TwinID:    uuid.New().String(),
		UserID:    userID,
		Name:      "seed",
		Language:  "en",
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	env.store.twins[twin.TwinID] = twin
	return twin
}

func TestGetTwin(t *testing.T) {
	env := newTestEnv(t)
	twin := seedTwin(env, "user-1", string(domain.StatusReady), time.Now())

	tests := []struct {
		name     string
		userID   string
		twinID   string
		wantCode int
	}{
		{name: "owner", userID: "user-1", twinID: twin.TwinID, wantCode: http.StatusOK},
		{name: "foreign twin", userID: "user-2", twinID: twin.TwinID, wantCode: http.StatusForbidden},
		{name: "unknown id", userID: "user-1", twinID: uuid.New().String(), wantCode: http.StatusNotFound},
		{name: "malformed id", userID: "user-1", twinID: "not-a-uuid", wantCode: http.StatusBadRequest},
		{name: "no actor", userID: "", twinID: twin.TwinID, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/twins/"+tt.twinID, nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}

			w := env.do(req)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestListTwins_Pagination(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seedTwin(env, "user-1", string(domain.StatusReady), base.Add(time.Duration(i)*time.Minute))
	}
	seedTwin(env, "user-2", string(domain.StatusReady), base)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/twins?page_size=2", nil)
	req.Header.Set("X-User-ID", "user-1")
	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code)

	var page dto.ListTwinsResponse
	decodeBody(t, w, &page)
	require.Len(t, page.Twins, 2)
	require.NotEmpty(t, page.NextCursor)

	// Walk the remaining pages; never see a duplicate or a foreign twin
	seen := map[string]bool{page.Twins[0].ID: true, page.Twins[1].ID: true}
	cursor := page.NextCursor
	for cursor != "" {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/twins?page_size=2&cursor="+cursor, nil)
		req.Header.Set("X-User-ID", "user-1")
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code)

		var next dto.ListTwinsResponse
		decodeBody(t, w, &next)
		for _, twin := range next.Twins {
			assert.False(t, seen[twin.ID], "twin %s returned twice", twin.ID)
			seen[twin.ID] = true
		}
		cursor = next.NextCursor
	}

	assert.Len(t, seen, 5)
}

func TestListTwins_InvalidStatusFilter(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/twins?status=exploded", nil)
	req.Header.Set("X-User-ID", "user-1")
	w := env.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessingStatus(t *testing.T) {
	env := newTestEnv(t)
	twin := seedTwin(env, "user-1", string(domain.StatusFailed), time.Now())
	twin.ProcessingAttempts = 5
	twin.ProcessingError = nullString("trainer rejected input")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/twins/"+twin.TwinID+"/status", nil)
	req.Header.Set("X-User-ID", "user-1")
	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ProcessingStatusResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, string(domain.StatusFailed), resp.Status)
	assert.Equal(t, 5, resp.Attempts)
	assert.Equal(t, "trainer rejected input", resp.Error)
}

func TestRetryTwin(t *testing.T) {
	t.Run("failed twin is requeued", func(t *testing.T) {
		env := newTestEnv(t)
		twin := seedTwin(env, "user-1", string(domain.StatusFailed), time.Now())
		twin.ProcessingError = nullString("timeout")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/twins/"+twin.TwinID+"/retry", nil)
		req.Header.Set("X-User-ID", "user-1")
		w := env.do(req)

		require.Equal(t, http.StatusAccepted, w.Code)

		var resp dto.CreateTwinResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, string(domain.StatusQueued), resp.Status)

		jobs := env.publisher.jobs(t)
		require.Len(t, jobs, 1)
		assert.Equal(t, twin.TwinID, jobs[0].TwinID)

		stored := env.store.get(twin.TwinID)
		assert.Equal(t, string(domain.StatusQueued), stored.Status)
		assert.False(t, stored.ProcessingError.Valid)
	})

	t.Run("non-failed twin conflicts", func(t *testing.T) {
		for _, status := range []domain.Status{domain.StatusDraft, domain.StatusQueued, domain.StatusProcessing, domain.StatusReady} {
			env := newTestEnv(t)
			twin := seedTwin(env, "user-1", string(status), time.Now())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/twins/"+twin.TwinID+"/retry", nil)
			req.Header.Set("X-User-ID", "user-1")
			w := env.do(req)

			assert.Equal(t, http.StatusConflict, w.Code, "status %s", status)
			assert.Empty(t, env.publisher.jobs(t))
		}
	})
}

func TestDeleteTwin(t *testing.T) {
	env := newTestEnv(t)
	twin := seedTwin(env, "user-1", string(domain.StatusReady), time.Now())
	env.objects.stored["twins/"+twin.TwinID+"/voice_sample/00-abc-voice.wav"] = []byte("blob")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/twins/"+twin.TwinID, nil)
	req.Header.Set("X-User-ID", "user-1")
	w := env.do(req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, env.store.get(twin.TwinID))
	assert.Empty(t, env.objects.stored)
}

func TestPresignUpload(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid request", func(t *testing.T) {
		body, _ := json.Marshal(dto.PresignRequest{
			Filename:    "voice.wav",
			ContentType: "audio/wav",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/presign", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "user-1")
		w := env.do(req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		decodeBody(t, w, &resp)
		assert.NotEmpty(t, resp["url"])
		assert.NotEmpty(t, resp["key"])
	})

	t.Run("rejects non-media content type", func(t *testing.T) {
		body, _ := json.Marshal(dto.PresignRequest{
			Filename:    "notes.pdf",
			ContentType: "application/pdf",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/presign", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "user-1")
		w := env.do(req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
