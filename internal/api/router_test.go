package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffsho/AttendanceSystem/internal/api/handlers"
	"github.com/ffsho/AttendanceSystem/internal/attendance"
	"github.com/ffsho/AttendanceSystem/internal/enroll"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/internal/vision"
	"github.com/ffsho/AttendanceSystem/pkg/dto"
)

const testKey = "secret"

type fakeStore struct {
	identities map[int64]models.Identity
	deleted    []int64
	listKind   models.Kind
	listQuery  string
	from, to   time.Time
	pattern    attendance.DatePattern
	rows       []models.AttendanceRow
	matches    []storage.SearchMatch
	searchVec  []float32
}

func newFakeStore() *fakeStore {
	return &fakeStore{identities: map[int64]models.Identity{
		1: {ID: 1, LastName: "Ivanov", FirstName: "Ivan", Profile: models.EducationalProfile{Faculty: "IT", Group: "IT-21"}},
	}}
}

func (s *fakeStore) GetIdentity(_ context.Context, id int64) (*models.Identity, error) {
	identity, ok := s.identities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &identity, nil
}

func (s *fakeStore) ListIdentities(_ context.Context, kind models.Kind, search string) ([]models.Identity, error) {
	s.listKind, s.listQuery = kind, search
	var out []models.Identity
	for _, id := range s.identities {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) DeleteIdentity(_ context.Context, id int64) error {
	if _, ok := s.identities[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.identities, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) ListSamples(_ context.Context, id int64) ([]models.FaceSample, error) {
	return []models.FaceSample{{ID: 5, IdentityID: id, SourceKey: storage.SampleKey(models.KindStudent, id, 0)}}, nil
}

func (s *fakeStore) AttendanceBetween(_ context.Context, _ models.Kind, from, to time.Time) ([]models.AttendanceRow, error) {
	s.from, s.to = from, to
	return s.rows, nil
}

func (s *fakeStore) SearchAttendance(context.Context, models.Kind, string) ([]models.AttendanceRow, error) {
	return s.rows, nil
}

func (s *fakeStore) AttendanceByDate(_ context.Context, _ models.Kind, p attendance.DatePattern, _ *time.Location) ([]models.AttendanceRow, error) {
	s.pattern = p
	return s.rows, nil
}

func (s *fakeStore) DeleteEvent(_ context.Context, id int64) error {
	if id != 77 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *fakeStore) SearchSamples(_ context.Context, vec []float32, _ models.Kind, _ float64, _ int) ([]storage.SearchMatch, error) {
	s.searchVec = vec
	return s.matches, nil
}

type fakeObjects struct{ deleted []int64 }

func (o *fakeObjects) DeleteSamples(_ context.Context, _ models.Kind, id int64) error {
	o.deleted = append(o.deleted, id)
	return nil
}

type fakeNotifier struct{ cmds []models.GalleryCommand }

func (n *fakeNotifier) PublishGalleryCommand(_ context.Context, cmd models.GalleryCommand) error {
	n.cmds = append(n.cmds, cmd)
	return nil
}

type fakeEnroller struct {
	got    models.NewIdentity
	images int
	err    error
}

func (e *fakeEnroller) EnrollImages(_ context.Context, in models.NewIdentity, images []image.Image) (*enroll.Result, error) {
	e.got, e.images = in, len(images)
	if e.err != nil {
		return nil, e.err
	}
	return &enroll.Result{
		Identity: &models.Identity{ID: 9, LastName: in.LastName, FirstName: in.FirstName, Profile: in.Profile},
		Samples:  len(images),
		Event:    &models.AttendanceEvent{ID: 100, IdentityID: 9},
	}, nil
}

type fakeEmbedder struct{ err error }

func (e fakeEmbedder) Embed(image.Image) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{3, 4}, nil
}

type env struct {
	store    *fakeStore
	objects  *fakeObjects
	notifier *fakeNotifier
	enroller *fakeEnroller
	router   *gin.Engine
}

func newEnv(t *testing.T, embedder fakeEmbedder) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{store: newFakeStore(), objects: &fakeObjects{}, notifier: &fakeNotifier{}, enroller: &fakeEnroller{}}
	e.router = NewRouter(RouterConfig{
		APIKey:          testKey,
		Kind:            models.KindStudent,
		Location:        time.UTC,
		StatsWindowDays: 30,
		Threshold:       0.5,
		Identities:      e.store,
		Attendance:      e.store,
		Samples:         e.store,
		Objects:         e.objects,
		Notifier:        e.notifier,
		Enroller:        e.enroller,
		Embedder:        embedder,
		Checks: map[string]handlers.Check{
			"postgres": func(context.Context) error { return nil },
		},
	})
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path string, fields map[string]string, fileField string, files int) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for i := 0; i < files; i++ {
		fw, err := mw.CreateFormFile(fileField, "face.png")
		require.NoError(t, err)
		_, err = fw.Write(pngBytes(t))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSystemEndpointsWithoutAuth(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/identities", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReadyzReportsFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{Checks: map[string]handlers.Check{
		"nats": func(context.Context) error { return errors.New("nats not connected") },
	}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "nats not connected")
}

func TestIdentityEndpoints(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})

	w := e.get("/v1/identities?q=ivan")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ivan", e.store.listQuery)
	assert.Equal(t, models.KindStudent, e.store.listKind)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = e.get("/v1/identities/1")
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.IdentityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Ivanov Ivan", resp.Name)
	assert.Equal(t, "IT-21", resp.Attributes["group"])

	assert.Equal(t, http.StatusBadRequest, e.get("/v1/identities/abc").Code)
	assert.Equal(t, http.StatusNotFound, e.get("/v1/identities/2").Code)

	w = e.get("/v1/identities/1/samples")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "samples/student/1/sample_00.jpg")
}

func TestDeleteIdentityCascades(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})

	w := e.do(httptest.NewRequest(http.MethodDelete, "/v1/identities/1", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []int64{1}, e.store.deleted)
	assert.Equal(t, []int64{1}, e.objects.deleted)
	require.Len(t, e.notifier.cmds, 1)
	assert.Equal(t, models.GalleryActionReload, e.notifier.cmds[0].Action)

	w = e.do(httptest.NewRequest(http.MethodDelete, "/v1/identities/1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollUpload(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})
	fields := map[string]string{"last_name": "Petrov", "first_name": "Petr", "faculty": "ME", "group": "ME-11"}

	w := e.do(multipartRequest(t, "/v1/identities", fields, "images", 2))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 2, e.enroller.images)
	assert.Equal(t, models.EducationalProfile{Faculty: "ME", Group: "ME-11"}, e.enroller.got.Profile)

	var resp dto.EnrollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(9), resp.Identity.ID)
	assert.Equal(t, int64(100), resp.EventID)

	w = e.do(multipartRequest(t, "/v1/identities", fields, "images", 0))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	noGroup := map[string]string{"last_name": "Petrov", "first_name": "Petr", "faculty": "ME"}
	w = e.do(multipartRequest(t, "/v1/identities", noGroup, "images", 1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.enroller.err = enroll.ErrInsufficientSamples
	w = e.do(multipartRequest(t, "/v1/identities", fields, "images", 1))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAttendanceWindow(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})

	w := e.get("/v1/attendance?from=2024-03-01&to=2024-03-02")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), e.store.from)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), e.store.to)
	assert.Contains(t, w.Body.String(), `"to":"2024-03-02"`)

	w = e.get("/v1/attendance")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30*24*time.Hour, e.store.to.Sub(e.store.from))

	assert.Equal(t, http.StatusBadRequest, e.get("/v1/attendance?from=01.03.2024").Code)
	assert.Equal(t, http.StatusBadRequest, e.get("/v1/attendance?from=2024-03-05&to=2024-03-01").Code)

	w = e.get("/v1/attendance/today")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 24*time.Hour, e.store.to.Sub(e.store.from))
}

func TestAttendanceQueries(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})
	e.store.rows = []models.AttendanceRow{{
		IdentityID: 1,
		Name:       "Ivanov Ivan",
		Events:     []models.AttendanceEvent{{ID: 77, IdentityID: 1, Timestamp: time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)}},
	}}

	w := e.get("/v1/attendance/by-date?d=14.03")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, attendance.DatePattern{Day: 14, Month: 3}, e.store.pattern)
	assert.Contains(t, w.Body.String(), "2024-03-14T09:00:00Z")

	assert.Equal(t, http.StatusBadRequest, e.get("/v1/attendance/by-date?d=32").Code)
	assert.Equal(t, http.StatusBadRequest, e.get("/v1/attendance/search").Code)
	assert.Equal(t, http.StatusOK, e.get("/v1/attendance/search?q=IT-21").Code)

	assert.Equal(t, http.StatusNoContent, e.do(httptest.NewRequest(http.MethodDelete, "/v1/attendance/77", nil)).Code)
	assert.Equal(t, http.StatusNotFound, e.do(httptest.NewRequest(http.MethodDelete, "/v1/attendance/78", nil)).Code)
}

func TestSearchByPhoto(t *testing.T) {
	e := newEnv(t, fakeEmbedder{})
	e.store.matches = []storage.SearchMatch{{IdentityID: 1, Name: "Ivanov Ivan", SampleKey: "k", Score: 0.93}}

	w := e.do(multipartRequest(t, "/v1/search?limit=3", nil, "image", 1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"identity_id":1`)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, e.store.searchVec, 1e-6, "query is normalized")

	w = e.do(multipartRequest(t, "/v1/search?threshold=2", nil, "image", 1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	noFace := newEnv(t, fakeEmbedder{err: vision.ErrNoFace})
	w = noFace.do(multipartRequest(t, "/v1/search", nil, "image", 1))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
