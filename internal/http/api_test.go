package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trimly-backend/internal/domain"
	"trimly-backend/internal/repository/sqlite"
	"trimly-backend/internal/service"
	"trimly-backend/internal/storage"
)

const (
	testSecret = "api-test-secret-do-not-use-in-prod"
	testBucket = "test-bucket"
	testPrefix = "trimly-files"
)

type fakeStorage struct {
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) Upload(_ context.Context, bucket, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.objects[key] = data
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

func (f *fakeStorage) ListObjects(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, _, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) DeletePrefix(_ context.Context, _, prefix string) error {
	for key := range f.objects {
		if strings.HasPrefix(key, prefix+"/") {
			delete(f.objects, key)
		}
	}
	return nil
}

func (f *fakeStorage) PresignGet(_ context.Context, _, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

var _ storage.Service = (*fakeStorage)(nil)

type testServer struct {
	router *gin.Engine
	store  *fakeStorage
}

func newTestServer(t *testing.T, adminEmails ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewUserRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	users := service.NewUserService(repo, adminEmails)
	tokens := service.NewTokenService(testSecret, time.Hour)
	store := newFakeStorage()

	router := gin.New()
	handler := NewHandler(users, tokens, store, testBucket, testPrefix, nil)
	handler.RegisterRoutes(router)

	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type authResponse struct {
	Token string `json:"token"`
	User  struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

func (s *testServer) registerUser(t *testing.T, email, password string) authResponse {
	t.Helper()

	w := s.do(t, http.MethodPost, "/auth/register", "", gin.H{"email": email, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRegisterLoginMeFlow(t *testing.T) {
	srv := newTestServer(t)

	reg := srv.registerUser(t, "a@x.com", "p1")
	assert.Equal(t, "a@x.com", reg.User.Email)
	assert.Equal(t, "standard", reg.User.Role)

	w := srv.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": "a@x.com", "password": "p1"})
	require.Equal(t, http.StatusOK, w.Code)
	var login authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	w = srv.do(t, http.MethodGet, "/me", login.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me UserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "a@x.com", me.Email)
	assert.Equal(t, "standard", me.Role)
}

func TestMeWithoutToken(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterConflict(t *testing.T) {
	srv := newTestServer(t)

	srv.registerUser(t, "a@x.com", "password1")

	w := srv.do(t, http.MethodPost, "/auth/register", "", gin.H{"email": "a@x.com", "password": "password2"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterValidation(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/auth/register", "", gin.H{"email": "a@x.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/auth/register", "", gin.H{"email": "not-an-email", "password": "p1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	srv.registerUser(t, "a@x.com", "password1")

	w := srv.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": "a@x.com", "password": "wrongpass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": "nobody@x.com", "password": "password1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTamperedTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.registerUser(t, "a@x.com", "password1")

	pos := len(reg.Token) / 2
	replacement := byte('A')
	if reg.Token[pos] == replacement {
		replacement = 'B'
	}
	tampered := reg.Token[:pos] + string(replacement) + reg.Token[pos+1:]

	w := srv.do(t, http.MethodGet, "/me", tampered, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenSignedWithDifferentSecretRejected(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.registerUser(t, "a@x.com", "password1")

	other := service.NewTokenService("some-other-secret-entirely", time.Hour)
	forged, err := other.Issue(&domain.User{
		ID:    reg.User.ID,
		Email: reg.User.Email,
		Role:  domain.Role(reg.User.Role),
	})
	require.NoError(t, err)

	w := srv.do(t, http.MethodGet, "/me", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidTokenForMissingUserRejected(t *testing.T) {
	srv := newTestServer(t)
	srv.registerUser(t, "a@x.com", "password1")

	// correctly signed token for a user id that was never created
	tokens := service.NewTokenService(testSecret, time.Hour)
	ghost, err := tokens.Issue(&domain.User{ID: 9999, Email: "ghost@x.com", Role: domain.RoleStandard})
	require.NoError(t, err)

	w := srv.do(t, http.MethodGet, "/me", ghost, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	srv := newTestServer(t, "boss@x.com")

	boss := srv.registerUser(t, "boss@x.com", "password1")
	assert.Equal(t, "admin", boss.User.Role)
	standard := srv.registerUser(t, "a@x.com", "password1")

	w := srv.do(t, http.MethodGet, "/admin/users", standard.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, http.MethodGet, "/admin/users", boss.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var users []UserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	assert.Len(t, users, 2)

	w = srv.do(t, http.MethodGet, "/users/count", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.Equal(t, int64(2), counts["total_users"])
	assert.Equal(t, int64(1), counts["admin_users"])
	assert.Equal(t, int64(1), counts["regular_users"])
}

func TestFileUploadListDelete(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.registerUser(t, "a@x.com", "password1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "sample.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really audio"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var uploaded struct {
		Key      string `json:"key"`
		Location string `json:"location"`
		Size     int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))
	assert.True(t, strings.HasPrefix(uploaded.Key, fmt.Sprintf("%s/user-%d/", testPrefix, reg.User.ID)))
	assert.True(t, strings.HasSuffix(uploaded.Key, ".wav"))
	assert.Equal(t, int64(len("not really audio")), uploaded.Size)

	listed := srv.do(t, http.MethodGet, "/api/files", reg.Token, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	var files []FileResponse
	require.NoError(t, json.Unmarshal(listed.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, uploaded.Key, files[0].Key)

	urlResp := srv.do(t, http.MethodGet, "/api/files/url?key="+uploaded.Key, reg.Token, nil)
	require.Equal(t, http.StatusOK, urlResp.Code)
	assert.Contains(t, urlResp.Body.String(), "https://signed.example/")

	deleted := srv.do(t, http.MethodDelete, "/api/files?key="+uploaded.Key, reg.Token, nil)
	require.Equal(t, http.StatusOK, deleted.Code)
	assert.Empty(t, srv.store.objects)
}

func TestDeleteAllFilesClearsOnlyOwnPrefix(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.registerUser(t, "alice@x.com", "password1")
	bob := srv.registerUser(t, "bob@x.com", "password1")

	aliceKey := fmt.Sprintf("%s/user-%d/one.wav", testPrefix, alice.User.ID)
	bobKey := fmt.Sprintf("%s/user-%d/two.wav", testPrefix, bob.User.ID)
	srv.store.objects[aliceKey] = []byte("a")
	srv.store.objects[bobKey] = []byte("b")

	w := srv.do(t, http.MethodDelete, "/api/files/all", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.NotContains(t, srv.store.objects, aliceKey)
	assert.Contains(t, srv.store.objects, bobKey)
}

func TestFileKeyOwnership(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.registerUser(t, "alice@x.com", "password1")
	bob := srv.registerUser(t, "bob@x.com", "password1")

	foreignKey := fmt.Sprintf("%s/user-%d/secret.wav", testPrefix, alice.User.ID)
	w := srv.do(t, http.MethodDelete, "/api/files?key="+foreignKey, bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, http.MethodGet, "/api/files/url?key="+foreignKey, bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFileRoutesWithoutStorage(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewUserRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	users := service.NewUserService(repo, nil)
	tokens := service.NewTokenService(testSecret, time.Hour)

	router := gin.New()
	NewHandler(users, tokens, nil, "", testPrefix, nil).RegisterRoutes(router)
	srv := &testServer{router: router}

	reg := srv.registerUser(t, "a@x.com", "password1")

	w := srv.do(t, http.MethodGet, "/api/files", reg.Token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
