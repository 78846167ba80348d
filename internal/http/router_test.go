package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slawatch/backend/internal/config"
	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/http/handlers"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := db.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cfg := config.Config{AdminKey: "letmein", CORSAllowed: "*", RequestTimeout: 5 * time.Second}
	h := &handlers.Handler{Store: store, Validator: validator.New(), Logger: zerolog.Nop()}
	return Router(cfg, h, zerolog.Nop())
}

func serve(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouterAdminRoutesNeedKey(t *testing.T) {
	r := newRouter(t)
	for _, path := range []string{"/api/escalation/run", "/api/snapshots/run", "/api/items/ticket/OPS-1/resolve", "/api/events"} {
		w := serve(r, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := serve(r, http.MethodPost, "/api/items/ticket/OPS-1/resolve", http.Header{"X-Admin-Key": {"letmein"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterPublicRoutes(t *testing.T) {
	r := newRouter(t)

	w := serve(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = serve(r, http.MethodGet, "/api/items", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}

func TestRouterKeepsRequestID(t *testing.T) {
	r := newRouter(t)
	w := serve(r, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"req-abc"}})
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-Id"))
}
