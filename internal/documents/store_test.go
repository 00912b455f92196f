package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/pkg/storage"
)

func TestContentStorePutGet(t *testing.T) {
	client := storage.NewMemoryClient()
	store := NewContentStore(client, "docs", 1024, zap.NewNop())
	ctx := context.Background()

	addr, err := store.Put(ctx, []byte("monitoring report"), "text/plain")
	require.NoError(t, err)

	again, err := store.Put(ctx, []byte("monitoring report"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, 1, client.Len())

	data, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "monitoring report", string(data))
}

func TestContentStoreRejectsBadInput(t *testing.T) {
	store := NewContentStore(storage.NewMemoryClient(), "docs", 4, zap.NewNop())
	ctx := context.Background()

	_, err := store.Put(ctx, nil, "")
	assert.Error(t, err)
	_, err = store.Put(ctx, []byte("too large"), "")
	assert.Error(t, err)

	_, err = store.Get(ctx, "garbage")
	assert.ErrorIs(t, err, ErrNotFound)

	addr, err := storage.ContentAddress([]byte("never stored"))
	require.NoError(t, err)
	_, err = store.Get(ctx, addr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandlerUploadAndDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewContentStore(storage.NewMemoryClient(), "docs", 1<<20, zap.NewNop())
	router := gin.New()
	NewHandler(store).RegisterRoutes(router.Group("/api/v1"))

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "pdd.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("project design document"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Address string `json:"address"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Address)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+created.Address, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "project design document", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
