package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentAddressIsStable(t *testing.T) {
	a, err := ContentAddress([]byte("project design document"))
	require.NoError(t, err)
	b, err := ContentAddress([]byte("project design document"))
	require.NoError(t, err)
	c, err := ContentAddress([]byte("another document"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	parsed, err := ParseContentAddress(a)
	require.NoError(t, err)
	assert.Equal(t, a, parsed.String())

	_, err = ParseContentAddress("not-a-cid")
	assert.Error(t, err)
}

func TestMemoryClientRoundTrip(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Upload(ctx, "docs", "documents/a", bytes.NewReader([]byte("hello")), "text/plain"))
	assert.Equal(t, 1, client.Len())

	rc, err := client.Download(ctx, "docs", "documents/a")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	url, err := client.GetPresignedURL(ctx, "docs", "documents/a", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "docs")

	require.NoError(t, client.Delete(ctx, "docs", "documents/a"))
	_, err = client.Download(ctx, "docs", "documents/a")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
