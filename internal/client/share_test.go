package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL+"/", "tok-123", srv.Client())
	c.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestUpload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/files/upload", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "bundle.zip", hdr.Filename)
		assert.Equal(t, "zipbytes", string(body))
		assert.Equal(t, "pw", r.FormValue("password"))
		assert.Equal(t, "3", r.FormValue("maxDownloads"))

		writeJSON(w, http.StatusCreated, IssuedShare{ShareCode: "ABC123", MaxDownloads: 3, FileName: "bundle.zip"})
	}))

	issued, err := c.Upload(context.Background(), "bundle.zip", []byte("zipbytes"), UploadOptions{Password: "pw", MaxDownloads: 3})
	require.NoError(t, err)
	assert.Equal(t, "ABC123", issued.ShareCode)
	assert.Equal(t, 3, issued.MaxDownloads)
}

func TestUploadError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file exceeds maximum allowed size"})
	}))

	_, err := c.Upload(context.Background(), "big.zip", []byte("x"), UploadOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
	assert.Equal(t, "file exceeds maximum allowed size", apiErr.Message)
}

func TestInfoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/info/ABC123", r.URL.Path)
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			return
		}
		writeJSON(w, http.StatusOK, ShareInfo{ShareCode: "ABC123", CanDownload: true, MaxDownloads: 1})
	}))

	info, err := c.Info(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.True(t, info.CanDownload)
	assert.EqualValues(t, 3, calls.Load())
}

func TestInfoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}))

	_, err := c.Info(context.Background(), "NOPE00")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDownload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("password") {
		case "":
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "password_required"})
		case "right":
			w.Header().Set("Content-Disposition", `attachment; filename="photos.zip"`)
			w.Write([]byte("zip payload"))
		default:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid password"})
		}
	}))
	ctx := context.Background()

	var buf bytes.Buffer
	_, err := c.Download(ctx, "ABC123", "", &buf)
	assert.ErrorIs(t, err, ErrPasswordRequired)

	_, err = c.Download(ctx, "ABC123", "wrong", &buf)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Zero(t, buf.Len())

	name, err := c.Download(ctx, "ABC123", "right", &buf)
	require.NoError(t, err)
	assert.Equal(t, "photos.zip", name)
	assert.Equal(t, "zip payload", buf.String())
}

func TestDownloadFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/download/ABC123", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/bucket/object", http.StatusFound)
	})
	mux.HandleFunc("/bucket/object", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from the object store"))
	})
	c := newTestClient(t, mux)

	var buf bytes.Buffer
	name, err := c.Download(context.Background(), "ABC123", "", &buf)
	require.NoError(t, err)
	assert.Equal(t, "ABC123.zip", name)
	assert.Equal(t, "from the object store", buf.String())
}

func TestPromptPassword(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })
	readPassword = func(int) ([]byte, error) { return []byte("s3cret"), nil }

	var out bytes.Buffer
	pw, err := PromptPassword(&out, "Share password: ")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)
	assert.Equal(t, "Share password: \n", out.String())
}
