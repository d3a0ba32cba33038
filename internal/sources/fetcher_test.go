package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testFetcher(srv *httptest.Server, logger *zap.Logger) *Fetcher {
	return newFetcher(srv.Client(), config.HTTPConfig{
		Retries:    3,
		RetryDelay: time.Millisecond,
		UserAgent:  "helix-test",
	}, logger)
}

func TestFetcherText(t *testing.T) {
	t.Run("decodes brotli", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
			assert.Equal(t, "helix-test", r.Header.Get("User-Agent"))
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write([]byte("Release 2024-03-15"))
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write(buf.Bytes())
		}))
		defer srv.Close()

		body, err := testFetcher(srv, zap.NewNop()).Text(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "Release 2024-03-15", body)
	})

	t.Run("non-2xx is a status error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := testFetcher(srv, zap.NewNop()).Text(context.Background(), srv.URL)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
		assert.True(t, se.Temporary())
	})
}

func TestFetcherFetch(t *testing.T) {
	t.Run("retries until validation passes", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				fmt.Fprint(w, "a\tb\n")
				return
			}
			fmt.Fprint(w, "a\tb\tc\n")
		}))
		defer srv.Close()

		core, logs := observer.New(zapcore.ErrorLevel)
		target := filepath.Join(t.TempDir(), "mapping.tsv")
		check := func(p string) error { return validateColumns(p, 3) }

		err := testFetcher(srv, zap.New(core)).Fetch(context.Background(), Request{URL: srv.URL}, target, check)
		require.NoError(t, err)
		assert.EqualValues(t, 3, hits.Load())
		assert.Equal(t, 2, logs.FilterMessage("Download attempt failed, retrying").Len())

		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "a\tb\tc\n", string(got))
	})

	t.Run("exhausted validation surfaces ErrValidation", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		target := filepath.Join(t.TempDir(), "empty.txt")
		err := testFetcher(srv, zap.NewNop()).Fetch(context.Background(), Request{URL: srv.URL}, target, validateNonEmpty)
		assert.ErrorIs(t, err, ErrValidation)
		assert.EqualValues(t, 3, hits.Load(), "validation failures consume the retry budget")
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.NotFound(w, r)
		}))
		defer srv.Close()

		target := filepath.Join(t.TempDir(), "missing.txt")
		err := testFetcher(srv, zap.NewNop()).Fetch(context.Background(), Request{URL: srv.URL}, target, nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
		assert.EqualValues(t, 1, hits.Load())
		assert.NoFileExists(t, target)
	})

	t.Run("sends credentials and forms", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "alice" || pass != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Download", r.FormValue("downloadcancergenes"))
			fmt.Fprint(w, "ok")
		}))
		defer srv.Close()

		target := filepath.Join(t.TempDir(), "form.tsv")
		req := Request{
			Method:   http.MethodPost,
			URL:      srv.URL,
			Username: "alice",
			Password: "s3cret",
			Form:     map[string][]string{"downloadcancergenes": {"Download"}},
		}
		require.NoError(t, testFetcher(srv, zap.NewNop()).Fetch(context.Background(), req, target, nil))
		assert.FileExists(t, target)
	})

	t.Run("no partial files are left behind", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		dir := t.TempDir()
		err := testFetcher(srv, zap.NewNop()).Fetch(context.Background(), Request{URL: srv.URL}, filepath.Join(dir, "x"), nil)
		require.Error(t, err)
		entries, _ := os.ReadDir(dir)
		assert.Empty(t, entries)
	})
}
