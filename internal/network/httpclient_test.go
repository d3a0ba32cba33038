// internal/network/httpclient_test.go
package network

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultClientConfig(t *testing.T) {
	config := NewDefaultClientConfig()

	assert.Equal(t, DefaultRequestTimeout, config.RequestTimeout)
	assert.Equal(t, DefaultResponseHeaderTimeout, config.ResponseHeaderTimeout)
	assert.Equal(t, DefaultMaxRedirects, config.MaxRedirects)
	assert.True(t, config.ForceHTTP2, "HTTP/2 should be preferred by default")
	assert.NotNil(t, config.Logger)
}

func TestConfigureTLS(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tlsConfig := configureTLS(NewDefaultClientConfig())
		assert.Equal(t, uint16(requiredMinTLSVersion), tlsConfig.MinVersion)
		assert.NotNil(t, tlsConfig.ClientSessionCache)
	})

	t.Run("custom config is cloned and hardened", func(t *testing.T) {
		custom := &tls.Config{ServerName: "mirror.example", MinVersion: tls.VersionTLS10}
		config := NewDefaultClientConfig()
		config.TLSConfig = custom

		tlsConfig := configureTLS(config)
		assert.Equal(t, "mirror.example", tlsConfig.ServerName)
		assert.Equal(t, uint16(requiredMinTLSVersion), tlsConfig.MinVersion)
		assert.NotSame(t, custom, tlsConfig)
		assert.Equal(t, uint16(tls.VersionTLS10), custom.MinVersion, "original must not be modified")
	})
}

func TestNewHTTPTransport(t *testing.T) {
	t.Run("configuration mapping", func(t *testing.T) {
		config := NewDefaultClientConfig()
		config.MaxIdleConns = 7
		config.IdleConnTimeout = 9 * time.Second
		config.DisableCompression = true

		transport := NewHTTPTransport(config)
		assert.Equal(t, 7, transport.MaxIdleConns)
		assert.Equal(t, 9*time.Second, transport.IdleConnTimeout)
		assert.True(t, transport.DisableCompression)
		assert.NotNil(t, transport.Proxy)
	})

	t.Run("nil config", func(t *testing.T) {
		transport := NewHTTPTransport(nil)
		assert.Equal(t, DefaultMaxIdleConns, transport.MaxIdleConns)
		assert.NotNil(t, transport.TLSClientConfig)
	})

	t.Run("http2 enabled", func(t *testing.T) {
		transport := NewHTTPTransport(NewDefaultClientConfig())
		assert.True(t, transport.ForceAttemptHTTP2)
		assert.Equal(t, []string{"h2", "http/1.1"}, transport.TLSClientConfig.NextProtos)
	})

	t.Run("http2 disabled", func(t *testing.T) {
		config := NewDefaultClientConfig()
		config.ForceHTTP2 = false
		transport := NewHTTPTransport(config)
		assert.False(t, transport.ForceAttemptHTTP2)
		assert.Equal(t, []string{"http/1.1"}, transport.TLSClientConfig.NextProtos)
	})
}

func TestNewClientFollowsRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/latest" {
			http.Redirect(w, r, "/release-42", http.StatusFound)
			return
		}
		fmt.Fprint(w, r.URL.Path)
	}))
	defer server.Close()

	resp, err := NewClient(nil).Get(server.URL + "/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/release-42", resp.Request.URL.Path)
}

func TestNewClientStopsAtMaxRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	config := NewDefaultClientConfig()
	config.MaxRedirects = 2
	resp, err := NewClient(config).Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}
