package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsBodyOnOk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c, err := New(5*time.Second, "")
	require.NoError(t, err)

	body, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestGetReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(5*time.Second, "")
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestSendPostsOcspContentType(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.Write([]byte("response-bytes"))
	}))
	defer srv.Close()

	c, err := New(5*time.Second, "")
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), srv.URL, []byte("request-bytes"))
	require.NoError(t, err)
	require.Equal(t, "response-bytes", string(resp))
	require.Equal(t, "application/ocsp-request", gotContentType)
	require.Equal(t, "request-bytes", string(gotBody))
}

func TestNewRejectsUnknownCipherSuite(t *testing.T) {
	_, err := New(5*time.Second, "NOT-A-REAL-CIPHER-SUITE")
	require.Error(t, err)
}

func TestNewAcceptsKnownCipherSuite(t *testing.T) {
	known := "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	c, err := New(5*time.Second, known)
	require.NoError(t, err)
	require.NotNil(t, c)
}
