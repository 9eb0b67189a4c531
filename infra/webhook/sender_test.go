package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemsd/hemsd/infra/logger"

	"github.com/hemsd/hemsd/core/model"
)

func TestSendDeliversPayloadWithHeaders(t *testing.T) {
	var gotKey, gotAuth, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{}, logger.NopLogger{})
	target := model.OutputTarget{
		ResourceID: "battery1",
		URL:        srv.URL,
		Headers:    map[string]string{"Authorization": "Bearer token"},
		Enabled:    true,
	}
	status, err := s.Send(context.Background(), target, map[string]any{"resource_id": "battery1"}, "key1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "key1", gotKey)
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "battery1", gotBody["resource_id"])
}

func TestSendDefaultsToPost(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	s := New(Config{}, logger.NopLogger{})
	_, err := s.Send(context.Background(), model.OutputTarget{URL: srv.URL}, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(Config{}, logger.NopLogger{})
	status, err := s.Send(context.Background(), model.OutputTarget{URL: srv.URL}, nil, "k")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.ErrorContains(t, err, "status 503")
}

func TestSendTargetTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	s := New(Config{}, logger.NopLogger{})
	target := model.OutputTarget{URL: srv.URL, TimeoutSeconds: 1}
	start := time.Now()
	status, err := s.Send(context.Background(), target, nil, "k")
	assert.Zero(t, status)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := New(Config{}, logger.NopLogger{})
	status, err := s.Send(context.Background(), model.OutputTarget{URL: url}, nil, "k")
	assert.Zero(t, status)
	assert.Error(t, err)
}
