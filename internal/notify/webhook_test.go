package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/jobpulse/internal/config"
	"github.com/timmy/jobpulse/internal/domain"
)

func TestNotifyTerminalSignsAndPosts(t *testing.T) {
	var (
		calls   atomic.Int32
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(&config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Timeout: time.Second}, nil)
	n.NotifyTerminal(context.Background(), domain.JobEvent{
		Kind:         domain.EventError,
		JobID:        "job-1",
		Stage:        domain.StageFailed,
		Progress:     42,
		ErrorMessage: "disk full",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, Sign([]byte("s3cret"), gotBody), gotSig)

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "job.failed", payload.Event)
	assert.Equal(t, "job-1", payload.Job.JobID)
	assert.Equal(t, 42, payload.Job.Progress)
	assert.Equal(t, "disk full", payload.Job.ErrorMessage)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader), "unsigned without a secret")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(&config.WebhookConfig{URL: srv.URL, Timeout: time.Second, RetryCount: 3}, nil)
	err := n.Deliver(context.Background(), domain.JobEvent{Kind: domain.EventComplete, JobID: "job-1", Stage: domain.StageCompleted, Progress: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDeliverReportsClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(&config.WebhookConfig{URL: srv.URL, Timeout: time.Second, RetryCount: 3}, nil)
	err := n.Deliver(context.Background(), domain.JobEvent{Kind: domain.EventComplete, JobID: "job-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.EqualValues(t, 1, calls.Load(), "4xx is not retried")
}

func TestSignIsStable(t *testing.T) {
	assert.Equal(t, "sha256=a777724d943eb48dc69bca8a4a6d57a04db3f9ec7e1de4e581e860265bdf3032", Sign([]byte("key"), []byte("{}")))
	assert.NotEqual(t, Sign([]byte("a"), []byte("{}")), Sign([]byte("b"), []byte("{}")))
}
