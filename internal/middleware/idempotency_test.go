package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/autocash/internal/idempotency"
)

const conversionsPath = "/api/monetization/conversions"

// countingHandler records how often the wrapped handler actually ran.
func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"call":`+string(rune('0'+n))+`,"echo":`+string(body)+`}`)
	})
}

func postConversion(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, conversionsPath, strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdempotency_KeyValidation(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(idempotency.NewInMemoryRepository(0), nil, nil)(countingHandler(&calls, http.StatusCreated))

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"missing", "", "required"},
		{"too long", strings.Repeat("k", 65), "maximum length"},
		{"whitespace", "conv 1", "printable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postConversion(h, tt.key, `{}`)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), "validation_error") || !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body = %s", rr.Body.String())
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times for invalid keys", calls.Load())
	}
}

func TestIdempotency_ReplaysCompletedResponse(t *testing.T) {
	var calls atomic.Int32
	m := NewMetrics()
	h := Idempotency(idempotency.NewInMemoryRepository(0), m, nil)(countingHandler(&calls, http.StatusCreated))

	first := postConversion(h, "webhook-1", `{"link_id":"amazon123","revenue":12.5}`)
	second := postConversion(h, "webhook-1", `{"link_id":"amazon123","revenue":12.5}`)

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Errorf("status = %d/%d, want 201/201", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body %q != original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(IdempotentReplayHeader) != "true" || first.Header().Get(IdempotentReplayHeader) != "" {
		t.Error("only the replay should carry the Idempotent-Replayed header")
	}
	if got := testutil.ToFloat64(m.idempotentReplays); got != 1 {
		t.Errorf("idempotency_replays_total = %v, want 1", got)
	}
}

func TestIdempotency_DifferentPayloadConflicts(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(idempotency.NewInMemoryRepository(0), nil, nil)(countingHandler(&calls, http.StatusCreated))

	postConversion(h, "webhook-2", `{"revenue":10}`)
	rr := postConversion(h, "webhook-2", `{"revenue":99}`)
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "different request") {
		t.Errorf("status = %d body = %s, want 409 different request", rr.Code, rr.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestIdempotency_FailuresReleaseKey(t *testing.T) {
	var calls atomic.Int32
	status := http.StatusNotFound
	h := Idempotency(idempotency.NewInMemoryRepository(0), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
	}))

	if rr := postConversion(h, "webhook-3", `{}`); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	status = http.StatusCreated
	if rr := postConversion(h, "webhook-3", `{}`); rr.Code != http.StatusCreated {
		t.Errorf("retry after failure status = %d, want 201", rr.Code)
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}

func TestIdempotency_NonPostPassesThrough(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(idempotency.NewInMemoryRepository(0), nil, nil)(countingHandler(&calls, http.StatusOK))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, conversionsPath, nil))
	if rr.Code != http.StatusOK || calls.Load() != 1 {
		t.Errorf("GET status = %d calls = %d", rr.Code, calls.Load())
	}
}

func TestIdempotency_ContextKeySet(t *testing.T) {
	var seen string
	h := Idempotency(idempotency.NewInMemoryRepository(0), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetIdempotencyKey(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))
	postConversion(h, "ctx-key", `{}`)
	if seen != "ctx-key" {
		t.Errorf("GetIdempotencyKey() = %q, want ctx-key", seen)
	}
}

func TestIdempotency_ConcurrentDuplicatesRunOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	h := Idempotency(idempotency.NewInMemoryRepository(0), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	const n = 10
	codes := make([]int, n)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			codes[i] = postConversion(h, "race", `{}`).Code
		}(i)
	}
	started.Wait()
	// Conflicting duplicates return immediately; only the winner blocks.
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	created := 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", c)
		}
	}
	if created < 1 {
		t.Error("no request succeeded")
	}
}

type brokenRepo struct{}

func (brokenRepo) Reserve(context.Context, *idempotency.Record) error { return errors.New("redis down") }
func (brokenRepo) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, errors.New("redis down")
}
func (brokenRepo) Complete(context.Context, string, int, string) error { return nil }
func (brokenRepo) Release(context.Context, string) error                { return nil }

func TestIdempotency_StoreUnavailableRefuses(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(brokenRepo{}, nil, nil)(countingHandler(&calls, http.StatusCreated))
	rr := postConversion(h, "k", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if calls.Load() != 0 {
		t.Error("handler must not run without idempotency protection")
	}
}
