package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Adis-cmd/CrptApi/pkg/document"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

func testDocument() *document.Document {
	date := document.NewDate(2024, time.October, 1)
	return &document.Document{
		Description:    &document.Description{ParticipantInn: "0987654321"},
		DocID:          "doc_12345",
		DocStatus:      "NEW",
		DocType:        document.DocTypeIntroduceGoods,
		OwnerInn:       "1234567890",
		ProducerInn:    "1122334455",
		ProductionDate: &date,
		Products: []document.Product{
			{TnvedCode: "0101210000", UitCode: "01234567890123"},
		},
	}
}

func countingServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusOK)
	}))
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(time.Second, 5, "", zap.NewNop(), nil); err == nil {
		t.Error("expected error for empty endpoint")
	}
	if _, err := New(time.Second, 5, "   ", zap.NewNop(), nil); err == nil {
		t.Error("expected error for blank endpoint")
	}
	if _, err := New(time.Second, 0, "http://localhost:1", zap.NewNop(), nil); err == nil {
		t.Error("expected error for zero limit")
	}
	if _, err := New(time.Second, -1, "http://localhost:1", zap.NewNop(), nil); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestSubmitSendsEnvelope(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		if _, err := w.Write([]byte(`{"value":"accepted"}`)); err != nil {
			t.Errorf("error writing response: %v", err)
		}
	}))
	defer srv.Close()

	c, err := New(time.Second, 5, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	res, err := c.Submit(context.Background(), testDocument(), "test_signature")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Errorf("got status %d, want 201", res.StatusCode)
	}
	if string(res.Body) != `{"value":"accepted"}` {
		t.Errorf("response body not passed through: %s", res.Body)
	}
	if gotContentType != "application/json" {
		t.Errorf("got content type %q, want application/json", gotContentType)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("request body is not valid JSON: %v", err)
	}
	if _, ok := env["document"]; !ok {
		t.Error("envelope is missing the document field")
	}
	sig, ok := env["signature"]
	if !ok || string(sig) != `"test_signature"` {
		t.Errorf("envelope signature field wrong: %s", sig)
	}
	if !c.IsAvailable() {
		t.Error("client should report the endpoint available after a send")
	}
}

func TestValidationHappensBeforeAnyNetworkCall(t *testing.T) {
	var calls atomic.Int64
	srv := countingServer(t, &calls)
	defer srv.Close()

	c, err := New(time.Second, 5, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := c.Submit(context.Background(), nil, "sig"); !errors.Is(err, document.ErrNoDocument) {
			t.Errorf("nil document: got %v, want ErrNoDocument", err)
		}
		if _, err := c.Submit(context.Background(), testDocument(), ""); !errors.Is(err, document.ErrBlankSignature) {
			t.Errorf("empty signature: got %v, want ErrBlankSignature", err)
		}
		if _, err := c.Submit(context.Background(), testDocument(), "  "); !errors.Is(err, document.ErrBlankSignature) {
			t.Errorf("blank signature: got %v, want ErrBlankSignature", err)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("invalid submissions reached the network %d times", n)
	}
}

func TestSubmitPacesSequentialOverflow(t *testing.T) {
	const window = 300 * time.Millisecond
	var calls atomic.Int64
	srv := countingServer(t, &calls)
	defer srv.Close()

	c, err := New(window, 3, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := c.Submit(context.Background(), testDocument(), "sig"); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	if elapsed := time.Since(start); elapsed < window-50*time.Millisecond {
		t.Errorf("5 submissions at 3 per window finished in %v, want at least ~%v", elapsed, window)
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("endpoint saw %d calls, want 5 (delayed, never rejected)", n)
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	const window = 250 * time.Millisecond
	var calls atomic.Int64
	srv := countingServer(t, &calls)
	defer srv.Close()

	c, err := New(window, 2, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if _, err := c.Submit(context.Background(), testDocument(), "sig"); err != nil {
					t.Errorf("submit failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 2*window-50*time.Millisecond {
		t.Errorf("6 submissions at 2 per window finished in %v, want at least ~%v", elapsed, 2*window)
	}
	if n := calls.Load(); n != 6 {
		t.Errorf("endpoint saw %d calls, want 6", n)
	}
}

func TestTransportErrorChargedAgainstQuota(t *testing.T) {
	const window = 300 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing is listening anymore

	c, err := New(window, 1, url, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	start := time.Now()
	if _, err := c.Submit(context.Background(), testDocument(), "sig"); err == nil {
		t.Fatal("expected a transport error")
	}
	if c.IsAvailable() {
		t.Error("client should report the endpoint unavailable after a failed send")
	}

	// The failed send consumed the only slot, so the next attempt has to
	// wait out the window.
	if _, err := c.Submit(context.Background(), testDocument(), "sig"); err == nil {
		t.Fatal("expected a transport error")
	}
	if elapsed := time.Since(start); elapsed < window-50*time.Millisecond {
		t.Errorf("second attempt went out after %v, failed sends must still be charged", elapsed)
	}
}

func TestNonSuccessStatusIsPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		if _, err := w.Write([]byte("slow down")); err != nil {
			t.Errorf("error writing response: %v", err)
		}
	}))
	defer srv.Close()

	c, err := New(time.Second, 5, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	res, err := c.Submit(context.Background(), testDocument(), "sig")
	if err != nil {
		t.Fatalf("a non-2xx status is not a transport error, got: %v", err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Errorf("got status %d, want 429", res.StatusCode)
	}
	if string(res.Body) != "slow down" {
		t.Errorf("response body not passed through: %s", res.Body)
	}
}

func TestCancellationWhileBlocked(t *testing.T) {
	var calls atomic.Int64
	srv := countingServer(t, &calls)
	defer srv.Close()

	c, err := New(time.Minute, 1, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	if _, err := c.Submit(context.Background(), testDocument(), "sig"); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, testDocument(), "sig")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("cancelled submit did not return")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("cancelled submit must not reach the network, endpoint saw %d calls", n)
	}
}

func TestProbeDoesNotConsumeQuota(t *testing.T) {
	var calls atomic.Int64
	srv := countingServer(t, &calls)
	defer srv.Close()

	c, err := New(time.Minute, 1, srv.URL, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := c.Probe(context.Background()); err != nil {
			t.Fatalf("probe failed: %v", err)
		}
	}
	// The whole quota is still free.
	start := time.Now()
	if _, err := c.Submit(context.Background(), testDocument(), "sig"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("probes must not charge the quota, submit took %v", elapsed)
	}
}
