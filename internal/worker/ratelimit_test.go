package worker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(0.001, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Errorf("Request %d within burst should be allowed", i+1)
		}
	}

	if rl.Allow() {
		t.Error("Request beyond burst should be denied")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(100.0, 1)

	if !rl.Allow() {
		t.Fatal("First request should be allowed")
	}
	if rl.Allow() {
		t.Fatal("Second immediate request should be denied")
	}

	// At 100 tokens/s a 50ms wait restores several tokens.
	time.Sleep(50 * time.Millisecond)

	if !rl.Allow() {
		t.Error("Request after refill window should be allowed")
	}
}

func TestRateLimiter_Stats(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)

	rl.Allow()
	rl.Allow()
	rl.Allow() // denied

	stats := rl.Stats()
	if stats["total_requests"].(int64) != 3 {
		t.Errorf("total_requests = %v, want 3", stats["total_requests"])
	}
	if stats["rejected"].(int64) != 1 {
		t.Errorf("rejected = %v, want 1", stats["rejected"])
	}
}

func TestPerClientRateLimiter_IsolatesClients(t *testing.T) {
	p := NewPerClientRateLimiter(0.001, 1)

	if !p.Allow("10.0.0.1") {
		t.Fatal("First request from client A should be allowed")
	}
	if p.Allow("10.0.0.1") {
		t.Error("Second request from client A should be denied")
	}

	// A separate client gets its own bucket.
	if !p.Allow("10.0.0.2") {
		t.Error("First request from client B should be allowed")
	}
}

func TestPerClientRateLimiter_Stats(t *testing.T) {
	p := NewPerClientRateLimiter(0.001, 1)

	p.Allow("10.0.0.1")
	p.Allow("10.0.0.1")
	p.Allow("10.0.0.2")

	stats := p.Stats()
	if stats["active_clients"].(int) != 2 {
		t.Errorf("active_clients = %v, want 2", stats["active_clients"])
	}
	if stats["total_requests"].(int64) != 3 {
		t.Errorf("total_requests = %v, want 3", stats["total_requests"])
	}
	if stats["total_rejected"].(int64) != 1 {
		t.Errorf("total_rejected = %v, want 1", stats["total_rejected"])
	}
}

func TestPerClientRateLimitMiddleware(t *testing.T) {
	p := NewPerClientRateLimiter(0.001, 2)
	handler := PerClientRateLimitMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Real-IP", ip)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("10.0.0.1"); code != http.StatusOK {
		t.Errorf("Request 1 status = %d, want 200", code)
	}
	if code := send("10.0.0.1"); code != http.StatusOK {
		t.Errorf("Request 2 status = %d, want 200", code)
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("Request 3 status = %d, want 429", code)
	}

	// Another address is unaffected.
	if code := send("10.0.0.9"); code != http.StatusOK {
		t.Errorf("Other client status = %d, want 200", code)
	}
}

func TestPerClientRateLimitMiddleware_FallsBackToRemoteAddr(t *testing.T) {
	p := NewPerClientRateLimiter(0.001, 1)
	handler := PerClientRateLimitMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", rr.Code)
	}

	stats := p.Stats()
	if stats["active_clients"].(int) != 1 {
		t.Errorf("active_clients = %v, want 1", stats["active_clients"])
	}
}
