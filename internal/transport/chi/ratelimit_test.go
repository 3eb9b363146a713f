package chi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimit_ZeroRate_PassThrough(t *testing.T) {
	mw := RateLimitMiddleware(0, 0)
	handler := mw(okHandler())

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("POST", "/api/v1/search", http.NoBody)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("zero rate throttled: status = %d", rr.Code)
		}
	}
}

func TestRateLimit_BurstExhausted_429(t *testing.T) {
	// 1 rps with burst 2: the third immediate request must be rejected.
	mw := RateLimitMiddleware(1, 2)
	handler := mw(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest("POST", "/api/v1/search", http.NoBody)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes[i] = rr.Code

		if i == 2 {
			if rr.Code != http.StatusTooManyRequests {
				t.Fatalf("codes = %v, want third = %d", codes, http.StatusTooManyRequests)
			}
			var errResp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if errResp.Code != codeRateLimited {
				t.Errorf("error code = %s", errResp.Code)
			}
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests throttled: codes = %v", codes)
	}
}

func TestRateLimit_ExemptPaths_NeverThrottled(t *testing.T) {
	mw := RateLimitMiddleware(1, 1)
	handler := mw(okHandler())

	// Exhaust the bucket.
	req := httptest.NewRequest("POST", "/api/v1/search", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest("GET", path, http.NoBody)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("exempt path %s throttled: status = %d", path, rr.Code)
		}
	}
}

func TestRateLimit_NonPositiveBurst_StillServes(t *testing.T) {
	mw := RateLimitMiddleware(100, 0)
	handler := mw(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/search", http.NoBody)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}
