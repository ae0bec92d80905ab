/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package shardkit

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockRoundTripper struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     h,
	}
}

func newTestRequester(mockFn func(*http.Request) (*http.Response, error)) *requester {
	mockClient := &http.Client{
		Transport: &mockRoundTripper{fn: mockFn},
		Timeout:   5 * time.Second,
	}
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	return newRequester(mockClient, "testtoken", logger, RatelimitOptions{SweepInterval: time.Hour})
}

func TestRequester_Do_Success(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
}

func TestRequester_Do_RateLimitRetry(t *testing.T) {
	attempts := int32(0)
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return newMockResponse(429, `{"message":"rate limited"}`, map[string]string{
				"Retry-After":             "0.1",
				"X-RateLimit-Remaining":   "0",
				"X-RateLimit-Reset-After": "0.1",
			}), nil
		}
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "5",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if attempts < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestRequester_Do_GlobalRateLimit(t *testing.T) {
	attempts := int32(0)
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return newMockResponse(429, `{"message":"global rate limit"}`, map[string]string{
				"Retry-After":             "0.1",
				"X-RateLimit-Global":      "true",
				"X-RateLimit-Remaining":   "0",
				"X-RateLimit-Reset-After": "0.1",
			}), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
}

func TestRequester_Do_RetryableStatusCodes(t *testing.T) {
	attempts := int32(0)
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			return newMockResponse(503, "Service Unavailable", nil), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 initial + 2 retries), got %d", attempts)
	}
}

func TestRequester_Do_MaxRetriesExceeded(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(503, "Service Unavailable", nil), nil
	})

	_, err := r.do("GET", "/channels/123/messages", nil, true, "")
	if err == nil || !strings.Contains(err.Error(), "retries") {
		t.Fatalf("expected retries-exhausted error, got %v", err)
	}
}

func TestRequester_Do_NonRetriable4xx(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(403, `{"code":50013,"message":"Missing Permissions"}`, nil), nil
	})

	_, err := r.do("DELETE", "/channels/123/messages/456", nil, true, "")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	var restErr *RestError
	if !errors.As(err, &restErr) {
		t.Fatalf("expected *RestError, got %T: %v", err, err)
	}
	if restErr.APIError == nil || restErr.APIError.Code != 50013 {
		t.Fatalf("expected parsed DiscordAPIError with code 50013, got %+v", restErr.APIError)
	}
}

func TestRequester_ConcurrencyStress(t *testing.T) {
	var total int64
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	const concurrency = 50
	const requestsPerGoroutine = 10
	wg := sync.WaitGroup{}
	wg.Add(concurrency)

	for range concurrency {
		go func() {
			defer wg.Done()
			for range requestsPerGoroutine {
				resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
				if err != nil {
					t.Errorf("request error: %v", err)
					return
				}
				resp.Body.Close()
				atomic.AddInt64(&total, 1)
			}
		}()
	}
	wg.Wait()

	if total != concurrency*requestsPerGoroutine {
		t.Fatalf("expected %d successful requests, got %d", concurrency*requestsPerGoroutine, total)
	}
}

func TestRequester_ConcurrentRateLimitEnforcement(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	rateLimitedUntil := time.Time{}

	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()

		if now.Before(rateLimitedUntil) {
			return newMockResponse(429, "", map[string]string{
				"Retry-After":             fmt.Sprintf("%.1f", rateLimitedUntil.Sub(now).Seconds()),
				"X-RateLimit-Global":      "true",
				"X-RateLimit-Remaining":   "0",
				"X-RateLimit-Reset-After": fmt.Sprintf("%.1f", rateLimitedUntil.Sub(now).Seconds()),
			}), nil
		}

		n := atomic.AddInt32(&attempts, 1)
		if n%20 == 0 {
			rateLimitedUntil = now.Add(300 * time.Millisecond)
			return newMockResponse(429, "", map[string]string{
				"Retry-After":             "0.3",
				"X-RateLimit-Global":      "true",
				"X-RateLimit-Remaining":   "0",
				"X-RateLimit-Reset-After": "0.3",
			}), nil
		}

		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	const concurrency = 10
	const requestsPerGoroutine = 30
	totalRequests := concurrency * requestsPerGoroutine

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for range concurrency {
		go func() {
			defer wg.Done()
			for range requestsPerGoroutine {
				resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
				if err != nil {
					t.Errorf("request error: %v", err)
					return
				}
				resp.Body.Close()
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	minExpected := time.Duration(totalRequests/20) * 300 * time.Millisecond
	if elapsed < minExpected {
		t.Errorf("expected total duration at least %v due to rate limits, got %v", minExpected, elapsed)
	}
}

// snowflakeAt builds a plausible Discord snowflake string for a given time,
// used to exercise the 14-day-old-message bucket split without hardcoding
// an id whose age would drift as the test suite ages.
func snowflakeAt(t time.Time) string {
	ms := uint64(t.UnixMilli()) - discordEpoch
	return fmt.Sprintf("%d", ms<<22)
}

func TestRouteTemplate(t *testing.T) {
	oldMessageID := snowflakeAt(time.Now().Add(-20 * 24 * time.Hour))
	newMessageID := snowflakeAt(time.Now().Add(-time.Hour))

	cases := []struct {
		name     string
		method   string
		endpoint string
		want     string
	}{
		{
			"old message delete gets its own bucket",
			"DELETE", "/channels/123456789012345678/messages/" + oldMessageID,
			"DELETE:/channels/123456789012345678/messages/:id/oldmessage",
		},
		{
			"new message delete stays on the normal route",
			"DELETE", "/channels/123456789012345678/messages/" + newMessageID,
			"DELETE:/channels/123456789012345678/messages/:id",
		},
		{
			"interaction callback is a fixed route",
			"POST", "/interactions/987654321098765432/abcdef/callback",
			"POST:/interactions/:id/:token/callback",
		},
		{
			"webhook with token is normalized",
			"POST", "/webhooks/123456789012345678/abcdef1234567890",
			"POST:/webhooks/:id/:token",
		},
		{
			"reaction route collapses the reaction value",
			"PUT", "/channels/123456789012345678/messages/234567890123456789/reactions/XXXXXXX/@me",
			"PUT:/channels/123456789012345678/messages/:id/reactions/:reaction",
		},
		{
			"route without ids is unchanged",
			"GET", "/gateway/bot",
			"GET:/gateway/bot",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := routeTemplate(c.method, c.endpoint)
			if got != c.want {
				t.Fatalf("routeTemplate(%q, %q) = %q, want %q", c.method, c.endpoint, got, c.want)
			}
		})
	}
}

func TestMajorParameter(t *testing.T) {
	if got := majorParameter("/channels/123456789012345678/messages/234567890123456789"); got != "123456789012345678" {
		t.Fatalf("expected first snowflake as major param, got %q", got)
	}
	if got := majorParameter("/gateway/bot"); got != "global" {
		t.Fatalf("expected \"global\" for a route with no snowflake, got %q", got)
	}
}

func TestRequester_NewBucket_DisabledRatelimits(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})
	r.ratelimits.Disabled = true

	_, err := r.newBucket("bucket", "hash", "major")
	if !IsRestErrorKind(err, RestErrDisabledRatelimitBucket) {
		t.Fatalf("expected REST_CREATE_BUCKET_WITH_DISABLED_RATELIMITS, got %v", err)
	}
}

func TestRequester_Do_DisabledRatelimits_BypassesBuckets(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})
	r.ratelimits.Disabled = true

	resp, err := r.do("GET", "/channels/123/messages", nil, true, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	bucketCount := 0
	r.buckets.Range(func(key, val any) bool {
		bucketCount++
		return true
	})
	if bucketCount != 0 {
		t.Fatalf("expected no buckets materialized while ratelimits are disabled, got %d", bucketCount)
	}
}
