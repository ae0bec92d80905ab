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
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

/***********************
 *   Constants         *
 ***********************/

const (
	apiVersion       = "v10"
	baseApiUrl       = "https://discord.com/api/" + apiVersion
	defaultCode500Retries = 2
	defaultGlobalPerSecond = 50
	defaultRatelimitPause  = 10 * time.Millisecond
	defaultSweepInterval   = 5 * time.Minute
	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerRemaining  = "X-RateLimit-Remaining"
	headerLimit      = "X-RateLimit-Limit"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerScope      = "X-RateLimit-Scope"
	headerReason     = "X-Audit-Log-Reason"
)

// RatelimitOptions configures the rate-limit engine. Setting Disabled
// bypasses bucket bookkeeping entirely: requests are made directly and any
// attempt to explicitly construct a bucket fails with
// REST_CREATE_BUCKET_WITH_DISABLED_RATELIMITS.
type RatelimitOptions struct {
	Disabled        bool
	GlobalPerSecond int
	PauseMs         int
	SweepInterval   time.Duration
	Code500Retries  int
}

/***********************
 *   GlobalRateLimit   *
 ***********************/

// globalState tracks the shared, process-wide request budget. It is mutated
// only by the requester's bucket workers, which serialize on mu.
type globalState struct {
	mu        sync.Mutex
	left      int
	perSecond int
	resetAt   time.Time
}

func (g *globalState) wait(logger Logger) {
	for {
		g.mu.Lock()
		now := time.Now()
		if now.After(g.resetAt) {
			g.left = g.perSecond
			g.resetAt = now.Add(time.Second)
		}
		if g.left > 0 {
			g.left--
			g.mu.Unlock()
			return
		}
		wait := time.Until(g.resetAt)
		g.mu.Unlock()
		if wait > 0 {
			logger.Debug(fmt.Sprintf("global rate limit active, waiting %v", wait))
			time.Sleep(wait)
		}
	}
}

// setResetAt pushes the global reset time forward (never backward), used
// when a 429 reports a shared/global scope.
func (g *globalState) setResetAt(t time.Time) {
	g.mu.Lock()
	if t.After(g.resetAt) {
		g.resetAt = t
		g.left = 0
	}
	g.mu.Unlock()
}

/***********************
 *   ratelimitBucket   *
 ***********************/

// ratelimitBucket is a server-defined rate-limit grouping. Its fields are
// guarded by mu: callers append to queue in enqueue, the sweeper reads
// remaining/queue, and the single drain worker owns request execution.
type ratelimitBucket struct {
	mu sync.Mutex

	id        string // bucketHash + ":" + majorParameter
	hash      string
	major     string
	allowed   int
	remaining int
	resetAt   time.Time
	lastUsed  time.Time

	queue   []*requestJob
	running bool
}

// requestJob is one queued HTTP call, carrying a one-shot completion slot.
type requestJob struct {
	method        string
	route         string // route template, used to learn/update routeHashCache
	endpoint      string // real endpoint with concrete ids
	body          []byte
	authWithToken bool
	reason        string
	attempts      int
	done          chan requestResult
}

type requestResult struct {
	status int
	body   []byte
	header http.Header
	err    error
}

/***********************
 *   Requester         *
 ***********************/

// requester is the REST rate-limit engine: it derives route templates,
// learns bucket hashes, and drains one FIFO queue per bucket with at most
// one in-flight request each, honoring both per-bucket and global limits.
type requester struct {
	client    *http.Client
	token     string
	userAgent string
	logger    Logger

	routeHashCache sync.Map // route template -> learned bucket hash
	buckets        sync.Map // bucketID -> *ratelimitBucket
	global         globalState

	ratelimits RatelimitOptions

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// newRequester creates a new Requester with the given bot token and logger.
func newRequester(client *http.Client, token string, logger Logger, ratelimits RatelimitOptions) *requester {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		}
	}
	if ratelimits.GlobalPerSecond == 0 {
		ratelimits.GlobalPerSecond = defaultGlobalPerSecond
	}
	if ratelimits.SweepInterval == 0 {
		ratelimits.SweepInterval = defaultSweepInterval
	}
	if ratelimits.Code500Retries == 0 {
		ratelimits.Code500Retries = defaultCode500Retries
	}

	r := &requester{
		client:     client,
		token:      "Bot " + token,
		userAgent:  "DiscordBot (shardkit)",
		logger:     logger,
		ratelimits: ratelimits,
		sweepStop:  make(chan struct{}),
	}
	r.global.perSecond = ratelimits.GlobalPerSecond
	if !ratelimits.Disabled {
		go r.sweepLoop()
	}
	return r
}

// Shutdown gracefully closes the underlying HTTP client's idle connections
// and stops the bucket sweeper.
func (r *requester) Shutdown() {
	r.sweepOnce.Do(func() { close(r.sweepStop) })
	if r.client != nil {
		if tr, ok := r.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
}

// newBucket constructs a rate-limit bucket. It is an error to call this
// while rate limits are administratively disabled.
func (r *requester) newBucket(id, hash, major string) (*ratelimitBucket, error) {
	if r.ratelimits.Disabled {
		return nil, newRestError(RestErrDisabledRatelimitBucket, id, nil)
	}
	return &ratelimitBucket{id: id, hash: hash, major: major, allowed: 1, remaining: 1}, nil
}

// do sends an HTTP request, routing it through the rate-limit engine unless
// ratelimits are disabled, in which case it makes the call directly.
func (r *requester) do(method, endpoint string, body []byte, authenticateWithToken bool, reason string) (*http.Response, error) {
	route := routeTemplate(method, endpoint)
	major := majorParameter(endpoint)

	hashVal, ok := r.routeHashCache.Load(route)
	hash, _ := hashVal.(string)
	if !ok {
		hash = "unhashed:" + route
	}
	bucketID := hash + ":" + major

	if r.ratelimits.Disabled {
		if _, err := r.newBucket(bucketID, hash, major); err != nil {
			r.logger.Debug("ratelimits disabled, bypassing bucket " + bucketID)
		}
		return r.makeRequest(method, endpoint, body, authenticateWithToken, reason)
	}

	bucketAny, loaded := r.buckets.Load(bucketID)
	if !loaded {
		b, err := r.newBucket(bucketID, hash, major)
		if err != nil {
			return nil, err
		}
		bucketAny, _ = r.buckets.LoadOrStore(bucketID, b)
	}
	b := bucketAny.(*ratelimitBucket)

	job := &requestJob{
		method:        method,
		route:         route,
		endpoint:      endpoint,
		body:          body,
		authWithToken: authenticateWithToken,
		reason:        reason,
		done:          make(chan requestResult, 1),
	}
	r.enqueue(b, job)

	res := <-job.done
	if res.err != nil {
		return nil, res.err
	}
	return &http.Response{
		StatusCode: res.status,
		Header:     res.header,
		Body:       newBodyReadCloser(res.body),
	}, nil
}

// enqueue appends job to the bucket's FIFO queue and ensures exactly one
// drain worker is running for it.
func (r *requester) enqueue(b *ratelimitBucket, job *requestJob) {
	b.mu.Lock()
	b.queue = append(b.queue, job)
	start := !b.running
	if start {
		b.running = true
	}
	b.mu.Unlock()

	if start {
		go r.drainBucket(b)
	}
}

// drainBucket is the bucket's single owning worker: it processes the queue
// one request at a time, in arrival order, until empty.
func (r *requester) drainBucket(b *ratelimitBucket) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.running = false
			b.mu.Unlock()
			return
		}
		job := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		r.global.wait(r.logger)

		b.mu.Lock()
		if b.remaining <= 0 && time.Now().Before(b.resetAt) {
			wait := time.Until(b.resetAt) + defaultRatelimitPause
			b.mu.Unlock()
			r.logger.Debug(fmt.Sprintf("bucket %s rate limited, waiting %v", b.id, wait))
			time.Sleep(wait)
		} else {
			b.mu.Unlock()
		}

		if requeue := r.executeJob(b, job); requeue {
			b.mu.Lock()
			b.queue = append([]*requestJob{job}, b.queue...)
			b.mu.Unlock()
		}
	}
}

// executeJob performs one HTTP attempt for job, updating bucket state from
// response headers and resolving job.done on a terminal outcome. It returns
// true if the job is to be re-queued at the head of the bucket (a 429 retry,
// or a 5xx retry within Code500Retries) rather than resolved.
func (r *requester) executeJob(b *ratelimitBucket, job *requestJob) (requeue bool) {
	req, err := http.NewRequest(job.method, baseApiUrl+job.endpoint, bytes.NewReader(job.body))
	if err != nil {
		job.done <- requestResult{err: newRestError(RestErrRequest, job.route, err)}
		return false
	}

	if job.authWithToken {
		req.Header.Set("Authorization", r.token)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if job.method == http.MethodPost || job.method == http.MethodPut || job.method == http.MethodPatch {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if job.reason != "" {
		req.Header.Set(headerReason, job.reason)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		job.done <- requestResult{err: newRestError(RestErrRequest, job.route, err)}
		return false
	}
	defer resp.Body.Close()

	bodyBytes, _ := readAll(resp.Body)

	b.mu.Lock()
	r.updateBucketLocked(b, resp.Header)
	b.mu.Unlock()

	switch {
	case resp.StatusCode == 429:
		retryAfter := parseRetryAfter(resp.Header.Get(headerRetryAfter))
		r.logger.Debug(fmt.Sprintf("429 on route %s, retrying after %v", job.route, retryAfter))
		if resp.Header.Get(headerGlobal) == "true" || resp.Header.Get(headerScope) == "shared" {
			r.global.setResetAt(time.Now().Add(retryAfter))
		} else {
			b.mu.Lock()
			b.resetAt = time.Now().Add(retryAfter)
			b.mu.Unlock()
		}
		time.Sleep(retryAfter)
		return true

	case resp.StatusCode >= 500:
		job.attempts++
		if job.attempts <= r.ratelimits.Code500Retries {
			r.logger.Warn(fmt.Sprintf("retryable status %d for %s %s, attempt %d", resp.StatusCode, job.method, job.endpoint, job.attempts))
			time.Sleep(time.Second)
			return true
		}
		job.done <- requestResult{status: resp.StatusCode, body: bodyBytes, header: resp.Header,
			err: newRestError(RestErrRequest, job.route, fmt.Errorf("server error %d after %d retries", resp.StatusCode, job.attempts-1))}
		return false

	case resp.StatusCode >= 400:
		apiErr := &DiscordAPIError{HTTPStatus: resp.StatusCode}
		if len(bodyBytes) > 0 {
			if err := sonic.Unmarshal(bodyBytes, apiErr); err != nil {
				restErr := newRestError(RestErrUnableToParseBody, job.route, err)
				restErr.HTTPStatus = resp.StatusCode
				job.done <- requestResult{status: resp.StatusCode, body: bodyBytes, header: resp.Header, err: restErr}
				return false
			}
			apiErr.HTTPStatus = resp.StatusCode
		}
		restErr := &RestError{Kind: RestErrRequest, Route: job.route, HTTPStatus: resp.StatusCode, APIError: apiErr}
		job.done <- requestResult{status: resp.StatusCode, body: bodyBytes, header: resp.Header, err: restErr}
		return false

	default:
		job.done <- requestResult{status: resp.StatusCode, body: bodyBytes, header: resp.Header}
		return false
	}
}

// updateBucketLocked refreshes a bucket's remaining/resetAt/lastUsed from
// response headers and migrates the routeHashCache if the server's bucket
// hash differs from what was used. Caller holds b.mu.
func (r *requester) updateBucketLocked(b *ratelimitBucket, h http.Header) {
	b.lastUsed = time.Now()

	if rem := h.Get(headerRemaining); rem != "" {
		if n, err := strconv.Atoi(rem); err == nil {
			b.remaining = n
		}
	}
	if lim := h.Get(headerLimit); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			b.allowed = n
		}
	}
	if resetAfter := h.Get(headerResetAfter); resetAfter != "" {
		if dur, err := strconv.ParseFloat(resetAfter, 64); err == nil {
			b.resetAt = time.Now().Add(time.Duration(dur * float64(time.Second)))
		}
	}

	if serverHash := h.Get(headerBucket); serverHash != "" && serverHash != b.hash {
		b.hash = serverHash
		r.routeHashCache.Store(stripBucketID(b.id), serverHash)
	}
}

func stripBucketID(bucketID string) string {
	if i := strings.LastIndex(bucketID, ":"); i >= 0 {
		return bucketID[:i]
	}
	return bucketID
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Second
	}
	whole, frac := math.Modf(sec)
	return time.Duration(whole)*time.Second + time.Duration(frac*1000)*time.Millisecond
}

// makeRequest performs a single HTTP call with no bucket bookkeeping, used
// only when ratelimits are administratively disabled.
func (r *requester) makeRequest(method, endpoint string, body []byte, authenticateWithToken bool, reason string) (*http.Response, error) {
	req, err := http.NewRequest(method, baseApiUrl+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newRestError(RestErrRequest, endpoint, err)
	}
	if authenticateWithToken {
		req.Header.Set("Authorization", r.token)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")
	if reason != "" {
		req.Header.Set(headerReason, reason)
	}
	return r.client.Do(req)
}

/**********************
 *   Sweeping         *
 **********************/

// sweepLoop periodically removes idle buckets: no pending local limit and
// an empty queue.
func (r *requester) sweepLoop() {
	ticker := time.NewTicker(r.ratelimits.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *requester) sweep() {
	now := time.Now()
	r.buckets.Range(func(key, val any) bool {
		b := val.(*ratelimitBucket)
		b.mu.Lock()
		idle := now.Sub(b.lastUsed) > r.ratelimits.SweepInterval && b.remaining == b.allowed && len(b.queue) == 0 && !b.running
		b.mu.Unlock()
		if idle {
			r.buckets.Delete(key)
		}
		return true
	})
}

/**********************
 *   Small helpers     *
 **********************/

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

func newBodyReadCloser(body []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(body))
}

/****************************
 *   Route template math    *
 ****************************/

var (
	reSnowflake     = regexp.MustCompile(`\d{17,19}`)
	reReactions     = regexp.MustCompile(`/reactions/.*`)
	reWebhooksToken = regexp.MustCompile(`/webhooks/(\d{17,19})/[^/?]+`)
)

const (
	oldMessageCutoffMS = 14 * 24 * 60 * 60 * 1000 // 14 days in milliseconds
)

// majorParameter returns the value of the path segment that partitions a
// bucket (the first snowflake in the route), or "global" if none is present.
func majorParameter(endpoint string) string {
	if m := reSnowflake.FindString(endpoint); m != "" {
		return m
	}
	return "global"
}

// routeTemplate derives the route template for endpoint by substituting
// every snowflake-valued path segment with a placeholder, keeping the first
// (major) parameter distinguished from the rest, and special-casing DELETE
// on messages older than the 14-day threshold into a separate bucket.
func routeTemplate(method, endpoint string) string {
	if strings.HasPrefix(endpoint, "/interactions/") && strings.HasSuffix(endpoint, "/callback") {
		return method + ":/interactions/:id/:token/callback"
	}

	majorParam := reSnowflake.FindString(endpoint)

	var baseRoute string
	if majorParam == "" {
		baseRoute = reSnowflake.ReplaceAllString(endpoint, ":id")
	} else {
		var b strings.Builder
		b.Grow(len(endpoint) + 20)

		start := 0
		firstFound := false
		for _, loc := range reSnowflake.FindAllStringIndex(endpoint, -1) {
			b.WriteString(endpoint[start:loc[0]])
			id := endpoint[loc[0]:loc[1]]
			if !firstFound && id == majorParam {
				b.WriteString(id)
				firstFound = true
			} else {
				b.WriteString(":id")
			}
			start = loc[1]
		}
		b.WriteString(endpoint[start:])
		baseRoute = b.String()
	}

	baseRoute = reReactions.ReplaceAllString(baseRoute, "/reactions/:reaction")
	baseRoute = reWebhooksToken.ReplaceAllString(baseRoute, "/webhooks/:id/:token")

	if method == http.MethodDelete && strings.HasPrefix(endpoint, "/channels/") && strings.Contains(endpoint, "/messages/") {
		lastSlash := strings.LastIndex(endpoint, "/")
		if lastSlash != -1 && lastSlash < len(endpoint)-1 {
			messageIdStr := endpoint[lastSlash+1:]
			if messageId, err := strconv.ParseUint(messageIdStr, 10, 64); err == nil {
				snow := Snowflake(messageId)
				if time.Now().UnixMilli()-snow.Timestamp().UnixMilli() > oldMessageCutoffMS {
					baseRoute += "/oldmessage"
				}
			}
		}
	}

	return method + ":" + baseRoute
}
