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
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

/*******************************
 * Shards Identify Rate Limiter
 *******************************/

// ShardsIdentifyRateLimiter defines the interface for a rate limiter
// that controls the frequency of Identify payloads sent per shard.
//
// Implementations block the caller in Wait() until an Identify token is available.
type ShardsIdentifyRateLimiter interface {
	// Wait blocks until the shard is allowed to send an Identify payload.
	Wait()
}

// DefaultShardsRateLimiter implements a simple token bucket
// rate limiter using a buffered channel of tokens.
//
// The capacity and refill interval control the max burst and rate.
type DefaultShardsRateLimiter struct {
	tokens chan struct{}
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter creates a new token bucket rate limiter.
//
// r specifies the maximum burst tokens allowed.
// interval specifies how frequently tokens are refilled.
func NewDefaultShardsRateLimiter(r int, interval time.Duration) *DefaultShardsRateLimiter {
	rl := &DefaultShardsRateLimiter{tokens: make(chan struct{}, r)}
	for range r {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return rl
}

// Wait blocks until a token is available for sending Identify.
func (rl *DefaultShardsRateLimiter) Wait() {
	<-rl.tokens
}

/*************************************
 * Shard: a single Gateway connection
 *************************************/

// ShardState is one of the four states a shard's connection can be in.
type ShardState int

const (
	ShardDisconnected ShardState = iota
	ShardConnecting
	ShardResuming
	ShardConnected
)

func (s ShardState) String() string {
	switch s {
	case ShardDisconnected:
		return "Disconnected"
	case ShardConnecting:
		return "Connecting"
	case ShardResuming:
		return "Resuming"
	case ShardConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

const (
	gatewayVersion        = "10"
	defaultGatewayURL     = "wss://gateway.discord.gg/?v=10&encoding=json"
	shardResumeCloseCode  = 1012
	defaultSpawnDelay     = 2500 * time.Millisecond
	defaultSpawnMax       = 10
	defaultSpawnTimeout   = 30 * time.Second
	defaultLargeThreshold = 50
)

// sendItem is a queued outbound payload together with a completion slot, as
// described by the "promise-wrapped send queue" pattern: callers block on
// done until the item is actually written (or discarded on kill).
type sendItem struct {
	payload []byte
	done    chan error
}

// ReadyPayload is the subset of the READY dispatch a caller of spawn() needs.
type ReadyPayload struct {
	ShardID   int
	SessionID string
	User      User
}

// ResumedPayload is returned by restart() once a session has resumed.
type ResumedPayload struct {
	ShardID int
}

// ShardOptions configures a single shard's gateway behavior.
type ShardOptions struct {
	LargeThreshold int
	Presence       any
	SpawnDelay     time.Duration
	SpawnMaxTries  int
	SpawnTimeout   time.Duration
	GatewayURL     string
}

// Shard manages a single WebSocket connection to the Discord Gateway,
// implementing the Disconnected/Connecting/Resuming/Connected state machine:
// identify/resume handshake, heartbeating, reconnection and sequence
// tracking, with dispatches fanned out to the dispatcher in socket order.
type Shard struct {
	shardID     int
	totalShards int
	token       string
	intents     GatewayIntent
	opts        ShardOptions

	logger          Logger
	dispatcher      *dispatcher
	identifyLimiter ShardsIdentifyRateLimiter

	mu    sync.Mutex
	state ShardState
	conn  net.Conn

	seq                 atomic.Int64
	sessionID           string
	resumeURL           string
	heartbeatAckPending atomic.Bool
	heartbeatSentAt     atomic.Int64
	latency             atomic.Int64

	queueMu   sync.Mutex
	sendQueue []sendItem
	flushing  bool

	killed    atomic.Bool
	heartCancel context.CancelFunc
	readDone  chan struct{}

	readySignal   chan error
	resumedSignal chan error
}

// newShard constructs a new Shard instance with the specified parameters.
func newShard(
	shardID, totalShards int, token string, intents GatewayIntent, opts ShardOptions,
	logger Logger, dispatcher *dispatcher, limiter ShardsIdentifyRateLimiter,
) *Shard {
	if opts.SpawnDelay == 0 {
		opts.SpawnDelay = defaultSpawnDelay
	}
	if opts.SpawnMaxTries == 0 {
		opts.SpawnMaxTries = defaultSpawnMax
	}
	if opts.SpawnTimeout == 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}
	if opts.LargeThreshold == 0 {
		opts.LargeThreshold = defaultLargeThreshold
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = defaultGatewayURL
	}
	return &Shard{
		shardID:         shardID,
		totalShards:     totalShards,
		token:           token,
		intents:         intents,
		opts:            opts,
		logger:          logger,
		dispatcher:      dispatcher,
		identifyLimiter: limiter,
		state:           ShardDisconnected,
	}
}

func (s *Shard) label() string { return "shard " + strconv.Itoa(s.shardID) }

// State reports the shard's current connection state.
func (s *Shard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Shard) setState(next ShardState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Spawn dials the gateway and runs the identify handshake, retrying up to
// SpawnMaxTries times with SpawnDelay between attempts. It blocks until
// READY is observed or the attempts are exhausted.
func (s *Shard) Spawn(ctx context.Context) (ReadyPayload, error) {
	s.mu.Lock()
	if s.state != ShardDisconnected {
		s.mu.Unlock()
		return ReadyPayload{}, newShardError(ShardErrAlreadyConnecting, s.shardID, nil)
	}
	s.state = ShardConnecting
	s.mu.Unlock()
	s.killed.Store(false)

	var lastErr error
	for attempt := 0; attempt < s.opts.SpawnMaxTries; attempt++ {
		if s.killed.Load() {
			return ReadyPayload{}, newShardError(ShardErrInterruptFromKill, s.shardID, nil)
		}

		ready, err := s.attemptConnect(ctx, false)
		if err == nil {
			return ready, nil
		}
		lastErr = err
		s.logger.Warn(s.label() + " connect attempt failed: " + err.Error())
		s.setState(ShardDisconnected)

		select {
		case <-ctx.Done():
			return ReadyPayload{}, ctx.Err()
		case <-time.After(s.opts.SpawnDelay):
		}
		s.setState(ShardConnecting)
	}

	s.setState(ShardDisconnected)
	return ReadyPayload{}, newShardError(ShardErrMaxSpawnAttempts, s.shardID, lastErr)
}

// Restart re-opens the socket and resumes the previous session using
// sessionID/lastSequence. If no prior session exists it falls back to a
// fresh Spawn.
func (s *Shard) Restart(ctx context.Context) (ResumedPayload, error) {
	s.mu.Lock()
	sessionID := s.sessionID
	lastSeq := s.seq.Load()
	s.mu.Unlock()

	if sessionID == "" || lastSeq == 0 {
		if _, err := s.Spawn(ctx); err != nil {
			return ResumedPayload{}, err
		}
		return ResumedPayload{ShardID: s.shardID}, nil
	}

	s.setState(ShardResuming)
	s.closeConn(shardResumeCloseCode)

	if _, err := s.attemptConnect(ctx, true); err != nil {
		return ResumedPayload{}, err
	}
	return ResumedPayload{ShardID: s.shardID}, nil
}

// attemptConnect performs one connect+handshake cycle bounded by
// SpawnTimeout, dialing to resumeURL when resume=true and to the base
// gateway URL otherwise. It waits for READY (or RESUMED, on resume) before
// returning.
func (s *Shard) attemptConnect(parent context.Context, resume bool) (ReadyPayload, error) {
	ctx, cancel := context.WithTimeout(parent, s.opts.SpawnTimeout)
	defer cancel()

	url := s.opts.GatewayURL
	if resume && s.resumeURL != "" {
		url = s.resumeURL + "/?v=" + gatewayVersion + "&encoding=json"
	}

	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return ReadyPayload{}, newShardError(ShardErrClosedDuringInit, s.shardID, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.heartbeatAckPending.Store(false)

	s.readySignal = make(chan error, 1)
	s.resumedSignal = make(chan error, 1)
	s.readDone = make(chan struct{})

	go s.readLoop(resume)

	waitFor := s.readySignal
	if resume {
		waitFor = s.resumedSignal
	}

	select {
	case err := <-waitFor:
		if err != nil {
			return ReadyPayload{}, err
		}
		s.setState(ShardConnected)
		s.flushSendQueue()
		ready := ReadyPayload{ShardID: s.shardID, SessionID: s.sessionID}
		s.logger.Info(s.label() + " connected (session " + s.sessionID + ")")
		return ready, nil
	case <-ctx.Done():
		s.closeConn(shardResumeCloseCode)
		return ReadyPayload{}, newShardError(ShardErrClosedDuringInit, s.shardID, ctx.Err())
	}
}

// readLoop continuously reads frames from the socket for the lifetime of a
// single connection attempt, decoding opcodes and driving state transitions.
// Dispatches are handed to the dispatcher in the exact order received.
func (s *Shard) readLoop(resuming bool) {
	defer close(s.readDone)

	for {
		msg, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			if s.killed.Load() {
				return
			}
			s.logger.Warn(s.label() + " socket closed: " + err.Error())
			s.beginResume()
			return
		}
		if op != ws.OpText {
			continue
		}

		var payload gatewayPayload
		if err := sonic.Unmarshal(msg, &payload); err != nil {
			s.logger.Error(s.label() + " malformed frame: " + err.Error())
			continue
		}

		switch payload.Op {
		case gatewayOpcodeDispatch:
			if payload.S != 0 {
				s.seq.Store(payload.S)
			}
			s.dispatcher.dispatch(s.shardID, payload.T, payload.D)

			switch payload.T {
			case "READY":
				var ready struct {
					SessionID string `json:"session_id"`
					ResumeURL string `json:"resume_gateway_url"`
					User      User   `json:"user"`
				}
				sonic.Unmarshal(payload.D, &ready)
				s.mu.Lock()
				s.sessionID = ready.SessionID
				s.resumeURL = ready.ResumeURL
				s.mu.Unlock()
				s.signalOnce(s.readySignal, nil)
			case "RESUMED":
				s.signalOnce(s.resumedSignal, nil)
			}

		case gatewayOpcodeHello:
			var hello struct {
				HeartbeatInterval float64 `json:"heartbeat_interval"`
			}
			sonic.Unmarshal(payload.D, &hello)
			interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

			heartCtx, cancel := context.WithCancel(context.Background())
			s.heartCancel = cancel
			s.heartbeatSentAt.Store(MonotonicNow())
			s.sendHeartbeat()
			s.heartbeatAckPending.Store(true)
			go s.heartbeatLoop(heartCtx, interval)

			if resuming {
				s.sendResume()
			} else {
				s.sendIdentify()
			}

		case gatewayOpcodeHeartbeatACK:
			s.heartbeatAckPending.Store(false)
			s.latency.Store(MonotonicSinceMs(s.heartbeatSentAt.Load()))

		case gatewayOpcodeHeartbeat:
			s.sendHeartbeat()

		case gatewayOpcodeReconnect:
			s.logger.Info(s.label() + " server requested reconnect")
			s.beginResume()
			return

		case gatewayOpcodeInvalidSession:
			var resumable bool
			sonic.Unmarshal(payload.D, &resumable)
			time.Sleep(time.Second)
			if resumable {
				s.beginResume()
			} else {
				s.mu.Lock()
				s.sessionID = ""
				s.mu.Unlock()
				s.seq.Store(0)
				s.setState(ShardDisconnected)
				go func() {
					s.setState(ShardConnecting)
					s.attemptConnect(context.Background(), false)
				}()
			}
			return
		}
	}
}

// beginResume closes the current socket (if still open), transitions into
// Resuming, and kicks off a reconnect attempt on a fresh goroutine so the
// caller's readLoop can return. Every resume trigger (server-requested
// reconnect, resumable invalid session, read error, heartbeat-ack timeout)
// funnels through here so the old connection is never left dangling.
func (s *Shard) beginResume() {
	if s.killed.Load() {
		return
	}
	s.stopHeartbeat()
	s.closeConn(shardResumeCloseCode)
	s.setState(ShardResuming)
	go func() {
		for {
			if s.killed.Load() {
				return
			}
			if _, err := s.attemptConnect(context.Background(), true); err == nil {
				return
			}
			time.Sleep(s.opts.SpawnDelay)
		}
	}()
}

func (s *Shard) signalOnce(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func (s *Shard) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.heartbeatAckPending.Load() {
				s.logger.Warn(s.label() + " heartbeat not ACKed, resuming")
				s.closeConn(shardResumeCloseCode)
				return
			}
			s.heartbeatSentAt.Store(MonotonicNow())
			if err := s.sendHeartbeat(); err != nil {
				return
			}
			s.heartbeatAckPending.Store(true)
		}
	}
}

func (s *Shard) stopHeartbeat() {
	if s.heartCancel != nil {
		s.heartCancel()
		s.heartCancel = nil
	}
}

/*****************
 * Outbound sends
 *****************/

// Send enqueues (or, if force, writes immediately) an outbound payload.
// Non-force sends issued while not Connected are queued FIFO and flushed
// atomically on entering Connected.
func (s *Shard) Send(op gatewayOpcode, d any, force bool) error {
	payload, err := sonic.Marshal(map[string]any{"op": op, "d": d})
	if err != nil {
		return err
	}
	return s.sendRaw(payload, force)
}

func (s *Shard) sendRaw(payload []byte, force bool) error {
	s.mu.Lock()
	connected := s.state == ShardConnected
	conn := s.conn
	s.mu.Unlock()

	if force || connected {
		if conn == nil {
			return newShardError(ShardErrSendWithoutOpenSock, s.shardID, nil)
		}
		return wsutil.WriteClientMessage(conn, ws.OpText, payload)
	}

	s.queueMu.Lock()
	if s.flushing {
		s.queueMu.Unlock()
		return newShardError(ShardErrSendQueueForceFlush, s.shardID, nil)
	}
	done := make(chan error, 1)
	s.sendQueue = append(s.sendQueue, sendItem{payload: payload, done: done})
	s.queueMu.Unlock()
	return <-done
}

// flushSendQueue drains queued sends in FIFO order on entering Connected.
func (s *Shard) flushSendQueue() {
	s.queueMu.Lock()
	s.flushing = true
	queue := s.sendQueue
	s.sendQueue = nil
	s.queueMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for _, item := range queue {
		var err error
		if conn == nil {
			err = newShardError(ShardErrSendWithoutOpenSock, s.shardID, nil)
		} else {
			err = wsutil.WriteClientMessage(conn, ws.OpText, item.payload)
		}
		item.done <- err
	}

	s.queueMu.Lock()
	s.flushing = false
	s.queueMu.Unlock()
}

func (s *Shard) sendIdentify() error {
	s.identifyLimiter.Wait()
	d := map[string]any{
		"token": s.token,
		"properties": map[string]string{
			"os":      "linux",
			"browser": LIB_NAME,
			"device":  LIB_NAME,
		},
		"shards":          [2]int{s.shardID, s.totalShards},
		"intents":         s.intents,
		"large_threshold": s.opts.LargeThreshold,
		"compress":        false,
	}
	if s.opts.Presence != nil {
		d["presence"] = s.opts.Presence
	}
	return s.Send(gatewayOpcodeIdentify, d, true)
}

func (s *Shard) sendResume() error {
	d := map[string]any{
		"token":      s.token,
		"session_id": s.sessionID,
		"seq":        s.seq.Load(),
	}
	return s.Send(gatewayOpcodeResume, d, true)
}

func (s *Shard) sendHeartbeat() error {
	return s.Send(gatewayOpcodeHeartbeat, s.seq.Load(), true)
}

func (s *Shard) closeConn(code int) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Kill immediately tears the shard down: cancels pending timers and any
// in-flight spawn/resume, closes the socket, and fails queued sends with
// SHARD_SEND_QUEUE_FORCE_FLUSHED. The socket is closed without a WebSocket
// close frame, so code is not transmitted to the gateway.
func (s *Shard) Kill(code int, reason string) {
	s.killed.Store(true)
	s.stopHeartbeat()
	s.closeConn(code)
	s.setState(ShardDisconnected)

	s.queueMu.Lock()
	queue := s.sendQueue
	s.sendQueue = nil
	s.flushing = false
	s.queueMu.Unlock()
	for _, item := range queue {
		item.done <- newShardError(ShardErrSendQueueForceFlush, s.shardID, nil)
	}

	s.signalOnce(s.readySignal, newShardError(ShardErrInterruptFromKill, s.shardID, nil))
	s.signalOnce(s.resumedSignal, newShardError(ShardErrInterruptFromKill, s.shardID, nil))
	s.logger.Info(s.label() + " killed: " + reason)
}

// Latency returns the current heartbeat round-trip time in milliseconds.
func (s *Shard) Latency() int64 {
	return s.latency.Load()
}

// HeartbeatAckPending reports whether a heartbeat is outstanding.
func (s *Shard) HeartbeatAckPending() bool {
	return s.heartbeatAckPending.Load()
}

// SessionID returns the shard's current session id, or "" if none.
func (s *Shard) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Shutdown is an alias for Kill with Discord's "leave cleanly" close code.
func (s *Shard) Shutdown() error {
	s.Kill(1000, "shutdown")
	return nil
}
