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
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// newTestShard builds a Shard wired to a net.Pipe for the client side, along
// with the paired peer so a test can write server-framed Gateway payloads
// into the shard's readLoop the same way fleet_test.go drives Send.
func newTestShard(t *testing.T, state ShardState) (*Shard, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	s := &Shard{
		shardID:     0,
		totalShards: 1,
		logger:      NewDefaultLogger(nil, LogLevelDebugLevel),
		dispatcher:  newDispatcher(NewDefaultLogger(nil, LogLevelDebugLevel), NewDefaultWorkerPool(NewDefaultLogger(nil, LogLevelDebugLevel)), nil),
		state:       state,
		conn:        clientConn,
		opts: ShardOptions{
			SpawnDelay: 5 * time.Millisecond,
			// Points at a port nothing listens on so any reconnect dial
			// spawned during the test fails immediately instead of hanging
			// or reaching out over the network.
			GatewayURL: "ws://127.0.0.1:1/",
		},
		readySignal:   make(chan error, 1),
		resumedSignal: make(chan error, 1),
		readDone:      make(chan struct{}),
	}
	return s, serverConn
}

func writeServerPayload(t *testing.T, conn net.Conn, op gatewayOpcode, d any) {
	t.Helper()
	raw, err := sonic.Marshal(d)
	if err != nil {
		t.Fatalf("marshal payload data: %v", err)
	}
	frame, err := sonic.Marshal(map[string]any{"op": op, "d": json.RawMessage(raw)})
	if err != nil {
		t.Fatalf("marshal gateway frame: %v", err)
	}
	if err := wsutil.WriteServerMessage(conn, ws.OpText, frame); err != nil {
		t.Fatalf("write server frame: %v", err)
	}
}

func TestShard_ReadLoop_InvalidSession_NonResumable_ClearsSessionAndSeq(t *testing.T) {
	s, server := newTestShard(t, ShardConnected)
	s.sessionID = "existing-session"
	s.seq.Store(42)
	defer s.Kill(1000, "test cleanup")

	go s.readLoop(false)

	writeServerPayload(t, server, gatewayOpcodeInvalidSession, false)

	select {
	case <-s.readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return after non-resumable invalid session")
	}

	// readLoop cleared the session before returning; give the reconnect
	// goroutine it started a moment to run before the deferred Kill races
	// with it.
	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID != "" {
		t.Fatalf("expected sessionID to be cleared, got %q", sessionID)
	}
	if got := s.seq.Load(); got != 0 {
		t.Fatalf("expected seq to be reset to 0, got %d", got)
	}
}

func TestShard_ReadLoop_InvalidSession_Resumable_ClosesOldConn(t *testing.T) {
	s, server := newTestShard(t, ShardConnected)
	s.sessionID = "existing-session"
	s.seq.Store(7)
	defer s.Kill(1000, "test cleanup")

	go s.readLoop(false)

	writeServerPayload(t, server, gatewayOpcodeInvalidSession, true)

	select {
	case <-s.readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return after resumable invalid session")
	}

	// beginResume must close the old socket itself (shard.go review fix)
	// rather than leaving it to be overwritten by the next attemptConnect.
	deadline := time.Now().Add(1 * time.Second)
	for {
		s.mu.Lock()
		conn := s.conn
		state := s.state
		s.mu.Unlock()
		if conn == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected old conn to be closed by beginResume, state=%v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShard_HeartbeatLoop_AckTimeout_ClosesConn(t *testing.T) {
	s, _ := newTestShard(t, ShardConnected)
	s.heartbeatAckPending.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.heartbeatLoop(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("heartbeatLoop did not return after ack timeout")
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		t.Fatal("expected ack-timeout to close the socket so readLoop's blocking read unblocks into resume")
	}
}

func TestShard_SendResume_UsesStoredSessionAndSeq(t *testing.T) {
	s, server := newTestShard(t, ShardConnected)
	s.sessionID = "resume-me"
	s.seq.Store(99)

	errCh := make(chan error, 1)
	go func() { errCh <- s.sendResume() }()

	msg, _, err := wsutil.ReadClientData(server)
	if err != nil {
		t.Fatalf("reading resume frame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("sendResume failed: %v", err)
	}

	var frame struct {
		Op gatewayOpcode `json:"op"`
		D  struct {
			Token     string `json:"token"`
			SessionID string `json:"session_id"`
			Seq       int64  `json:"seq"`
		} `json:"d"`
	}
	if err := sonic.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("decoding resume frame: %v", err)
	}
	if frame.Op != gatewayOpcodeResume {
		t.Fatalf("expected op %d, got %d", gatewayOpcodeResume, frame.Op)
	}
	if frame.D.SessionID != "resume-me" {
		t.Fatalf("expected preserved session_id %q, got %q", "resume-me", frame.D.SessionID)
	}
	if frame.D.Seq != 99 {
		t.Fatalf("expected preserved seq %d, got %d", 99, frame.D.Seq)
	}
}
