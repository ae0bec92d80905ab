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
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws/wsutil"
)

func newTestFleet(totalBotShards int) *ShardFleet {
	return &ShardFleet{
		logger:         NewDefaultLogger(nil, LogLevelDebugLevel),
		totalBotShards: totalBotShards,
		shards:         make(map[int]*Shard),
		chunks:         make(map[string]*memberChunkCollector),
	}
}

func TestShardFleet_GuildShardID_NoShard(t *testing.T) {
	f := newTestFleet(4)
	guildID := Snowflake(123456789012345678)
	wantID := guildShard(guildID, 4)

	id, err := f.guildShardID(guildID, false)
	if err != nil {
		t.Fatalf("unensured lookup should never fail: %v", err)
	}
	if id != wantID {
		t.Fatalf("expected shard %d, got %d", wantID, id)
	}

	if _, err := f.guildShardID(guildID, true); !IsGatewayErrorKind(err, GatewayErrNoShard) {
		t.Fatalf("expected GATEWAY_NO_SHARD for unowned shard, got %v", err)
	}

	f.mu.Lock()
	f.shards[wantID] = &Shard{}
	f.mu.Unlock()

	if _, err := f.guildShardID(guildID, true); err != nil {
		t.Fatalf("expected success once shard is owned, got %v", err)
	}
}

func TestShardFleet_UpdatePresence_NoShard(t *testing.T) {
	f := newTestFleet(2)
	if err := f.UpdatePresence(0, map[string]any{"status": "online"}); !IsGatewayErrorKind(err, GatewayErrNoShard) {
		t.Fatalf("expected GATEWAY_NO_SHARD, got %v", err)
	}
}

func TestShardFleet_Start_InvalidShardConfig(t *testing.T) {
	f := newTestFleet(0)
	var gw GatewayBot
	gw.Shards = 4
	gw.SessionStartLimit.Remaining = 10
	gw.SessionStartLimit.MaxConcurrency = 1

	err := f.Start(context.Background(), gw, ShardingConfig{TotalBotShards: 4, LocalCount: 2, Offset: 3})
	if !IsGatewayErrorKind(err, GatewayErrInvalidShardConfig) {
		t.Fatalf("expected GATEWAY_INVALID_SHARD_CONFIG, got %v", err)
	}
}

func TestShardFleet_Start_SessionStartLimitReached(t *testing.T) {
	f := newTestFleet(0)
	var gw GatewayBot
	gw.Shards = 4
	gw.SessionStartLimit.Remaining = 1
	gw.SessionStartLimit.MaxConcurrency = 1

	err := f.Start(context.Background(), gw, ShardingConfig{TotalBotShards: 4, LocalCount: 2})
	if !IsGatewayErrorKind(err, GatewayErrSessionStartLimit) {
		t.Fatalf("expected GATEWAY_SESSION_START_LIMIT_REACHED, got %v", err)
	}
}

func TestShardFleet_HandleGuildMembersChunk_Accumulates(t *testing.T) {
	f := newTestFleet(1)
	collector := &memberChunkCollector{done: make(chan struct{}), remaining: -1}

	f.chunksMu.Lock()
	f.chunks["test-nonce"] = collector
	f.chunksMu.Unlock()

	chunk0, _ := sonic.Marshal(map[string]any{
		"nonce":       "test-nonce",
		"chunk_index": 0,
		"chunk_count": 2,
		"members":     []map[string]any{{"user": map[string]any{"id": "1"}}},
		"not_found":   []string{},
	})
	f.handleGuildMembersChunk(chunk0)

	select {
	case <-collector.done:
		t.Fatal("collector should not be done after the first of two chunks")
	default:
	}

	chunk1, _ := sonic.Marshal(map[string]any{
		"nonce":       "test-nonce",
		"chunk_index": 1,
		"chunk_count": 2,
		"members":     []map[string]any{{"user": map[string]any{"id": "2"}}},
		"not_found":   []string{"999"},
	})
	f.handleGuildMembersChunk(chunk1)

	select {
	case <-collector.done:
	default:
		t.Fatal("collector should be done after the final chunk")
	}

	if len(collector.members) != 2 {
		t.Fatalf("expected 2 accumulated members, got %d", len(collector.members))
	}
	if len(collector.notFound) != 1 {
		t.Fatalf("expected 1 not_found entry, got %d", len(collector.notFound))
	}
}

func TestShardFleet_HandleGuildMembersChunk_UnknownNonce(t *testing.T) {
	f := newTestFleet(1)
	chunk, _ := sonic.Marshal(map[string]any{
		"nonce":       "unregistered",
		"chunk_index": 0,
		"chunk_count": 1,
	})
	// Must not panic when no collector is registered for the nonce.
	f.handleGuildMembersChunk(chunk)
}

func TestShardFleet_GetGuildMembers_EndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	shard := &Shard{state: ShardConnected, conn: clientConn}

	f := newTestFleet(1)
	f.mu.Lock()
	f.shards[0] = shard
	f.mu.Unlock()

	// Drain whatever the shard writes (the REQUEST_GUILD_MEMBERS frame) so
	// Send doesn't block on the unbuffered pipe, then deliver the chunk.
	go func() {
		wsutil.ReadClientData(serverConn)
		f.chunksMu.Lock()
		var nonce string
		for n := range f.chunks {
			nonce = n
		}
		f.chunksMu.Unlock()

		chunk, _ := sonic.Marshal(map[string]any{
			"nonce":       nonce,
			"chunk_index": 0,
			"chunk_count": 1,
			"members":     []map[string]any{{"user": map[string]any{"id": "42"}}},
			"not_found":   []string{},
		})
		f.handleGuildMembersChunk(chunk)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := f.GetGuildMembers(ctx, Snowflake(1), GuildMembersOpts{Limit: 0})
	if err != nil {
		t.Fatalf("GetGuildMembers failed: %v", err)
	}
	if len(result.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(result.Members))
	}
}
