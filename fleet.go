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
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// shardSpawnCooldown is the pause between concurrency-bucket spawns,
// matching Discord's per-bucket Identify rate limit window.
const shardSpawnCooldown = 5 * time.Second

// ShardingConfig configures how a ShardFleet carves up the bot's shards.
//
// TotalBotShards, if zero, defaults to the Gateway-recommended shard count.
// LocalCount, if zero, defaults to TotalBotShards (this process owns every
// shard). Offset selects which contiguous window of shard ids this process
// is responsible for: [Offset, Offset+LocalCount).
type ShardingConfig struct {
	TotalBotShards int
	LocalCount     int
	Offset         int
}

// ShardFleet owns a contiguous (or offset) window of a bot's Gateway shards
// and coordinates their spawning, respecting Discord's per-bucket Identify
// concurrency limit.
type ShardFleet struct {
	mu sync.RWMutex

	logger          Logger
	token           string
	intents         GatewayIntent
	opts            ShardOptions
	dispatcher      *dispatcher
	identifyLimiter ShardsIdentifyRateLimiter

	started        bool
	totalBotShards int
	offset         int
	shards         map[int]*Shard

	chunksMu sync.Mutex
	chunks   map[string]*memberChunkCollector
}

// memberChunkCollector accumulates GUILD_MEMBERS_CHUNK dispatches sharing a
// nonce until chunk_index+1 == chunk_count.
type memberChunkCollector struct {
	done      chan struct{}
	once      sync.Once
	members   []Member
	presences []Presence
	notFound  []Snowflake
	remaining int
}

func newShardFleet(token string, intents GatewayIntent, opts ShardOptions, logger Logger, dispatcher *dispatcher, limiter ShardsIdentifyRateLimiter) *ShardFleet {
	return &ShardFleet{
		logger:          logger,
		token:           token,
		intents:         intents,
		opts:            opts,
		dispatcher:      dispatcher,
		identifyLimiter: limiter,
		shards:          make(map[int]*Shard),
		chunks:          make(map[string]*memberChunkCollector),
	}
}

// Start resolves the fleet's sharding window against the Gateway's
// recommendation and session start limit, then spawns every locally-owned
// shard, grouped into `id mod max_concurrency` buckets with a cooldown
// between buckets.
func (f *ShardFleet) Start(ctx context.Context, gatewayBotData GatewayBot, cfg ShardingConfig) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return newGatewayError(GatewayErrAlreadyConnected, "fleet already started", nil)
	}
	f.started = true
	f.mu.Unlock()

	totalBotShards := cfg.TotalBotShards
	if totalBotShards == 0 {
		totalBotShards = gatewayBotData.Shards
	}
	localCount := cfg.LocalCount
	if localCount == 0 {
		localCount = totalBotShards
	}
	offset := cfg.Offset

	if offset+localCount > totalBotShards {
		return newGatewayError(GatewayErrInvalidShardConfig, "offset+localCount exceeds totalBotShards", nil)
	}
	if gatewayBotData.SessionStartLimit.Remaining < localCount {
		return newGatewayError(GatewayErrSessionStartLimit, "session start limit remaining below requested shard count", nil)
	}

	maxConcurrency := gatewayBotData.SessionStartLimit.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	f.mu.Lock()
	f.totalBotShards = totalBotShards
	f.offset = offset
	f.mu.Unlock()

	buckets := make(map[int][]int, maxConcurrency)
	for id := offset; id < offset+localCount; id++ {
		bucket := id % maxConcurrency
		buckets[bucket] = append(buckets[bucket], id)
	}
	bucketIDs := make([]int, 0, len(buckets))
	for b := range buckets {
		bucketIDs = append(bucketIDs, b)
	}
	sort.Ints(bucketIDs)

	for bi, bucket := range bucketIDs {
		ids := buckets[bucket]
		var wg sync.WaitGroup
		errs := make([]error, len(ids))
		for i, shardID := range ids {
			wg.Add(1)
			go func(i, shardID int) {
				defer wg.Done()
				shard := newShard(shardID, totalBotShards, f.token, f.intents, f.opts, f.logger, f.dispatcher, f.identifyLimiter)
				if _, err := shard.Spawn(ctx); err != nil {
					errs[i] = err
					return
				}
				f.mu.Lock()
				f.shards[shardID] = shard
				f.mu.Unlock()
			}(i, shardID)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}

		if bi < len(bucketIDs)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(shardSpawnCooldown):
			}
		}
	}

	return nil
}

// Shards returns the locally-owned shards, keyed by shard id.
func (f *ShardFleet) Shards() map[int]*Shard {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[int]*Shard, len(f.shards))
	for id, s := range f.shards {
		out[id] = s
	}
	return out
}

// Shutdown cleanly shuts down every shard owned by this fleet.
func (f *ShardFleet) Shutdown() {
	f.mu.Lock()
	shards := f.shards
	f.shards = make(map[int]*Shard)
	f.started = false
	f.mu.Unlock()

	for _, s := range shards {
		s.Shutdown()
	}
}

// guildShardID returns the shard id that owns guildID under this fleet's
// totalBotShards. If ensure is true and the resulting shard is outside this
// fleet's locally-owned window, it fails with GatewayErrNoShard.
func (f *ShardFleet) guildShardID(guildID Snowflake, ensure bool) (int, error) {
	f.mu.RLock()
	total := f.totalBotShards
	f.mu.RUnlock()

	id := guildShard(guildID, total)
	if !ensure {
		return id, nil
	}

	f.mu.RLock()
	_, owned := f.shards[id]
	f.mu.RUnlock()
	if !owned {
		return id, newGatewayError(GatewayErrNoShard, "guild routes to an unowned shard", nil)
	}
	return id, nil
}

// shardFor returns the locally-owned shard responsible for guildID.
func (f *ShardFleet) shardFor(guildID Snowflake) (*Shard, error) {
	id, err := f.guildShardID(guildID, true)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	shard := f.shards[id]
	f.mu.RUnlock()
	return shard, nil
}

/*****************************
 *  Member fetch (REQUEST_GUILD_MEMBERS)
 *****************************/

// GuildMembersOpts configures a getGuildMembers request.
type GuildMembersOpts struct {
	Query     string
	Limit     int
	Presences bool
	UserIDs   []Snowflake
}

// GuildMembersResult is the accumulated result of a getGuildMembers call.
type GuildMembersResult struct {
	Members   []Member
	Presences []Presence
	NotFound  []Snowflake
}

const maxNonceBytes = 32

// GetGuildMembers sends a REQUEST_GUILD_MEMBERS opcode on the shard owning
// guildID and accumulates GUILD_MEMBERS_CHUNK dispatches sharing its nonce
// until the final chunk arrives.
func (f *ShardFleet) GetGuildMembers(ctx context.Context, guildID Snowflake, opts GuildMembersOpts) (GuildMembersResult, error) {
	shard, err := f.shardFor(guildID)
	if err != nil {
		return GuildMembersResult{}, err
	}

	nonce, err := randomNonce()
	if err != nil {
		return GuildMembersResult{}, err
	}
	if len(nonce) > maxNonceBytes {
		return GuildMembersResult{}, newGatewayError(GatewayErrMemberNonceTooBig, "nonce exceeds 32 bytes", nil)
	}

	collector := &memberChunkCollector{done: make(chan struct{}), remaining: -1}
	f.chunksMu.Lock()
	f.chunks[nonce] = collector
	f.chunksMu.Unlock()
	defer func() {
		f.chunksMu.Lock()
		delete(f.chunks, nonce)
		f.chunksMu.Unlock()
	}()

	payload := map[string]any{
		"guild_id":  guildID,
		"query":     opts.Query,
		"limit":     opts.Limit,
		"presences": opts.Presences,
		"nonce":     nonce,
	}
	if len(opts.UserIDs) > 0 {
		payload["user_ids"] = opts.UserIDs
		delete(payload, "query")
	}

	if err := shard.Send(gatewayOpcodeRequestGuildMembers, payload, false); err != nil {
		return GuildMembersResult{}, err
	}

	select {
	case <-collector.done:
		return GuildMembersResult{
			Members:   collector.members,
			Presences: collector.presences,
			NotFound:  collector.notFound,
		}, nil
	case <-ctx.Done():
		return GuildMembersResult{}, ctx.Err()
	}
}

// handleGuildMembersChunk feeds a raw GUILD_MEMBERS_CHUNK dispatch into any
// in-flight collector matching its nonce. It is invoked by the dispatcher's
// raw hook, ahead of (and independent from) the typed subscriber fan-out.
func (f *ShardFleet) handleGuildMembersChunk(data []byte) {
	var chunk struct {
		Nonce      string      `json:"nonce"`
		ChunkIndex int         `json:"chunk_index"`
		ChunkCount int         `json:"chunk_count"`
		Members    []Member    `json:"members"`
		Presences  []Presence  `json:"presences"`
		NotFound   []Snowflake `json:"not_found"`
	}
	if err := sonic.Unmarshal(data, &chunk); err != nil {
		f.logger.Debug("fleet: failed decoding GUILD_MEMBERS_CHUNK: " + err.Error())
		return
	}
	if chunk.Nonce == "" {
		return
	}

	f.chunksMu.Lock()
	collector, ok := f.chunks[chunk.Nonce]
	f.chunksMu.Unlock()
	if !ok {
		return
	}

	collector.members = append(collector.members, chunk.Members...)
	collector.presences = append(collector.presences, chunk.Presences...)
	collector.notFound = append(collector.notFound, chunk.NotFound...)
	if collector.remaining < 0 {
		collector.remaining = chunk.ChunkCount
	}
	if chunk.ChunkIndex+1 >= collector.remaining {
		collector.once.Do(func() { close(collector.done) })
	}
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

/*****************************
 *  Presence update broadcast
 *****************************/

// UpdatePresence sends a gateway presence update on one shard.
func (f *ShardFleet) UpdatePresence(shardID int, presence any) error {
	f.mu.RLock()
	shard, ok := f.shards[shardID]
	f.mu.RUnlock()
	if !ok {
		return newGatewayError(GatewayErrNoShard, "presence update targets an unowned shard", nil)
	}
	return shard.Send(gatewayOpcodePresenceUpdate, presence, false)
}

// UpdatePresenceShards sends a gateway presence update on each of the given
// shard ids. It fails with GatewayErrNoShard on the first id not owned by
// this fleet, leaving any presences already sent for earlier ids in place.
func (f *ShardFleet) UpdatePresenceShards(shardIDs []int, presence any) error {
	for _, id := range shardIDs {
		if err := f.UpdatePresence(id, presence); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePresenceAll broadcasts a gateway presence update on every
// locally-owned shard.
func (f *ShardFleet) UpdatePresenceAll(presence any) error {
	f.mu.RLock()
	shards := make([]*Shard, 0, len(f.shards))
	for _, s := range f.shards {
		shards = append(shards, s)
	}
	f.mu.RUnlock()

	for _, s := range shards {
		if err := s.Send(gatewayOpcodePresenceUpdate, presence, false); err != nil {
			return err
		}
	}
	return nil
}
