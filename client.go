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
	"log"
	"os"
	"strings"
	"time"
)

/*****************************
 *          Client
 *****************************/

// Client manages your Discord connection at a high level, grouping multiple shards together.
//
// It provides:
//   - Central configuration for your bot token, intents, and logger.
//   - REST API access via restApi.
//   - Event dispatching via dispatcher.
//   - Shard management for scalable Gateway connections.
//
// Create a Client using shardkit.New() with desired options, then call Start().
type Client struct {
	ctx             context.Context
	Logger          Logger                    // logger used throughout the client
	workerPool      WorkerPool                // worker pool used to run tasks asynchronously
	identifyLimiter ShardsIdentifyRateLimiter // rate limiter controlling Identify payloads per shard
	token           string                    // bot token (without "Bot " prefix)
	intents         GatewayIntent             // configured Gateway intents
	sharding        ShardingConfig            // sharding window this process owns
	shardOpts       ShardOptions              // per-shard connection options
	ratelimits      RatelimitOptions          // REST rate-limit engine options
	cacheConfig     CacheConfig               // per-entity-kind field allowlist
	fleet           *ShardFleet               // coordinates shard spawning and routing
	*restApi                                  // REST API client
	Cache           *CacheProjection          // field-selective cache of gateway entities
	*dispatcher                               // event dispatcher
}

// clientOption defines a function used to configure Client during creation.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for your client.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithToken("your_bot_token"))
//
// Notes:
//   - Logs fatal and exits if token is empty or obviously invalid (< 50 chars).
//   - Removes "Bot " prefix automatically if provided.
//
// Warning: Never share your bot token publicly.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if len(token) < 50 {
		log.Fatal("WithToken: token invalid")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.Split(token, " ")[1]
	}
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets a custom Logger implementation for your client.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithLogger(myLogger))
//
// Logs fatal and exits if logger is nil.
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithWorkerPool sets a custom workerpool implementation for your client.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithWorkerPool(myWorkerPool))
//
// Logs fatal and exits if workerpool is nil.
func WithWorkerPool(workerPool WorkerPool) clientOption {
	if workerPool == nil {
		log.Fatal("WithWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) {
		c.workerPool = workerPool
	}
}

// WithCacheConfig sets which fields are retained per entity kind in the
// gateway cache projection. Omitting an entity kind disables caching for it
// entirely; an empty field list for a kind retains only its id fields.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithCacheConfig(shardkit.CacheConfig{
//	    shardkit.EntityKindGuild:   {"name", "icon"},
//	    shardkit.EntityKindChannel: {"name", "type", "last_message_id"},
//	}))
func WithCacheConfig(config CacheConfig) clientOption {
	return func(c *Client) {
		c.cacheConfig = config
	}
}

// WithRatelimitOptions configures the REST rate-limit engine.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithRatelimitOptions(shardkit.RatelimitOptions{Code500Retries: 3}))
func WithRatelimitOptions(opts RatelimitOptions) clientOption {
	return func(c *Client) {
		c.ratelimits = opts
	}
}

// WithSharding configures the sharding window this client owns.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithSharding(shardkit.ShardingConfig{TotalBotShards: 4}))
func WithSharding(cfg ShardingConfig) clientOption {
	return func(c *Client) {
		c.sharding = cfg
	}
}

// WithShardOptions configures per-shard connection behavior: spawn delay,
// spawn retries/timeout, large-guild threshold, and gateway URL.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithShardOptions(shardkit.ShardOptions{LargeThreshold: 250}))
func WithShardOptions(opts ShardOptions) clientOption {
	return func(c *Client) {
		c.shardOpts = opts
	}
}

// WithShardsIdentifyRateLimiter sets a custom ShardsIdentifyRateLimiter
// implementation for your client.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithShardsIdentifyRateLimiter(myRateLimiter))
//
// Logs fatal and exits if the provided rateLimiter is nil.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	if rateLimiter == nil {
		log.Fatal("ShardsIdentifyRateLimiter: shardsIdentifyRateLimiter must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rateLimiter
	}
}

// WithIntents sets Gateway intents for the client shards.
//
// Usage:
//
//	y := shardkit.New(ctx, shardkit.WithIntents(GatewayIntentGuilds, GatewayIntentMessageContent))
//
// Also supports bitwise OR usage:
//
//	y := shardkit.New(ctx, shardkit.WithIntents(GatewayIntentGuilds | GatewayIntentMessageContent))
func WithIntents(intents ...GatewayIntent) clientOption {
	var totalIntents GatewayIntent
	for _, intent := range intents {
		totalIntents |= intent
	}
	return func(c *Client) {
		c.intents = totalIntents
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a new Client instance with provided options.
//
// Example:
//
//	y := shardkit.New(ctx,
//	    shardkit.WithToken("my_bot_token"),
//	    shardkit.WithIntents(GatewayIntentGuilds, GatewayIntentMessageContent),
//	    shardkit.WithLogger(myLogger),
//	)
//
// Defaults:
//   - Logger: stdout logger at Info level.
//   - Intents: GatewayIntentGuilds | GatewayIntentGuildMessages | GatewayIntentGuildMembers
func New(ctx context.Context, options ...clientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
	}

	for _, option := range options {
		option(client)
	}

	if client.workerPool == nil {
		client.workerPool = NewDefaultWorkerPool(client.Logger)
	}

	client.restApi = newRestApi(
		newRequester(nil, client.token, client.Logger, client.ratelimits),
		client.Logger,
	)

	if client.cacheConfig == nil {
		client.cacheConfig = CacheConfig{
			EntityKindGuild:   nil,
			EntityKindChannel: nil,
			EntityKindRole:    nil,
			EntityKindUser:    nil,
			EntityKindMember:  nil,
		}
	}
	client.Cache = NewCacheProjection(client.cacheConfig, client.Logger)

	client.dispatcher = newDispatcher(client.Logger, client.workerPool, client.Cache)
	return client
}

/*****************************
 *       Start
 *****************************/

// Start initializes and connects all shards for the client.
//
// It performs the following steps:
//  1. Retrieves Gateway information from Discord.
//  2. Creates and connects shards with appropriate rate limiting.
//  3. Starts listening to Gateway events.
//
// The lifetime of the client is controlled by the context passed to New:
//   - If that context is `nil` or `context.Background()`, Start will block forever,
//     running the client until the program exits.
//   - If it is cancellable (e.g., created via context.WithCancel or context.WithTimeout),
//     the client will run until the context is cancelled or times out.
//     When the context is done, the client will shutdown gracefully and Start will return.
//
// Example usage:
//
//	// Run the client indefinitely (blocks forever)
//	client := shardkit.New(nil, shardkit.WithToken(token))
//	err := client.Start()
//
//	// Run the client with manual cancellation control
//	ctx, cancel := context.WithCancel(context.Background())
//	client := shardkit.New(ctx, shardkit.WithToken(token))
//	go func() {
//	    time.Sleep(time.Hour)
//	    cancel() // stops the client after 1 hour
//	}()
//	err := client.Start()
//
// Returns an error if the client was already started, or if Gateway
// information retrieval or shard connection fails.
func (c *Client) Start() error {
	if c.fleet != nil {
		return newGatewayError(GatewayErrAlreadyConnected, "client already started", nil)
	}

	gatewayBotData, err := c.restApi.FetchGatewayBot()
	if err != nil {
		return err
	}

	if c.identifyLimiter == nil {
		c.identifyLimiter = NewDefaultShardsRateLimiter(gatewayBotData.SessionStartLimit.MaxConcurrency, 5*time.Second)
	}

	c.fleet = newShardFleet(c.token, c.intents, c.shardOpts, c.Logger, c.dispatcher, c.identifyLimiter)
	c.dispatcher.onRaw("GUILD_MEMBERS_CHUNK", func(_ int, data []byte) {
		c.fleet.handleGuildMembersChunk(data)
	})

	if err := c.fleet.Start(c.ctx, gatewayBotData, c.sharding); err != nil {
		return err
	}

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("err", err).Error("Client shutdown due to context error")
	}
	c.Shutdown()
	return nil
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown cleanly shuts down the Client.
//
// It:
//   - Logs shutdown message.
//   - Shuts down the REST API client (closes idle connections).
//   - Shuts down all managed shards.
func (c *Client) Shutdown() {
	c.Logger.Info("Client shutting down")
	c.restApi.Shutdown()
	c.restApi = nil
	c.Logger = nil
	c.workerPool = nil
	if c.fleet != nil {
		c.fleet.Shutdown()
		c.fleet = nil
	}
}

/*****************************
 *   Fleet delegation
 *****************************/

// GuildShard returns the shard id that owns guildID. If ensure is true and
// that shard is not owned by this process, it fails with GATEWAY_NO_SHARD.
func (c *Client) GuildShard(guildID Snowflake, ensure bool) (int, error) {
	return c.fleet.guildShardID(guildID, ensure)
}

// GetGuildMembers requests guild members over the Gateway and blocks until
// every GUILD_MEMBERS_CHUNK answering the request has been received.
func (c *Client) GetGuildMembers(ctx context.Context, guildID Snowflake, opts GuildMembersOpts) (GuildMembersResult, error) {
	return c.fleet.GetGuildMembers(ctx, guildID, opts)
}

// UpdatePresence sends a Gateway presence update on the locally-owned shard
// shardID (presence is per-connection, not per-guild).
func (c *Client) UpdatePresence(shardID int, presence any) error {
	return c.fleet.UpdatePresence(shardID, presence)
}

// UpdatePresenceShards sends a Gateway presence update on each of the given
// locally-owned shard ids.
func (c *Client) UpdatePresenceShards(shardIDs []int, presence any) error {
	return c.fleet.UpdatePresenceShards(shardIDs, presence)
}

// UpdatePresenceAll broadcasts a Gateway presence update on every
// locally-owned shard.
func (c *Client) UpdatePresenceAll(presence any) error {
	return c.fleet.UpdatePresenceAll(presence)
}
