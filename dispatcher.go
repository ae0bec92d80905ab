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
	"os"
	"runtime/debug"
	"sync"

	"github.com/bytedance/sonic"
)

/*****************************
 *   EventhandlersManager
 *****************************/

// eventhandlersManager defines the interface for managing event handlers of a specific event type.
//
// Implementations must support adding handlers and dispatching raw JSON event data to those handlers.
type eventhandlersManager interface {
	// handleEvent unmarshals the raw JSON data and calls all registered handlers.
	handleEvent(shardID int, buf []byte)
	// addHandler adds a new handler function for the event type.
	addHandler(handler any)
}

/*****************************
 *        dispatcher
 *****************************/

// dispatcher manages registration of event handlers and dispatching of events.
//
// It stores handlers by event name string and invokes the correct handlers for incoming events.
//
// WARNING:
//   - This implementation is not fully thread-safe for handler registration. You must register
//     all handlers sequentially before starting event dispatching (usually at startup).
//   - The cache projection is applied synchronously, in the calling goroutine, before an event
//     is fanned out to subscribers — this preserves the shard's socket ordering for cache
//     writes even though subscriber fan-out itself runs on the worker pool.
type dispatcher struct {
	logger           Logger
	cache            *CacheProjection
	workerPool       WorkerPool
	handlersManagers map[string]eventhandlersManager
	mu               sync.RWMutex

	// rawHooks receive every raw dispatch payload synchronously, ahead of
	// the worker-pool fan-out, keyed by event name. Used by the shard
	// fleet to accumulate GUILD_MEMBERS_CHUNK without needing a typed
	// subscriber registration.
	rawHooks map[string][]func(shardID int, data []byte)
}

// newDispatcher creates a new dispatcher instance.
//
// If logger is nil, it creates a default logger that writes to os.Stdout with info-level logging.
func newDispatcher(logger Logger, workerPool WorkerPool, cache *CacheProjection) *dispatcher {
	if logger == nil {
		logger = NewDefaultLogger(os.Stdout, LogLevelInfoLevel)
	}
	if workerPool == nil {
		workerPool = NewDefaultWorkerPool(logger)
	}
	d := &dispatcher{
		logger:           logger,
		workerPool:       workerPool,
		cache:            cache,
		handlersManagers: make(map[string]eventhandlersManager, 20),
		rawHooks:         make(map[string][]func(shardID int, data []byte)),
	}

	d.handlersManagers["READY"] = &readyHandlers{logger: logger}
	d.handlersManagers["GUILD_CREATE"] = &guildCreateHandlers{logger: logger}

	return d
}

/*****************************
 *     Dispatch Event
 *****************************/

// dispatch applies the cache projection for this event (synchronously, in
// socket order) and then fans the raw event out to subscriber handlers on
// the worker pool.
//
// The eventName must exactly match the Discord event string (e.g., "MESSAGE_CREATE").
func (d *dispatcher) dispatch(shardID int, eventName string, data []byte) {
	d.logger.Debug("Event '" + eventName + "' dispatched")

	if d.cache != nil {
		var raw map[string]any
		if err := sonic.Unmarshal(data, &raw); err == nil {
			d.cache.Apply(eventName, shardID, raw)
		} else {
			d.logger.Debug("dispatcher: failed decoding '" + eventName + "' for cache projection: " + err.Error())
		}
	}

	d.mu.RLock()
	hooks := d.rawHooks[eventName]
	d.mu.RUnlock()
	for _, hook := range hooks {
		hook(shardID, data)
	}

	if !d.workerPool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("event", eventName).
					WithField("shard_id", shardID).
					WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("Recovered from panic while handling event")
			}
		}()

		d.mu.RLock()
		hm, ok := d.handlersManagers[eventName]
		d.mu.RUnlock()

		if ok {
			hm.handleEvent(shardID, data)
		}
	}) {
		d.logger.Warn("Dispatcher: dropped event '" + eventName + "' due to full queue")
	}
}

// onRaw registers a hook invoked synchronously with the raw payload of
// every dispatch matching eventName, ahead of the worker-pool fan-out.
func (d *dispatcher) onRaw(eventName string, hook func(shardID int, data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawHooks[eventName] = append(d.rawHooks[eventName], hook)
}

/*****************************
 *      Register Handlers
 *****************************/

// OnMessageCreate registers a handler function for 'MESSAGE_CREATE' events.
//
// Note:
//   - This method is thread-safe via internal locking.
//   - However, it is strongly recommended to register all event handlers sequentially during startup,
//     before starting event dispatching, to avoid runtime mutations and ensure stable configuration.
//   - Handlers are called sequentially when dispatching in the order they were added.
func (d *dispatcher) OnMessageCreate(h func(MessageCreateEvent)) {
	const key = "MESSAGE_CREATE"
	d.logger.Debug(key + " event handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()

	hm, ok := d.handlersManagers[key]
	if !ok {
		hm = &messageCreateHandlers{logger: d.logger}
		d.handlersManagers[key] = hm
	}
	hm.addHandler(h)
}

// OnMessageDelete registers a handler function for 'MESSAGE_DELETE' events.
func (d *dispatcher) OnMessageDelete(h func(MessageDeleteEvent)) {
	const key = "MESSAGE_DELETE"
	d.logger.Debug(key + " event handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()

	hm, ok := d.handlersManagers[key]
	if !ok {
		hm = &messageDeleteHandlers{logger: d.logger}
		d.handlersManagers[key] = hm
	}
	hm.addHandler(h)
}

// OnMessageUpdate registers a handler function for 'MESSAGE_UPDATE' events.
func (d *dispatcher) OnMessageUpdate(h func(MessageUpdateEvent)) {
	const key = "MESSAGE_UPDATE"
	d.logger.Debug(key + " event handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()

	hm, ok := d.handlersManagers[key]
	if !ok {
		hm = &messageUpdateHandlers{logger: d.logger}
		d.handlersManagers[key] = hm
	}
	hm.addHandler(h)
}

// OnVoiceStateUpdate registers a handler function for 'VOICE_STATE_UPDATE' events.
func (d *dispatcher) OnVoiceStateUpdate(h func(VoiceStateUpdateEvent)) {
	const key = "VOICE_STATE_UPDATE"
	d.logger.Debug(key + " event handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()

	hm, ok := d.handlersManagers[key]
	if !ok {
		hm = &voiceStateUpdateHandlers{logger: d.logger}
		d.handlersManagers[key] = hm
	}
	hm.addHandler(h)
}

// OnReady registers a handler function for 'READY' events.
func (d *dispatcher) OnReady(h func(ReadyEvent)) {
	const key = "READY"
	d.logger.Debug(key + " event handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()

	hm, ok := d.handlersManagers[key]
	if !ok {
		hm = &readyHandlers{logger: d.logger}
		d.handlersManagers[key] = hm
	}
	hm.addHandler(h)
}

// OnGuildCreate registers a handler function for 'GUILD_CREATE' events.
func (d *dispatcher) OnGuildCreate(h func(GuildCreateEvent)) {
	const key = "GUILD_CREATE"
	d.logger.Debug(key + " event handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()

	hm, ok := d.handlersManagers[key]
	if !ok {
		hm = &guildCreateHandlers{logger: d.logger}
		d.handlersManagers[key] = hm
	}
	hm.addHandler(h)
}
