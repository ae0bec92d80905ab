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

import "encoding/json"

// eventhandlersManager types parse raw dispatch JSON into a typed event and
// fan it out to registered subscriber callbacks. They never touch the
// cache: the CacheProjection is applied synchronously by the dispatcher
// ahead of fan-out, so subscribers always observe a consistent cache.

/*****************************
 *   READY Handler
 *****************************/

type readyHandlers struct {
	logger   Logger
	handlers []func(ReadyEvent)
}

func (h *readyHandlers) handleEvent(shardID int, data []byte) {
	evt := ReadyEvent{ShardsID: shardID}
	if err := json.Unmarshal(data, &evt); err != nil {
		h.logger.Error("readyHandlers: Failed parsing event data")
		return
	}
	for _, handler := range h.handlers {
		handler(evt)
	}
}

// addHandler registers a new READY handler function.
//
// This method is not thread-safe.
func (h *readyHandlers) addHandler(handler any) {
	h.handlers = append(h.handlers, handler.(func(ReadyEvent)))
}

/*****************************
 *   GUILD_CREATE Handler
 *****************************/

type guildCreateHandlers struct {
	logger   Logger
	handlers []func(GuildCreateEvent)
}

func (h *guildCreateHandlers) handleEvent(shardID int, data []byte) {
	evt := GuildCreateEvent{ShardsID: shardID}
	if err := json.Unmarshal(data, &evt.Guild); err != nil {
		h.logger.Error("guildCreateHandlers: Failed parsing event data")
		return
	}
	for _, handler := range h.handlers {
		handler(evt)
	}
}

// addHandler registers a new GUILD_CREATE handler function.
//
// This method is not thread-safe.
func (h *guildCreateHandlers) addHandler(handler any) {
	h.handlers = append(h.handlers, handler.(func(GuildCreateEvent)))
}

/*****************************
 *   MESSAGE_CREATE Handler
 *****************************/

type messageCreateHandlers struct {
	logger   Logger
	handlers []func(MessageCreateEvent)
}

func (h *messageCreateHandlers) handleEvent(shardID int, data []byte) {
	evt := MessageCreateEvent{ShardsID: shardID}
	if err := json.Unmarshal(data, &evt.Message); err != nil {
		h.logger.Error("messageCreateHandlers: Failed parsing event data")
		return
	}
	for _, handler := range h.handlers {
		handler(evt)
	}
}

// addHandler registers a new MESSAGE_CREATE handler function.
//
// This method is not thread-safe.
func (h *messageCreateHandlers) addHandler(handler any) {
	h.handlers = append(h.handlers, handler.(func(MessageCreateEvent)))
}

/*****************************
 *   MESSAGE_DELETE Handler
 *****************************/

type messageDeleteHandlers struct {
	logger   Logger
	handlers []func(MessageDeleteEvent)
}

func (h *messageDeleteHandlers) handleEvent(shardID int, data []byte) {
	evt := MessageDeleteEvent{ShardsID: shardID}
	if err := json.Unmarshal(data, &evt.Message); err != nil {
		h.logger.Error("messageDeleteHandlers: Failed parsing event data")
		return
	}
	for _, handler := range h.handlers {
		handler(evt)
	}
}

// addHandler registers a new MESSAGE_DELETE handler function.
//
// This method is not thread-safe.
func (h *messageDeleteHandlers) addHandler(handler any) {
	h.handlers = append(h.handlers, handler.(func(MessageDeleteEvent)))
}

/*****************************
 *   MESSAGE_UPDATE Handler
 *****************************/

type messageUpdateHandlers struct {
	logger   Logger
	handlers []func(MessageUpdateEvent)
}

func (h *messageUpdateHandlers) handleEvent(shardID int, data []byte) {
	evt := MessageUpdateEvent{ShardsID: shardID}
	if err := json.Unmarshal(data, &evt.NewMessage); err != nil {
		h.logger.Error("messageUpdateHandlers: Failed parsing event data")
		return
	}
	for _, handler := range h.handlers {
		handler(evt)
	}
}

// addHandler registers a new MESSAGE_UPDATE handler function.
//
// This method is not thread-safe.
func (h *messageUpdateHandlers) addHandler(handler any) {
	h.handlers = append(h.handlers, handler.(func(MessageUpdateEvent)))
}

/*****************************
 * VOICE_STATE_UPDATE Handler
 *****************************/

type voiceStateUpdateHandlers struct {
	logger   Logger
	handlers []func(VoiceStateUpdateEvent)
}

func (h *voiceStateUpdateHandlers) handleEvent(shardID int, data []byte) {
	evt := VoiceStateUpdateEvent{ShardsID: shardID}
	if err := json.Unmarshal(data, &evt.NewState); err != nil {
		h.logger.Error("voiceStateUpdateHandlers: Failed parsing event data")
		return
	}
	for _, handler := range h.handlers {
		handler(evt)
	}
}

// addHandler registers a new VOICE_STATE_UPDATE handler function.
//
// This method is not thread-safe.
func (h *voiceStateUpdateHandlers) addHandler(handler any) {
	h.handlers = append(h.handlers, handler.(func(VoiceStateUpdateEvent)))
}
