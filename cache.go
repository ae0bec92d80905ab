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
	"strings"
	"sync"
)

// EntityKind names one of the cacheable dispatch-derived entity types.
type EntityKind string

const (
	EntityKindChannel    EntityKind = "channel"
	EntityKindGuild      EntityKind = "guild"
	EntityKindMember     EntityKind = "member"
	EntityKindPresence   EntityKind = "presence"
	EntityKindRole       EntityKind = "role"
	EntityKindUser       EntityKind = "user"
	EntityKindVoiceState EntityKind = "voice_state"
)

// CacheConfig maps each entity kind to the wire field names retained for it.
// A kind absent from the map is never cached. A kind present with an empty
// slice retains only its id-style fields.
type CacheConfig map[EntityKind][]string

// Record is a partial snapshot of a cached entity, keyed by Discord wire
// field name. Only user-selected fields (plus id-style fields) survive.
type Record map[string]any

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// isAlwaysKeptField reports whether a field is an id-style field, which is
// retained regardless of the configured allowlist.
func isAlwaysKeptField(name string) bool {
	return name == "id" || strings.HasSuffix(name, "_id")
}

func filterFields(allowed map[string]struct{}, raw map[string]any) Record {
	out := make(Record, len(raw))
	for k, v := range raw {
		if isAlwaysKeptField(k) {
			out[k] = v
			continue
		}
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

func dedupIDList(ids []any) []any {
	seen := make(map[any]struct{}, len(ids))
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func snowflakeFromAny(v any) (Snowflake, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, false
	}
	sf, err := ParseSnowflake(s)
	if err != nil {
		return 0, false
	}
	return sf, true
}

// CacheProjection is the event-driven, field-selective cache described by
// the gateway projection: it subscribes to the raw dispatch stream ahead of
// per-event subscriber fan-out and keeps partial, id-indexed snapshots of
// the entity kinds the caller has enabled.
type CacheProjection struct {
	logger  Logger
	allowed map[EntityKind]map[string]struct{}

	mu          sync.RWMutex
	channels    map[Snowflake]Record
	guilds      map[Snowflake]Record
	roles       map[Snowflake]Record
	users       map[Snowflake]Record
	members     map[Snowflake]map[Snowflake]Record
	presences   map[Snowflake]map[Snowflake]Record
	voiceStates map[Snowflake]map[Snowflake]Record
}

// NewCacheProjection builds a projection from a closed per-entity-kind field
// configuration. Kinds not present in config are never populated.
func NewCacheProjection(config CacheConfig, logger Logger) *CacheProjection {
	allowed := make(map[EntityKind]map[string]struct{}, len(config))
	for kind, fields := range config {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[f] = struct{}{}
		}
		allowed[kind] = set
	}
	return &CacheProjection{
		logger:      logger,
		allowed:     allowed,
		channels:    make(map[Snowflake]Record),
		guilds:      make(map[Snowflake]Record),
		roles:       make(map[Snowflake]Record),
		users:       make(map[Snowflake]Record),
		members:     make(map[Snowflake]map[Snowflake]Record),
		presences:   make(map[Snowflake]map[Snowflake]Record),
		voiceStates: make(map[Snowflake]map[Snowflake]Record),
	}
}

func (cp *CacheProjection) enabled(kind EntityKind) bool {
	_, ok := cp.allowed[kind]
	return ok
}

/***********************
 *   Flat upsert/del   *
 ***********************/

func (cp *CacheProjection) upsertFlat(kind EntityKind, store map[Snowflake]Record, id Snowflake, fields map[string]any) {
	allowed, ok := cp.allowed[kind]
	if !ok {
		return
	}
	filtered := filterFields(allowed, fields)
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if existing, has := store[id]; has {
		for k, v := range filtered {
			existing[k] = v
		}
		store[id] = existing
		return
	}
	filtered["id"] = id.String()
	store[id] = filtered
}

func (cp *CacheProjection) removeFlat(store map[Snowflake]Record, id Snowflake) {
	cp.mu.Lock()
	delete(store, id)
	cp.mu.Unlock()
}

func (cp *CacheProjection) getFlat(store map[Snowflake]Record, id Snowflake) (Record, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	rec, ok := store[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

/*************************
 *   Nested upsert/del    *
 *************************/

func (cp *CacheProjection) upsertNested(kind EntityKind, store map[Snowflake]map[Snowflake]Record, guildID, entityID Snowflake, fields map[string]any) {
	allowed, ok := cp.allowed[kind]
	if !ok {
		return
	}
	filtered := filterFields(allowed, fields)
	cp.mu.Lock()
	defer cp.mu.Unlock()
	inner, ok := store[guildID]
	if !ok {
		inner = make(map[Snowflake]Record)
		store[guildID] = inner
	}
	if existing, has := inner[entityID]; has {
		for k, v := range filtered {
			existing[k] = v
		}
		inner[entityID] = existing
		return
	}
	filtered["user_id"] = entityID.String()
	filtered["guild_id"] = guildID.String()
	inner[entityID] = filtered
}

func (cp *CacheProjection) removeNested(store map[Snowflake]map[Snowflake]Record, guildID, entityID Snowflake) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	inner, ok := store[guildID]
	if !ok {
		return
	}
	delete(inner, entityID)
	if len(inner) == 0 {
		delete(store, guildID)
	}
}

func (cp *CacheProjection) getNested(store map[Snowflake]map[Snowflake]Record, guildID, entityID Snowflake) (Record, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	inner, ok := store[guildID]
	if !ok {
		return nil, false
	}
	rec, ok := inner[entityID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

/***********************
 *   Public accessors  *
 ***********************/

func (cp *CacheProjection) Channel(id Snowflake) (Record, bool) { return cp.getFlat(cp.channels, id) }
func (cp *CacheProjection) Guild(id Snowflake) (Record, bool)   { return cp.getFlat(cp.guilds, id) }
func (cp *CacheProjection) Role(id Snowflake) (Record, bool)    { return cp.getFlat(cp.roles, id) }
func (cp *CacheProjection) User(id Snowflake) (Record, bool)    { return cp.getFlat(cp.users, id) }

func (cp *CacheProjection) Member(guildID, userID Snowflake) (Record, bool) {
	return cp.getNested(cp.members, guildID, userID)
}
func (cp *CacheProjection) Presence(guildID, userID Snowflake) (Record, bool) {
	return cp.getNested(cp.presences, guildID, userID)
}
func (cp *CacheProjection) VoiceState(guildID, userID Snowflake) (Record, bool) {
	return cp.getNested(cp.voiceStates, guildID, userID)
}

// GuildMembers returns a snapshot of every member cached for guildID.
func (cp *CacheProjection) GuildMembers(guildID Snowflake) map[Snowflake]Record {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	inner, ok := cp.members[guildID]
	if !ok {
		return nil
	}
	out := make(map[Snowflake]Record, len(inner))
	for id, rec := range inner {
		out[id] = rec.clone()
	}
	return out
}

/*********************************
 *   Dispatch rule application   *
 *********************************/

// Apply updates the projection from one raw dispatch payload. It must run
// synchronously, in the shard's socket order, before the event is fanned
// out to subscribers.
func (cp *CacheProjection) Apply(eventName string, shardID int, raw map[string]any) {
	if len(cp.allowed) == 0 {
		return
	}
	switch eventName {
	case "READY":
		cp.applyReady(raw)
	case "GUILD_CREATE", "GUILD_UPDATE":
		cp.applyGuildUpsert(raw)
	case "GUILD_DELETE":
		cp.applyGuildDelete(raw)
	case "CHANNEL_CREATE", "THREAD_CREATE":
		cp.applyChannelCreate(raw)
	case "CHANNEL_UPDATE", "THREAD_UPDATE":
		if id, ok := snowflakeFromAny(raw["id"]); ok {
			cp.upsertFlat(EntityKindChannel, cp.channels, id, raw)
		}
	case "CHANNEL_DELETE", "THREAD_DELETE":
		cp.applyChannelDelete(raw)
	case "CHANNEL_PINS_UPDATE":
		cp.applyChannelPinsUpdate(raw)
	case "GUILD_ROLE_CREATE", "GUILD_ROLE_UPDATE":
		cp.applyRoleUpsert(raw)
	case "GUILD_ROLE_DELETE":
		cp.applyRoleDelete(raw)
	case "GUILD_MEMBER_ADD", "GUILD_MEMBER_UPDATE":
		cp.applyMemberUpsert(raw)
	case "GUILD_MEMBER_REMOVE":
		cp.applyMemberRemove(raw)
	case "GUILD_MEMBERS_CHUNK":
		cp.applyMembersChunk(raw)
	case "MESSAGE_CREATE":
		cp.applyMessageCreate(raw)
	case "PRESENCE_UPDATE":
		cp.applyPresenceUpdate(raw)
	case "USER_UPDATE":
		if id, ok := snowflakeFromAny(raw["id"]); ok {
			cp.upsertFlat(EntityKindUser, cp.users, id, raw)
		}
	case "VOICE_STATE_UPDATE":
		cp.applyVoiceStateUpdate(raw)
	case "GUILD_EMOJIS_UPDATE":
		cp.applyGuildListField(raw, "emojis")
	case "GUILD_STICKERS_UPDATE":
		cp.applyGuildListField(raw, "stickers")
	default:
		// STAGE_INSTANCE_* and GUILD_SCHEDULED_EVENT_* carry no dedicated
		// cache kind in the closed entity-kind set; they are delivered to
		// subscribers but not projected.
	}
}

func (cp *CacheProjection) applyReady(raw map[string]any) {
	if guildsRaw, ok := raw["guilds"].([]any); ok {
		for _, g := range guildsRaw {
			gm, ok := g.(map[string]any)
			if !ok {
				continue
			}
			id, ok := snowflakeFromAny(gm["id"])
			if !ok {
				continue
			}
			cp.upsertFlat(EntityKindGuild, cp.guilds, id, map[string]any{})
		}
	}
	if userRaw, ok := raw["user"].(map[string]any); ok {
		if id, ok := snowflakeFromAny(userRaw["id"]); ok {
			cp.upsertFlat(EntityKindUser, cp.users, id, userRaw)
		}
	}
}

func (cp *CacheProjection) applyGuildUpsert(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["id"])
	if !ok {
		return
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = v
	}

	if channelsRaw, ok := raw["channels"].([]any); ok {
		ids := make([]any, 0, len(channelsRaw))
		for _, c := range channelsRaw {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			cid, ok := snowflakeFromAny(cm["id"])
			if !ok {
				continue
			}
			cm["guild_id"] = guildID.String()
			cp.upsertFlat(EntityKindChannel, cp.channels, cid, cm)
			ids = append(ids, cid.String())
		}
		fields["channels"] = dedupIDList(ids)
	}

	if rolesRaw, ok := raw["roles"].([]any); ok {
		ids := make([]any, 0, len(rolesRaw))
		for _, r := range rolesRaw {
			rm, ok := r.(map[string]any)
			if !ok {
				continue
			}
			rid, ok := snowflakeFromAny(rm["id"])
			if !ok {
				continue
			}
			rm["guild_id"] = guildID.String()
			cp.upsertFlat(EntityKindRole, cp.roles, rid, rm)
			ids = append(ids, rid.String())
		}
		fields["roles"] = dedupIDList(ids)
	}

	if membersRaw, ok := raw["members"].([]any); ok {
		ids := make([]any, 0, len(membersRaw))
		for _, m := range membersRaw {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			userRaw, ok := mm["user"].(map[string]any)
			if !ok {
				continue
			}
			uid, ok := snowflakeFromAny(userRaw["id"])
			if !ok {
				continue
			}
			mm["guild_id"] = guildID.String()
			cp.upsertNested(EntityKindMember, cp.members, guildID, uid, mm)
			cp.upsertFlat(EntityKindUser, cp.users, uid, userRaw)
			ids = append(ids, uid.String())
		}
		fields["members"] = dedupIDList(ids)
	}

	if presencesRaw, ok := raw["presences"].([]any); ok {
		for _, p := range presencesRaw {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			userRaw, ok := pm["user"].(map[string]any)
			if !ok {
				continue
			}
			uid, ok := snowflakeFromAny(userRaw["id"])
			if !ok {
				continue
			}
			pm["guild_id"] = guildID.String()
			cp.upsertNested(EntityKindPresence, cp.presences, guildID, uid, pm)
		}
	}

	if voiceStatesRaw, ok := raw["voice_states"].([]any); ok {
		for _, v := range voiceStatesRaw {
			vm, ok := v.(map[string]any)
			if !ok {
				continue
			}
			uid, ok := snowflakeFromAny(vm["user_id"])
			if !ok {
				continue
			}
			vm["guild_id"] = guildID.String()
			cp.upsertNested(EntityKindVoiceState, cp.voiceStates, guildID, uid, vm)
		}
	}

	cp.upsertFlat(EntityKindGuild, cp.guilds, guildID, fields)
}

func (cp *CacheProjection) applyGuildDelete(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["id"])
	if !ok {
		return
	}
	if unavailable, _ := raw["unavailable"].(bool); unavailable {
		cp.upsertFlat(EntityKindGuild, cp.guilds, guildID, raw)
		return
	}

	gidStr := guildID.String()
	cp.mu.Lock()
	delete(cp.guilds, guildID)
	for id, rec := range cp.channels {
		if gid, _ := rec["guild_id"].(string); gid == gidStr {
			delete(cp.channels, id)
		}
	}
	for id, rec := range cp.roles {
		if gid, _ := rec["guild_id"].(string); gid == gidStr {
			delete(cp.roles, id)
		}
	}
	delete(cp.members, guildID)
	delete(cp.presences, guildID)
	delete(cp.voiceStates, guildID)
	cp.mu.Unlock()
}

// mutateGuildIDList reads the guild's current list field, applies mutate,
// and writes the result back onto the stored record. This is the explicit
// write-back the projection requires: read-only filtered copies must never
// be discarded without reassignment.
func (cp *CacheProjection) mutateGuildIDList(guildID Snowflake, field string, mutate func(existing []any) []any) {
	if !cp.enabled(EntityKindGuild) {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	rec, ok := cp.guilds[guildID]
	if !ok {
		return
	}
	existing, _ := rec[field].([]any)
	rec[field] = mutate(existing)
	cp.guilds[guildID] = rec
}

func (cp *CacheProjection) applyChannelCreate(raw map[string]any) {
	channelID, ok := snowflakeFromAny(raw["id"])
	if !ok {
		return
	}
	cp.upsertFlat(EntityKindChannel, cp.channels, channelID, raw)
	if guildID, ok := snowflakeFromAny(raw["guild_id"]); ok {
		idStr := channelID.String()
		cp.mutateGuildIDList(guildID, "channels", func(existing []any) []any {
			merged := append([]any{idStr}, existing...)
			return dedupIDList(merged)
		})
	}
}

func (cp *CacheProjection) applyChannelDelete(raw map[string]any) {
	channelID, ok := snowflakeFromAny(raw["id"])
	if !ok {
		return
	}
	cp.removeFlat(cp.channels, channelID)
	if guildID, ok := snowflakeFromAny(raw["guild_id"]); ok {
		idStr := channelID.String()
		cp.mutateGuildIDList(guildID, "channels", func(existing []any) []any {
			out := make([]any, 0, len(existing))
			for _, id := range existing {
				if id != idStr {
					out = append(out, id)
				}
			}
			return out
		})
	}
}

func (cp *CacheProjection) applyChannelPinsUpdate(raw map[string]any) {
	channelID, ok := snowflakeFromAny(raw["channel_id"])
	if !ok {
		return
	}
	cp.upsertFlat(EntityKindChannel, cp.channels, channelID, map[string]any{
		"last_pin_timestamp": raw["last_pin_timestamp"],
	})
}

func (cp *CacheProjection) applyRoleUpsert(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	roleRaw, ok := raw["role"].(map[string]any)
	if !ok {
		return
	}
	roleID, ok := snowflakeFromAny(roleRaw["id"])
	if !ok {
		return
	}
	roleRaw["guild_id"] = guildID.String()
	cp.upsertFlat(EntityKindRole, cp.roles, roleID, roleRaw)
	idStr := roleID.String()
	cp.mutateGuildIDList(guildID, "roles", func(existing []any) []any {
		merged := append([]any{idStr}, existing...)
		return dedupIDList(merged)
	})
}

func (cp *CacheProjection) applyRoleDelete(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	roleID, ok := snowflakeFromAny(raw["role_id"])
	if !ok {
		return
	}
	cp.removeFlat(cp.roles, roleID)
	idStr := roleID.String()
	cp.mutateGuildIDList(guildID, "roles", func(existing []any) []any {
		out := make([]any, 0, len(existing))
		for _, id := range existing {
			if id != idStr {
				out = append(out, id)
			}
		}
		return out
	})
}

func (cp *CacheProjection) applyMemberUpsert(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	userRaw, ok := raw["user"].(map[string]any)
	if !ok {
		return
	}
	userID, ok := snowflakeFromAny(userRaw["id"])
	if !ok {
		return
	}
	cp.upsertNested(EntityKindMember, cp.members, guildID, userID, raw)
	cp.upsertFlat(EntityKindUser, cp.users, userID, userRaw)
}

func (cp *CacheProjection) applyMemberRemove(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	userRaw, ok := raw["user"].(map[string]any)
	if !ok {
		return
	}
	userID, ok := snowflakeFromAny(userRaw["id"])
	if !ok {
		return
	}
	cp.removeNested(cp.members, guildID, userID)
	idStr := userID.String()
	cp.mutateGuildIDList(guildID, "members", func(existing []any) []any {
		out := make([]any, 0, len(existing))
		for _, id := range existing {
			if id != idStr {
				out = append(out, id)
			}
		}
		return out
	})
}

func (cp *CacheProjection) applyMembersChunk(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	if membersRaw, ok := raw["members"].([]any); ok {
		for _, m := range membersRaw {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			mm["guild_id"] = guildID.String()
			userRaw, ok := mm["user"].(map[string]any)
			if !ok {
				continue
			}
			uid, ok := snowflakeFromAny(userRaw["id"])
			if !ok {
				continue
			}
			cp.upsertNested(EntityKindMember, cp.members, guildID, uid, mm)
			cp.upsertFlat(EntityKindUser, cp.users, uid, userRaw)
		}
	}
	if presencesRaw, ok := raw["presences"].([]any); ok {
		for _, p := range presencesRaw {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			pm["guild_id"] = guildID.String()
			userRaw, ok := pm["user"].(map[string]any)
			if !ok {
				continue
			}
			uid, ok := snowflakeFromAny(userRaw["id"])
			if !ok {
				continue
			}
			cp.upsertNested(EntityKindPresence, cp.presences, guildID, uid, pm)
		}
	}
}

func (cp *CacheProjection) applyMessageCreate(raw map[string]any) {
	channelID, ok := snowflakeFromAny(raw["channel_id"])
	if !ok {
		return
	}
	cp.upsertFlat(EntityKindChannel, cp.channels, channelID, map[string]any{
		"last_message_id": raw["id"],
	})
}

func (cp *CacheProjection) applyPresenceUpdate(raw map[string]any) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	userRaw, ok := raw["user"].(map[string]any)
	if !ok {
		return
	}
	userID, ok := snowflakeFromAny(userRaw["id"])
	if !ok {
		return
	}
	cp.upsertNested(EntityKindPresence, cp.presences, guildID, userID, raw)
}

func (cp *CacheProjection) applyVoiceStateUpdate(raw map[string]any) {
	userID, ok := snowflakeFromAny(raw["user_id"])
	if !ok {
		return
	}
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		// Voice states outside a guild (DM calls) aren't representable in
		// the guild-scoped nested map; they are not projected.
		return
	}
	cp.upsertNested(EntityKindVoiceState, cp.voiceStates, guildID, userID, raw)
}

func (cp *CacheProjection) applyGuildListField(raw map[string]any, field string) {
	guildID, ok := snowflakeFromAny(raw["guild_id"])
	if !ok {
		return
	}
	cp.upsertFlat(EntityKindGuild, cp.guilds, guildID, map[string]any{
		field: raw[field],
	})
}
