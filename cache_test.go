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

import "testing"

func newTestCache() *CacheProjection {
	return NewCacheProjection(CacheConfig{
		EntityKindGuild:      {"name", "unavailable"},
		EntityKindChannel:    {"name", "last_message_id", "last_pin_timestamp"},
		EntityKindRole:       {"name"},
		EntityKindUser:       {"username"},
		EntityKindMember:     {"nick"},
		EntityKindPresence:   {"status"},
		EntityKindVoiceState: {"mute"},
	}, NewDefaultLogger(nil, LogLevelDebugLevel))
}

func TestCacheProjection_GuildCreate_PopulatesChildren(t *testing.T) {
	cp := newTestCache()

	raw := map[string]any{
		"id":   "100",
		"name": "Test Guild",
		"channels": []any{
			map[string]any{"id": "200", "name": "general"},
		},
		"roles": []any{
			map[string]any{"id": "300", "name": "admin"},
		},
		"members": []any{
			map[string]any{"nick": "bob", "user": map[string]any{"id": "400", "username": "bob_user"}},
		},
	}
	cp.Apply("GUILD_CREATE", 0, raw)

	guild, ok := cp.Guild(100)
	if !ok {
		t.Fatal("expected guild 100 to be cached")
	}
	if guild["name"] != "Test Guild" {
		t.Fatalf("expected guild name to be retained, got %v", guild["name"])
	}

	channel, ok := cp.Channel(200)
	if !ok || channel["name"] != "general" {
		t.Fatalf("expected channel 200 cached with name, got %v, ok=%v", channel, ok)
	}

	role, ok := cp.Role(300)
	if !ok || role["name"] != "admin" {
		t.Fatalf("expected role 300 cached with name, got %v, ok=%v", role, ok)
	}

	member, ok := cp.Member(100, 400)
	if !ok || member["nick"] != "bob" {
		t.Fatalf("expected member 400 cached under guild 100, got %v, ok=%v", member, ok)
	}

	user, ok := cp.User(400)
	if !ok || user["username"] != "bob_user" {
		t.Fatalf("expected user 400 cached with username, got %v, ok=%v", user, ok)
	}
}

func TestCacheProjection_GuildDelete_CascadesChildren(t *testing.T) {
	cp := newTestCache()
	cp.Apply("GUILD_CREATE", 0, map[string]any{
		"id": "100",
		"channels": []any{
			map[string]any{"id": "200", "name": "general"},
		},
		"roles": []any{
			map[string]any{"id": "300", "name": "admin"},
		},
	})

	cp.Apply("GUILD_DELETE", 0, map[string]any{"id": "100"})

	if _, ok := cp.Guild(100); ok {
		t.Fatal("expected guild 100 to be evicted")
	}
	if _, ok := cp.Channel(200); ok {
		t.Fatal("expected channel 200 to be evicted with its guild")
	}
	if _, ok := cp.Role(300); ok {
		t.Fatal("expected role 300 to be evicted with its guild")
	}
}

func TestCacheProjection_GuildDelete_Unavailable_KeepsGuild(t *testing.T) {
	cp := newTestCache()
	cp.Apply("GUILD_CREATE", 0, map[string]any{"id": "100", "name": "Test Guild"})
	cp.Apply("GUILD_DELETE", 0, map[string]any{"id": "100", "unavailable": true})

	guild, ok := cp.Guild(100)
	if !ok {
		t.Fatal("expected guild to survive an unavailable outage, not a real delete")
	}
	if guild["unavailable"] != true {
		t.Fatalf("expected unavailable flag to be recorded, got %v", guild["unavailable"])
	}
}

func TestCacheProjection_ChannelCreate_WritesBackGuildChannelList(t *testing.T) {
	cp := newTestCache()
	cp.Apply("GUILD_CREATE", 0, map[string]any{"id": "100", "name": "Test Guild"})
	cp.Apply("CHANNEL_CREATE", 0, map[string]any{"id": "200", "guild_id": "100", "name": "general"})

	guild, _ := cp.Guild(100)
	channels, _ := guild["channels"].([]any)
	if len(channels) != 1 || channels[0] != "200" {
		t.Fatalf("expected guild's channels list to contain the new channel id, got %v", channels)
	}

	cp.Apply("CHANNEL_DELETE", 0, map[string]any{"id": "200", "guild_id": "100"})
	guild, _ = cp.Guild(100)
	channels, _ = guild["channels"].([]any)
	if len(channels) != 0 {
		t.Fatalf("expected guild's channels list to drop the deleted channel, got %v", channels)
	}
	if _, ok := cp.Channel(200); ok {
		t.Fatal("expected channel 200 to be removed from the flat cache")
	}
}

func TestCacheProjection_RoleCreateDelete_WritesBackGuildRoleList(t *testing.T) {
	cp := newTestCache()
	cp.Apply("GUILD_CREATE", 0, map[string]any{"id": "100"})
	cp.Apply("GUILD_ROLE_CREATE", 0, map[string]any{
		"guild_id": "100",
		"role":     map[string]any{"id": "300", "name": "admin"},
	})

	guild, _ := cp.Guild(100)
	roles, _ := guild["roles"].([]any)
	if len(roles) != 1 || roles[0] != "300" {
		t.Fatalf("expected guild's roles list to contain the new role id, got %v", roles)
	}

	cp.Apply("GUILD_ROLE_DELETE", 0, map[string]any{"guild_id": "100", "role_id": "300"})
	guild, _ = cp.Guild(100)
	roles, _ = guild["roles"].([]any)
	if len(roles) != 0 {
		t.Fatalf("expected guild's roles list to drop the deleted role, got %v", roles)
	}
}

func TestCacheProjection_MemberAddUpdateRemove(t *testing.T) {
	cp := newTestCache()
	cp.Apply("GUILD_MEMBER_ADD", 0, map[string]any{
		"guild_id": "100",
		"nick":     "bob",
		"user":     map[string]any{"id": "400", "username": "bob_user"},
	})

	member, ok := cp.Member(100, 400)
	if !ok || member["nick"] != "bob" {
		t.Fatalf("expected member 400 cached under guild 100 with nick, got %v, ok=%v", member, ok)
	}

	cp.Apply("GUILD_MEMBER_UPDATE", 0, map[string]any{
		"guild_id": "100",
		"nick":     "bobby",
		"user":     map[string]any{"id": "400", "username": "bob_user"},
	})
	member, _ = cp.Member(100, 400)
	if member["nick"] != "bobby" {
		t.Fatalf("expected nick to be updated in place, got %v", member["nick"])
	}

	cp.Apply("GUILD_MEMBER_REMOVE", 0, map[string]any{
		"guild_id": "100",
		"user":     map[string]any{"id": "400"},
	})
	if _, ok := cp.Member(100, 400); ok {
		t.Fatal("expected member 400 to be evicted")
	}
}

func TestCacheProjection_PresenceAndVoiceState(t *testing.T) {
	cp := newTestCache()
	cp.Apply("PRESENCE_UPDATE", 0, map[string]any{
		"guild_id": "100",
		"status":   "online",
		"user":     map[string]any{"id": "400"},
	})
	presence, ok := cp.Presence(100, 400)
	if !ok || presence["status"] != "online" {
		t.Fatalf("expected presence cached with status, got %v, ok=%v", presence, ok)
	}

	cp.Apply("VOICE_STATE_UPDATE", 0, map[string]any{
		"guild_id": "100",
		"user_id":  "400",
		"mute":     true,
	})
	vs, ok := cp.VoiceState(100, 400)
	if !ok || vs["mute"] != true {
		t.Fatalf("expected voice state cached with mute, got %v, ok=%v", vs, ok)
	}
}

func TestCacheProjection_MessageCreate_UpdatesLastMessageID(t *testing.T) {
	cp := newTestCache()
	cp.Apply("MESSAGE_CREATE", 0, map[string]any{
		"id":         "999",
		"channel_id": "200",
	})
	channel, ok := cp.Channel(200)
	if !ok || channel["last_message_id"] != "999" {
		t.Fatalf("expected channel's last_message_id to be updated, got %v, ok=%v", channel, ok)
	}
}

func TestCacheProjection_DisabledKind_NeverCached(t *testing.T) {
	cp := NewCacheProjection(CacheConfig{EntityKindGuild: nil}, NewDefaultLogger(nil, LogLevelDebugLevel))
	cp.Apply("CHANNEL_CREATE", 0, map[string]any{"id": "200", "guild_id": "100", "name": "general"})
	if _, ok := cp.Channel(200); ok {
		t.Fatal("expected channel kind not present in config to never be cached")
	}
}

func TestCacheProjection_UnknownEvent_NoOp(t *testing.T) {
	cp := newTestCache()
	// STAGE_INSTANCE_CREATE has no dedicated cache kind; Apply must not panic
	// and must leave the projection untouched.
	cp.Apply("STAGE_INSTANCE_CREATE", 0, map[string]any{"id": "500", "guild_id": "100"})
	if _, ok := cp.Guild(100); ok {
		t.Fatal("expected no guild to be created as a side effect of an unprojected event")
	}
}
