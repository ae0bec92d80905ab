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

// Presence is a user's update presence, as delivered on PRESENCE_UPDATE
// dispatches and inside GUILD_MEMBERS_CHUNK when requested with presences=true.
//
// Reference: https://discord.com/developers/docs/events/gateway-events#presence-update
type Presence struct {
	// User carries at minimum the id of the user this presence belongs to;
	// Discord only sends the full user object on profile changes.
	User User `json:"user"`

	// GuildID is the guild this presence update is for.
	GuildID Snowflake `json:"guild_id"`

	// Status is the user's platform-wide status: "online", "dnd", "idle",
	// "invisible", or "offline".
	Status string `json:"status"`

	// Activities is the user's current activities.
	Activities []Activity `json:"activities"`

	// ClientStatus is the user's platform-dependent status.
	ClientStatus ClientStatus `json:"client_status"`
}

// Activity describes a single user activity (game, stream, custom status...).
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// ClientStatus is a user's status broken down per active client platform.
type ClientStatus struct {
	Desktop string `json:"desktop,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Web     string `json:"web,omitempty"`
}
