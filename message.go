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
	"encoding/json"
	"time"
)

// MessageType is the type of a Discord message.
type MessageType int

const (
	MessageTypeDefault                     MessageType = 0
	MessageTypeReply                       MessageType = 19
	MessageTypeChatInputCommand            MessageType = 20
	MessageTypeThreadStarterMessage        MessageType = 21
	MessageTypeContextMenuCommand          MessageType = 23
	MessageTypeAutoModerationAction        MessageType = 24
)

// MessageFlags holds bitwise message flags.
type MessageFlags int

const (
	// MessageFlagCrossposted indicates the message has been published to a
	// subscribed announcement channel.
	MessageFlagCrossposted MessageFlags = 1 << 0

	// MessageFlagIsCrosspost indicates this message originated from a
	// subscribed announcement channel.
	MessageFlagIsCrosspost MessageFlags = 1 << 1

	// MessageFlagSuppressEmbeds indicates embeds were suppressed for this message.
	MessageFlagSuppressEmbeds MessageFlags = 1 << 2

	// MessageFlagEphemeral indicates the message is only visible to the user
	// who triggered the interaction.
	MessageFlagEphemeral MessageFlags = 1 << 6

	// MessageFlagSuppressNotifications indicates this message does not
	// trigger push and desktop notifications.
	MessageFlagSuppressNotifications MessageFlags = 1 << 12
)

func (f MessageFlags) Has(bits ...MessageFlags) bool {
	return BitFieldHas(f, bits...)
}

// MessageReference points at a replied-to or forwarded message.
type MessageReference struct {
	MessageID Snowflake `json:"message_id,omitempty"`
	ChannelID Snowflake `json:"channel_id,omitempty"`
	GuildID   Snowflake `json:"guild_id,omitempty"`
}

// MessageReaction is one distinct reaction entry on a message.
type MessageReaction struct {
	Count int   `json:"count"`
	Me    bool  `json:"me"`
	Emoji Emoji `json:"emoji"`
}

// Message represents a Discord message. The gateway cache projection never
// stores full Message objects; MESSAGE_CREATE only advances the owning
// channel's last_message_id. Message is populated straight off the dispatch
// payload for subscriber handlers.
type Message struct {
	EntityBase

	// ID is the message's unique Discord snowflake ID.
	ID Snowflake `json:"id"`

	// ChannelID is the channel this message was sent in.
	ChannelID Snowflake `json:"channel_id"`

	// GuildID is the guild this message was sent in.
	//
	// Optional:
	//  - Zero if the message was sent in a DM.
	GuildID Snowflake `json:"guild_id,omitempty"`

	// Author is the user who sent this message.
	Author User `json:"author"`

	// Member is partial guild member data for the author.
	//
	// Optional:
	//  - Nil if the message was sent in a DM.
	Member *Member `json:"member,omitempty"`

	// Content is the message contents.
	//
	// Optional:
	//  - May be empty unless the MESSAGE_CONTENT intent is enabled.
	Content string `json:"content"`

	// Timestamp is when this message was sent.
	Timestamp time.Time `json:"timestamp"`

	// EditedTimestamp is when this message was last edited.
	//
	// Optional:
	//  - Nil if never edited.
	EditedTimestamp *time.Time `json:"edited_timestamp"`

	// TTS is whether this was a text-to-speech message.
	TTS bool `json:"tts"`

	// MentionEveryone is whether this message mentions everyone.
	MentionEveryone bool `json:"mention_everyone"`

	// Mentions are the users specifically mentioned in the message.
	Mentions []User `json:"mentions"`

	// MentionRoles are the role ids specifically mentioned in the message.
	MentionRoles []Snowflake `json:"mention_roles"`

	// MentionChannels are channels mentioned in crossposted messages.
	//
	// Optional:
	//  - Only present for crossposted announcement-channel messages.
	MentionChannels []Snowflake `json:"mention_channels,omitempty"`

	// Attachments are any files attached to this message.
	Attachments []Attachment `json:"attachments"`

	// Embeds are any embeds attached to this message.
	Embeds []Embed `json:"embeds"`

	// Reactions summarize the reactions applied to this message.
	//
	// Optional:
	//  - Empty if no reactions.
	Reactions []MessageReaction `json:"reactions,omitempty"`

	// Nonce is used by clients to validate a message was sent.
	//
	// Optional:
	//  - May be nil.
	Nonce any `json:"nonce,omitempty"`

	// Pinned is whether this message is pinned.
	Pinned bool `json:"pinned"`

	// WebhookID is set if this message was generated by a webhook.
	//
	// Optional:
	//  - Zero if not sent by a webhook.
	WebhookID Snowflake `json:"webhook_id,omitempty"`

	// Type is the type of message.
	Type MessageType `json:"type"`

	// ApplicationID is the id of the interaction application associated
	// with this message, if any.
	ApplicationID Snowflake `json:"application_id,omitempty"`

	// MessageReference points to the message this one replies to or forwards.
	//
	// Optional:
	//  - Nil if this message isn't a reply or forward.
	MessageReference *MessageReference `json:"message_reference,omitempty"`

	// ReferencedMessage is the full message referenced by MessageReference,
	// when Discord chooses to resolve and include it.
	//
	// Optional:
	//  - Nil if not resolved.
	ReferencedMessage *Message `json:"referenced_message,omitempty"`

	// Poll is the poll attached to this message, if any.
	//
	// Optional:
	//  - Nil if this message has no poll.
	Poll *Poll `json:"poll,omitempty"`

	// Flags holds bitwise message flags.
	Flags MessageFlags `json:"flags"`

	// Components holds the raw message component tree. Component modeling
	// is out of scope; callers needing structured components should decode
	// this themselves.
	Components []json.RawMessage `json:"components,omitempty"`
}

// IsReply reports whether this message is a reply to another message.
func (m *Message) IsReply() bool {
	return m.Type == MessageTypeReply && m.MessageReference != nil
}

// CreatedAt returns the message's creation time derived from its snowflake ID.
func (m *Message) CreatedAt() time.Time {
	return m.ID.Timestamp()
}
