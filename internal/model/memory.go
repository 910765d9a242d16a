// Package model defines the core memory data types.
package model

import "time"

// Actor identifies who produced an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is an immutable record of something an actor said or did.
// Events are never edited; chunks are derived from them.
type Event struct {
	ID          string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	SessionID   string    `json:"session_id"`
	Actor       Actor     `json:"actor"`
	Kind        string    `json:"kind"`
	Channel     Channel   `json:"channel"`
	Sensitivity string    `json:"sensitivity"`
	Text        string    `json:"text"`
	Tags        []string  `json:"tags,omitempty"`
	TS          time.Time `json:"ts"`
}

// Chunk is an atomic, immutable unit of memory text derived from an event.
type Chunk struct {
	ID          string    `json:"chunk_id"`
	TenantID    string    `json:"tenant_id"`
	EventID     string    `json:"event_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Seq         int       `json:"seq"`
	Text        string    `json:"text"`
	Importance  float64   `json:"importance"`
	Scope       Scope     `json:"scope"`
	SubjectType string    `json:"subject_type,omitempty"`
	SubjectID   string    `json:"subject_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	Channel     Channel   `json:"channel"`
	Tags        []string  `json:"tags,omitempty"`
	Kind        string    `json:"kind"`
	TokenEst    int       `json:"token_est"`
	TS          time.Time `json:"ts"`
}

// Channel is the visibility channel of a record or read.
type Channel string

const (
	ChannelPrivate Channel = "private"
	ChannelPublic  Channel = "public"
	ChannelTeam    Channel = "team"
	ChannelAgent   Channel = "agent"
)

// ValidChannels are the allowed channels.
var ValidChannels = map[Channel]bool{
	ChannelPrivate: true,
	ChannelPublic:  true,
	ChannelTeam:    true,
	ChannelAgent:   true,
}

// SensitivitySecret events are stored but never chunked.
const SensitivitySecret = "secret"

// ValidSensitivities are the allowed event sensitivity levels.
var ValidSensitivities = map[string]bool{
	"none":            true,
	"low":             true,
	"high":            true,
	SensitivitySecret: true,
}

// ValidActorTypes are the allowed event actor types.
var ValidActorTypes = map[string]bool{
	"human":  true,
	"agent":  true,
	"system": true,
}
