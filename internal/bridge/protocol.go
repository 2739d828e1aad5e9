package bridge

import (
	"encoding/json"
	"time"

	"github.com/udisondev/citysiege/internal/siege"
)

// ProtocolVersion is the bridge protocol spoken by game hosts.
const ProtocolVersion = "1"

// Message types.
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeRequest = "request"
	TypeReply   = "reply"
	TypeEvent   = "event"
)

// Request operations sent by the game host.
const (
	OpAttackMarkerPlaced     = "attack_marker_placed"
	OpDefenseMarkerDestroyed = "defense_marker_destroyed"
	OpPresence               = "presence"
	OpMemberJoined           = "member_joined"
	OpCancelSiege            = "cancel_siege"
	OpStatus                 = "status"
	OpList                   = "list"
)

// Error codes carried by a failed reply.
const (
	CodeBadRequest  = "bad_request"
	CodeValidation  = "validation_failed"
	CodeRateLimit   = "rate_limited"
	CodeNotFound    = "not_found"
	CodeBackend     = "backend_unavailable"
	CodeConflict    = "inconsistent_state"
	CodeUnavailable = "unavailable"
)

// BaseMessage routes raw JSON by type before the full decode.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Seq             uint64 `json:"seq,omitempty"`
}

func decodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// HelloMsg opens a session (host -> server).
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Host            string `json:"host"`
	Token           string `json:"token,omitempty"`
}

// WelcomeMsg accepts a session (server -> host).
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ServerTime      time.Time   `json:"server_time"`
	Sieges          []SiegeView `json:"sieges"`
}

// Position is a block position in a world.
type Position struct {
	World string `json:"world"`
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
	Z     int32  `json:"z"`
}

func (p Position) location() siege.Location {
	return siege.Location{World: p.World, X: p.X, Y: p.Y, Z: p.Z}
}

// RequestMsg asks the siege server to act on a host event (host -> server).
type RequestMsg struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Op        string    `json:"op"`
	Attacker  string    `json:"attacker,omitempty"`
	Defender  string    `json:"defender,omitempty"`
	Territory string    `json:"territory,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Online    bool      `json:"online,omitempty"`
	Position  *Position `json:"position,omitempty"`
}

// ReplyMsg answers a request with the same seq (server -> host).
type ReplyMsg struct {
	Type   string      `json:"type"`
	Seq    uint64      `json:"seq"`
	OK     bool        `json:"ok"`
	Code   string      `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Error  string      `json:"error,omitempty"`
	Siege  *SiegeView  `json:"siege,omitempty"`
	Sieges []SiegeView `json:"sieges,omitempty"`
}

// EventMsg announces a siege phase change to every host (server -> host).
type EventMsg struct {
	Type     string    `json:"type"`
	Event    string    `json:"event"`
	SiegeID  string    `json:"siege_id"`
	Attacker string    `json:"attacker"`
	Defender string    `json:"defender"`
	Outcome  string    `json:"outcome,omitempty"`
	Paid     float64   `json:"paid,omitempty"`
	At       time.Time `json:"at"`
}

// SiegeView is the wire form of a running siege.
type SiegeView struct {
	ID            string     `json:"id"`
	Attacker      string     `json:"attacker"`
	Defender      string     `json:"defender"`
	Attackers     []string   `json:"attackers"`
	State         string     `json:"state"`
	StartedAt     time.Time  `json:"started_at"`
	LootStartedAt *time.Time `json:"loot_started_at,omitempty"`
}

func newSiegeView(s *siege.Siege) SiegeView {
	attackers := s.Attackers()
	names := make([]string, len(attackers))
	for i, a := range attackers {
		names[i] = string(a)
	}
	v := SiegeView{
		ID:        s.ID(),
		Attacker:  string(s.AttackerTerritory()),
		Defender:  string(s.DefenderTerritory()),
		Attackers: names,
		State:     s.State().String(),
		StartedAt: s.StartedAt(),
	}
	if t := s.LootStartedAt(); !t.IsZero() {
		v.LootStartedAt = &t
	}
	return v
}

func newEventMsg(ev siege.Event) EventMsg {
	m := EventMsg{
		Type:     TypeEvent,
		Event:    ev.Kind.String(),
		SiegeID:  ev.SiegeID,
		Attacker: string(ev.AttackerTerritory),
		Defender: string(ev.DefenderTerritory),
		At:       ev.At,
	}
	if ev.Kind == siege.EventSiegeEnded {
		m.Outcome = ev.Outcome.String()
		m.Paid = ev.Paid
	}
	return m
}
