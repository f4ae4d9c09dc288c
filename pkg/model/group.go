package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// GroupKind distinguishes two-party private chats from multi-party groups.
type GroupKind uint8

const (
	GroupPrivate GroupKind = iota + 1 // exactly two members
	GroupChat                         // two or more members
)

func (k GroupKind) String() string {
	switch k {
	case GroupPrivate:
		return "private"
	case GroupChat:
		return "group"
	default:
		return "unknown"
	}
}

// ParseGroupKind converts a string to a GroupKind. Unknown values map to 0,
// which fails validation.
func ParseGroupKind(s string) GroupKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return GroupPrivate
	case "group":
		return GroupChat
	default:
		return 0
	}
}

// MarshalText renders the kind by name in YAML exports.
func (k GroupKind) MarshalText() ([]byte, error) {
	if k != GroupPrivate && k != GroupChat {
		return nil, ErrGroupKind
	}
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *GroupKind) UnmarshalText(text []byte) error {
	parsed := ParseGroupKind(string(text))
	if parsed == 0 {
		return fmt.Errorf("%w: %q", ErrGroupKind, text)
	}
	*k = parsed
	return nil
}

const MaxGroupNameLength = 256

var ErrGroupNameEmpty = errors.New("group name must not be empty")
var ErrGroupNameTooLong = fmt.Errorf("group name exceeds %d characters", MaxGroupNameLength)
var ErrGroupKind = errors.New("group kind must be private or group")
var ErrGroupPrivateMembers = errors.New("private chat must have exactly 2 members")
var ErrGroupTooFewMembers = errors.New("group chat must have at least 2 members")
var ErrGroupDuplicateMember = errors.New("group members must be unique")

// GroupDescriptor is a named conversation with its membership and history.
type GroupDescriptor struct {
	Name    string    `yaml:"name"`
	Creator string    `yaml:"creator"`
	Kind    GroupKind `yaml:"kind"`
	Members []string  `yaml:"members"`           // ordered set
	History []Message `yaml:"history,omitempty"` // appended for every routed message
	Unread  bool      `yaml:"unread,omitempty"`  // client-side hint, carried verbatim
}

// Validate checks the membership invariants for the group's kind.
func (g *GroupDescriptor) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return ErrGroupNameEmpty
	}
	if len(g.Name) > MaxGroupNameLength {
		return ErrGroupNameTooLong
	}
	switch g.Kind {
	case GroupPrivate:
		if len(g.Members) != 2 {
			return ErrGroupPrivateMembers
		}
	case GroupChat:
		if len(g.Members) < 2 {
			return ErrGroupTooFewMembers
		}
	default:
		return ErrGroupKind
	}
	seen := make(map[string]struct{}, len(g.Members))
	for _, m := range g.Members {
		if _, dup := seen[m]; dup {
			return ErrGroupDuplicateMember
		}
		seen[m] = struct{}{}
	}
	return nil
}

// HasMember reports whether identity is one of the group's members.
func (g *GroupDescriptor) HasMember(identity string) bool {
	return slices.Contains(g.Members, identity)
}

// Clone returns a deep copy that shares no slices with g.
func (g GroupDescriptor) Clone() GroupDescriptor {
	g.Members = slices.Clone(g.Members)
	if g.History != nil {
		history := make([]Message, len(g.History))
		for i, m := range g.History {
			history[i] = m.Clone()
		}
		g.History = history
	}
	return g
}

// PrivateChatName returns the display name used for a two-party chat,
// e.g. "[alice, bob]".
func PrivateChatName(a, b string) string {
	return ChatName([]string{a, b})
}

// ChatName returns the display name clients give a chat: its members in
// order, bracketed and comma separated.
func ChatName(members []string) string {
	return "[" + strings.Join(members, ", ") + "]"
}
