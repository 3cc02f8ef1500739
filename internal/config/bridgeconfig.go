package config

import (
	"encoding/json"
	"fmt"
)

// MemberSync controls how aggressively ChannelRoom mirrors IRC channel
// membership into Matrix room membership.
type MemberSync string

const (
	MemberSyncLazy MemberSync = "lazy"
	MemberSyncHalf MemberSync = "half"
	MemberSyncFull MemberSync = "full"
)

// Server is one entry in a Network's server list.
type Server struct {
	Address     string `json:"address" yaml:"address"`
	Port        int    `json:"port" yaml:"port"`
	TLS         bool   `json:"tls" yaml:"tls"`
	TLSInsecure bool   `json:"tls_insecure,omitempty" yaml:"tls_insecure,omitempty"`
	Proxy       string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// Network is a configured IRC network: a name, a server list, and the
// connection preferences used on every (re)connect.
type Network struct {
	Name     string   `json:"name" yaml:"name"`
	Servers  []Server `json:"servers" yaml:"servers"`
	Nick     string   `json:"nick,omitempty" yaml:"nick,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Ircname  string   `json:"ircname,omitempty" yaml:"ircname,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	Autocmd  string   `json:"autocmd,omitempty" yaml:"autocmd,omitempty"`
}

// AccessLevel is the value side of an allow-mask entry.
type AccessLevel string

const (
	AccessUser  AccessLevel = "user"
	AccessAdmin AccessLevel = "admin"
)

// BridgeConfig is the Bridge.config entity from the spec's data model. It is
// persisted as homeserver user account data under the "irc" key (§6).
type BridgeConfig struct {
	Owner      string                 `json:"owner,omitempty"`
	Allow      map[string]AccessLevel `json:"allow"`
	Networks   map[string]*Network    `json:"networks"`
	Idents     map[string]string      `json:"idents"`
	MemberSync MemberSync             `json:"member_sync"`
	MediaURL   string                 `json:"media_url,omitempty"`
}

// NewBridgeConfig returns an empty, ready-to-use config with member_sync
// defaulted to "half". ChannelRoom treats "half" like "full" (live JOINs and
// NAMES replies sync puppets into the room); only "lazy" skips that and
// invites puppets when they first speak.
func NewBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Allow:      map[string]AccessLevel{},
		Networks:   map[string]*Network{},
		Idents:     map[string]string{},
		MemberSync: MemberSyncHalf,
	}
}

// MarshalAccountData serializes the config for the homeserver account_data
// "irc" key.
func (c *BridgeConfig) MarshalAccountData() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal bridge config: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("remarshal bridge config: %w", err)
	}
	return out, nil
}

// UnmarshalAccountData populates the config from a decoded account_data
// payload.
func UnmarshalAccountData(raw map[string]any) (*BridgeConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("remarshal account data: %w", err)
	}

	cfg := NewBridgeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal bridge config: %w", err)
	}

	if cfg.Allow == nil {
		cfg.Allow = map[string]AccessLevel{}
	}
	if cfg.Networks == nil {
		cfg.Networks = map[string]*Network{}
	}
	if cfg.Idents == nil {
		cfg.Idents = map[string]string{}
	}
	if cfg.MemberSync == "" {
		cfg.MemberSync = MemberSyncHalf
	}

	return cfg, nil
}

// MatchesMask reports whether mxid matches an allow-mask glob. Masks use '*'
// and '?' shell-style wildcards against the full MXID, mirroring
// heisenbridge's use of Python fnmatch over allow-list globs.
func MatchesMask(mask, mxid string) bool {
	return globMatch(mask, mxid)
}

// globMatch implements a small '*'/'?' glob matcher (no character classes),
// which is all the allow-mask syntax in §4.G (ADDMASK <glob>) requires.
func globMatch(pattern, s string) bool {
	return globMatchRunes([]rune(pattern), []rune(s))
}

func globMatchRunes(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}

	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatchRunes(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRunes(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatchRunes(pattern[1:], s[1:])
	}
}
