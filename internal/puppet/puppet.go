// Package puppet implements the bridge's deterministic IRC-nick-to-MXID
// mapping, lazy appservice user registration, and displayname reconciliation
// cache (spec §3, §4.D).
package puppet

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
)

// Cache is the persistence contract EnsurePuppet uses to survive restarts
// without re-registering or re-setting displaynames for puppets it has
// already minted (see internal/puppetcache).
type Cache interface {
	LoadAll() (registered map[string]bool, displaynames map[string]string, err error)
	MarkRegistered(mxid string) error
	SetDisplayname(mxid, displayname string) error
}

// isAllowedChar reports whether b is a localpart byte that never gets
// hex-escaped, matching spec §3: "[0-9a-z\-\.=_/]".
func isAllowedChar(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b == '-' || b == '.' || b == '=' || b == '_' || b == '/':
		return true
	}
	return false
}

// EscapeNick lowercases nick and replaces every byte outside the allowed
// localpart character class with "=" followed by its lowercase hex,
// operating on the nick's UTF-8 byte encoding (so multi-byte runes expand to
// multiple "=xx" groups).
func EscapeNick(nick string) string {
	lower := strings.ToLower(nick)
	var b strings.Builder
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if isAllowedChar(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "=%02x", c)
		}
	}
	return b.String()
}

// MXID computes the puppet MXID for (network, nick) under the given puppet
// prefix and homeserver name: "@<prefix><network>_<escaped-nick>:<server>",
// with the network name lowercased (the prefix carries its own trailing "_",
// e.g. "irc_").
func MXID(puppetPrefix, network, nick, serverName string) id.UserID {
	localpart := fmt.Sprintf("%s%s_%s", puppetPrefix, strings.ToLower(network), EscapeNick(nick))
	return id.UserID(fmt.Sprintf("@%s:%s", localpart, serverName))
}

// Localpart strips the leading "@" and trailing ":server" from an MXID.
func Localpart(mxid id.UserID) string {
	s := string(mxid)
	s = strings.TrimPrefix(s, "@")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// Registry caches which puppet MXIDs are known to already be registered on
// the homeserver and their last-set displayname, so ensure_puppet (§4.D)
// degrades to pure local cache hits after first contact.
type Registry struct {
	PuppetPrefix string
	ServerName   string
	Client       *matrixclient.Client
	cache        Cache

	mu           sync.Mutex
	registered   map[id.UserID]bool
	displaynames map[id.UserID]string
}

func NewRegistry(client *matrixclient.Client, puppetPrefix, serverName string) *Registry {
	return &Registry{
		PuppetPrefix: puppetPrefix,
		ServerName:   serverName,
		Client:       client,
		registered:   map[id.UserID]bool{},
		displaynames: map[id.UserID]string{},
	}
}

// NewRegistryWithCache wires an optional persistent cache, seeding the
// in-memory maps from it so a restarted bridge does not repeat lazy
// registration or displayname PUTs for puppets it already knows about.
func NewRegistryWithCache(client *matrixclient.Client, puppetPrefix, serverName string, cache Cache) (*Registry, error) {
	r := NewRegistry(client, puppetPrefix, serverName)
	r.cache = cache

	registered, displaynames, err := cache.LoadAll()
	if err != nil {
		return nil, err
	}
	for mxid, ok := range registered {
		r.registered[id.UserID(mxid)] = ok
	}
	for mxid, name := range displaynames {
		r.displaynames[id.UserID(mxid)] = name
	}
	return r, nil
}

// MXID computes the canonical puppet MXID for (network, nick) using this
// registry's configured prefix and server name.
func (r *Registry) MXID(network, nick string) id.UserID {
	return MXID(r.PuppetPrefix, network, nick, r.ServerName)
}

// EnsurePuppet implements §4.D's ensure_puppet: compute the MXID, lazily
// register it on the homeserver (treating "user in use" as success), and
// reconcile its displayname against nick if it has drifted.
func (r *Registry) EnsurePuppet(ctx context.Context, network, nick string) (id.UserID, error) {
	mxid := r.MXID(network, nick)

	r.mu.Lock()
	alreadyRegistered := r.registered[mxid]
	r.mu.Unlock()

	if !alreadyRegistered {
		if err := r.Client.PostUserRegister(ctx, Localpart(mxid)); err != nil && !matrixclient.IsUserInUse(err) {
			return "", fmt.Errorf("register puppet %s: %w", mxid, err)
		}
		r.mu.Lock()
		r.registered[mxid] = true
		r.mu.Unlock()

		if r.cache != nil {
			if err := r.cache.MarkRegistered(string(mxid)); err != nil {
				log.Printf("[puppet] failed to persist registration for %s: %v", mxid, err)
			}
		}
	}

	r.mu.Lock()
	current, known := r.displaynames[mxid]
	r.mu.Unlock()

	if !known || current != nick {
		if err := r.Client.PutUserDisplayname(ctx, mxid, nick); err != nil {
			log.Printf("[puppet] failed to set displayname for %s: %v", mxid, err)
		} else {
			r.mu.Lock()
			r.displaynames[mxid] = nick
			r.mu.Unlock()

			if r.cache != nil {
				if err := r.cache.SetDisplayname(string(mxid), nick); err != nil {
					log.Printf("[puppet] failed to persist displayname for %s: %v", mxid, err)
				}
			}
		}
	}

	return mxid, nil
}

// IsPuppet reports whether mxid is within this bridge's reserved puppet
// namespace (spec invariant 5: the bridge never mirrors a puppet as a real
// user).
func (r *Registry) IsPuppet(mxid id.UserID) bool {
	return strings.HasPrefix(Localpart(mxid), r.PuppetPrefix)
}
