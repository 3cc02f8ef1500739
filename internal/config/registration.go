package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// namespaceRegex matches the single user-namespace pattern this bridge
// requires: "@<prefix>.*". The captured group becomes the puppet prefix.
var namespaceRegex = regexp.MustCompile(`^@([^.]+)\.\*$`)

// Namespace is one entry of registration.namespaces.users.
type Namespace struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`
}

type Namespaces struct {
	Users []Namespace `yaml:"users"`
}

// Registration is the appservice registration file read once at startup.
type Registration struct {
	ID               string     `yaml:"id"`
	URL              string     `yaml:"url"`
	ASToken          string     `yaml:"as_token"`
	HSToken          string     `yaml:"hs_token"`
	RateLimited      bool       `yaml:"rate_limited"`
	SenderLocalpart  string     `yaml:"sender_localpart"`
	Namespaces       Namespaces `yaml:"namespaces"`

	// PuppetPrefix is derived from Namespaces.Users[0].Regex, not persisted.
	PuppetPrefix string `yaml:"-"`
}

// LoadRegistration reads and validates a registration YAML file. Non
// conforming files abort startup per spec: the namespace regex must match
// ^@([^.]+)\.\*$ exactly.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}

	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registration: %w", err)
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}

	return &reg, nil
}

func (r *Registration) validate() error {
	if r.ID == "" || r.ASToken == "" || r.HSToken == "" || r.SenderLocalpart == "" {
		return fmt.Errorf("registration missing required fields (id, as_token, hs_token, sender_localpart)")
	}

	if len(r.Namespaces.Users) != 1 {
		return fmt.Errorf("registration must declare exactly one user namespace, got %d", len(r.Namespaces.Users))
	}

	ns := r.Namespaces.Users[0]
	m := namespaceRegex.FindStringSubmatch(ns.Regex)
	if m == nil {
		return fmt.Errorf(`registration user namespace regex %q must match ^@([^.]+)\.\*$`, ns.Regex)
	}
	if !ns.Exclusive {
		return fmt.Errorf("registration user namespace must be exclusive")
	}

	r.PuppetPrefix = m[1]
	return nil
}

// GenerateRegistration writes a fresh registration file with 64-char random
// hex tokens, suitable for the --generate-registration CLI mode.
func GenerateRegistration(path, id, url, puppetPrefix, senderLocalpart string) (*Registration, error) {
	asToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	hsToken, err := randomToken()
	if err != nil {
		return nil, err
	}

	reg := &Registration{
		ID:              id,
		URL:             url,
		ASToken:         asToken,
		HSToken:         hsToken,
		RateLimited:     false,
		SenderLocalpart: senderLocalpart,
		Namespaces: Namespaces{
			Users: []Namespace{
				{Regex: fmt.Sprintf("@%s.*", puppetPrefix), Exclusive: true},
			},
		},
		PuppetPrefix: puppetPrefix,
	}

	out, err := yaml.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("marshal registration: %w", err)
	}

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write registration: %w", err)
	}

	return reg, nil
}

// randomToken produces a 64-character random hex string: the hex encoding
// of 32 crypto/rand bytes. The uuid bytes appended after them fall past the
// 64-character cut and do not change the result.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	salt := uuid.New()
	mixed := append(buf, salt[:]...)
	return hex.EncodeToString(mixed)[:64], nil
}
