// Package iceconfig assembles the ICE server list handed to conference
// clients, minting coturn-compatible TURN REST credentials on demand.
//
// Credential algorithm (coturn-compatible, see
// draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed with the server clock in UTC.
package iceconfig

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Provider builds per-request ICE server lists. STUN entries are static;
// TURN entries carry fresh short-lived credentials each time.
type Provider struct {
	stunURLs []string
	turnURLs []string

	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string

	now       func() time.Time
	sessionID func() (string, error)
}

// ProviderConfig configures a Provider. SharedSecret, TTL and UsernamePrefix
// are required when TurnURLs is non-empty.
type ProviderConfig struct {
	StunURLs       []string
	TurnURLs       []string
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and SessionID override the clock and the session id source. Tests
	// use them; nil selects time.Now and a crypto/rand hex id.
	Now       func() time.Time
	SessionID func() (string, error)
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if len(cfg.TurnURLs) > 0 {
		if cfg.SharedSecret == "" {
			return nil, errors.New("TURN urls require a shared secret")
		}
		if cfg.TTL <= 0 {
			return nil, errors.New("TURN credential TTL must be positive")
		}
		if cfg.UsernamePrefix == "" {
			return nil, errors.New("TURN username prefix is required")
		}
		if containsColon(cfg.UsernamePrefix) {
			return nil, errors.New("TURN username prefix must not contain ':'")
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = randomSessionID
	}
	return &Provider{
		stunURLs:       cfg.StunURLs,
		turnURLs:       cfg.TurnURLs,
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		sessionID:      cfg.SessionID,
	}, nil
}

// ICEServer is one entry of the client-facing ICE configuration, shaped like
// an RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Credentials is a minted TURN REST credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint produces credentials scoped to sessionID.
func (p *Provider) Mint(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("sessionID is required")
	}
	if containsColon(sessionID) {
		return Credentials{}, errors.New("sessionID must not contain ':'")
	}
	expiryUnix := p.now().UTC().Add(p.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, p.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: signUsername(p.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// Servers returns the full ICE server list for one client. Each call mints a
// fresh TURN credential under a random session id.
func (p *Provider) Servers() ([]ICEServer, error) {
	var servers []ICEServer
	if len(p.stunURLs) > 0 {
		servers = append(servers, ICEServer{URLs: p.stunURLs})
	}
	if len(p.turnURLs) > 0 {
		sid, err := p.sessionID()
		if err != nil {
			return nil, err
		}
		creds, err := p.Mint(sid)
		if err != nil {
			return nil, err
		}
		servers = append(servers, ICEServer{
			URLs:       p.turnURLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}
	return servers, nil
}

func randomSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
