package iceconfig

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintDeterministicWithFixedTime(t *testing.T) {
	p, err := NewProvider(ProviderConfig{
		TurnURLs:       []string{"turn:turn.example.com:3478"},
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "conf",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	creds, err := p.Mint("session123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:conf:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	wantCred := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestMintRejectsColonSessionID(t *testing.T) {
	p, err := NewProvider(ProviderConfig{
		TurnURLs:       []string{"turn:t.example.com"},
		SharedSecret:   "s",
		TTL:            time.Minute,
		UsernamePrefix: "conf",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Mint("a:b"); err == nil {
		t.Fatalf("colon session id accepted")
	}
	if _, err := p.Mint(""); err == nil {
		t.Fatalf("empty session id accepted")
	}
}

func TestProviderValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
		ok   bool
	}{
		{"stun only", ProviderConfig{StunURLs: []string{"stun:s.example.com"}}, true},
		{"empty", ProviderConfig{}, true},
		{"turn no secret", ProviderConfig{TurnURLs: []string{"turn:t"}, TTL: time.Minute, UsernamePrefix: "c"}, false},
		{"turn no ttl", ProviderConfig{TurnURLs: []string{"turn:t"}, SharedSecret: "s", UsernamePrefix: "c"}, false},
		{"turn colon prefix", ProviderConfig{TurnURLs: []string{"turn:t"}, SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "a:b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, ok = %v", err, tt.ok)
			}
		})
	}
}

func TestServersMintsFreshTURNCredentials(t *testing.T) {
	ids := []string{"sid1", "sid2"}
	p, err := NewProvider(ProviderConfig{
		StunURLs:       []string{"stun:stun.example.com:3478"},
		TurnURLs:       []string{"turn:turn.example.com:3478"},
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "conf",
		SessionID: func() (string, error) {
			id := ids[0]
			ids = ids[1:]
			return id, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := p.Servers()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("server entries = %d, want 2", len(first))
	}
	if first[0].Username != "" {
		t.Fatalf("stun entry carries credentials")
	}
	if first[1].Username == "" || first[1].Credential == "" {
		t.Fatalf("turn entry missing credentials: %+v", first[1])
	}

	second, err := p.Servers()
	if err != nil {
		t.Fatal(err)
	}
	if first[1].Username == second[1].Username {
		t.Fatalf("turn credentials not fresh per call")
	}
}

func TestHandler(t *testing.T) {
	p, err := NewProvider(ProviderConfig{StunURLs: []string{"stun:stun.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	Handler(p).ServeHTTP(rr, httptest.NewRequest("GET", "/ice-config", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache-control = %q", cc)
	}
	var body struct {
		ICEServers []ICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.ICEServers) != 1 || len(body.ICEServers[0].URLs) != 1 {
		t.Fatalf("body = %+v", body)
	}
}
