package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
)

var (
	ErrNoTurnRelay    = errors.New("ice: at least one TURN relay is required")
	ErrNoTurnFallback = errors.New("ice: a TURN relay reachable over TCP (turns: or ?transport=tcp) is required")
	ErrNoTurnUDP      = errors.New("ice: a TURN relay reachable over UDP is required")
)

type ICEConfig struct {
	StunURLs       []string `mapstructure:"stun_urls"`
	TurnURLs       []string `mapstructure:"turn_urls"`
	TurnUsername   string   `mapstructure:"turn_username"`
	TurnCredential string   `mapstructure:"turn_credential"`

	// TurnSecret switches TURN auth to coturn REST credentials derived per connection
	TurnSecret     string        `mapstructure:"turn_secret"`
	TurnUsernameID string        `mapstructure:"turn_username_id"`
	TurnTTL        time.Duration `mapstructure:"turn_ttl"`

	// ServersJSON overrides every other field: [{"urls": [...], "username": "", "credential": ""}]
	ServersJSON string `mapstructure:"servers_json"`
}

// Validate checks the static part of the ICE configuration.
func (c ICEConfig) Validate() error {
	_, err := c.Servers("validate", time.Now())
	return err
}

// Servers builds the ICE server list for one connection. connID feeds the TURN REST
// username so relays can attribute allocations.
func (c ICEConfig) Servers(connID string, now time.Time) ([]webrtc.ICEServer, error) {
	var (
		servers []webrtc.ICEServer
		err     error
	)

	if raw := strings.TrimSpace(c.ServersJSON); raw != "" {
		servers, err = ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("servers_json: %w", err)
		}
	} else {
		username, credential := c.TurnUsername, c.TurnCredential
		if c.TurnSecret != "" {
			username, credential = turnRESTCredentials(c.TurnSecret, c.TurnUsernameID, connID, now.Add(c.TurnTTL))
		}
		servers, err = buildICEServers(c.StunURLs, c.TurnURLs, username, credential)
		if err != nil {
			return nil, err
		}
	}

	if err := requireRelay(servers); err != nil {
		return nil, err
	}

	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses the browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var parsed []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(parsed))
	for i, s := range parsed {
		server := webrtc.ICEServer{
			URLs:     trimAll(s.URLs),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}

		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func buildICEServers(stunURLs, turnURLs []string, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	stunList := trimAll(stunURLs)
	turnList := trimAll(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("stun_urls: %w", err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, errors.New("turn_username/turn_credential: both must be set when turn_urls is set (or use turn_secret)")
		}

		server := webrtc.ICEServer{
			URLs:           turnList,
			Username:       turnUsername,
			Credential:     turnCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("turn_urls: %w", err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		// viper hands comma separated env values over as a single element
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if isTurnURL(url) {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

// requireRelay refuses lists that could leave symmetric NAT users without a path:
// one relay over UDP and one over TCP must both be present.
func requireRelay(servers []webrtc.ICEServer) error {
	var hasTurn, hasUDP, hasTCP bool
	for _, server := range servers {
		for _, url := range server.URLs {
			if !isTurnURL(url) {
				continue
			}
			hasTurn = true
			if strings.HasPrefix(url, "turns:") || strings.Contains(url, "transport=tcp") {
				hasTCP = true
			} else {
				hasUDP = true
			}
		}
	}

	switch {
	case !hasTurn:
		return ErrNoTurnRelay
	case !hasUDP:
		return ErrNoTurnUDP
	case !hasTCP:
		return ErrNoTurnFallback
	}
	return nil
}

func isTurnURL(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
