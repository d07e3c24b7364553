package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/isqad/livelook-signal/internal/core"
)

const envPrefix = "LIVELOOK"

// Load reads the yaml file at path (optional) on top of the defaults and lets
// LIVELOOK_* environment variables override any key, e.g. LIVELOOK_TIMEOUTS_NO_ANSWER=30s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) Validate() error {
	switch c.Env {
	case core.DevelopmentEnv, core.ProductionEnv:
	default:
		return fmt.Errorf("config: env must be either %q or %q, got %q", core.DevelopmentEnv, core.ProductionEnv, c.Env)
	}
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case "redis", "nats", "local":
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}
	if c.Timeouts.OfferFetchAttempts < 1 || c.Timeouts.JoinAttempts < 1 {
		return fmt.Errorf("config: retry attempts must be positive")
	}
	if c.Signaling.PollInterval <= 0 {
		return fmt.Errorf("config: signaling.poll_interval must be positive")
	}

	return c.ICE.Validate()
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("env", string(d.Env))

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("bus.driver", d.Bus.Driver)
	v.SetDefault("bus.redis_addr", d.Bus.RedisAddr)
	v.SetDefault("bus.redis_db", d.Bus.RedisDB)
	v.SetDefault("bus.nats_url", d.Bus.NatsURL)

	v.SetDefault("ice.stun_urls", d.ICE.StunURLs)
	v.SetDefault("ice.turn_urls", d.ICE.TurnURLs)
	v.SetDefault("ice.turn_username", d.ICE.TurnUsername)
	v.SetDefault("ice.turn_credential", d.ICE.TurnCredential)
	v.SetDefault("ice.turn_secret", d.ICE.TurnSecret)
	v.SetDefault("ice.turn_username_id", d.ICE.TurnUsernameID)
	v.SetDefault("ice.turn_ttl", d.ICE.TurnTTL)
	v.SetDefault("ice.servers_json", d.ICE.ServersJSON)

	v.SetDefault("rtc.ice_port_range_start", d.RTC.ICEPortRangeStart)
	v.SetDefault("rtc.ice_port_range_end", d.RTC.ICEPortRangeEnd)

	codecs := make([]map[string]string, 0, len(d.Peer.EnabledCodecs))
	for _, c := range d.Peer.EnabledCodecs {
		codecs = append(codecs, map[string]string{"mime": c.Mime, "fmtp_line": c.FmtpLine})
	}
	v.SetDefault("peer.enabled_codecs", codecs)

	v.SetDefault("timeouts.no_answer", d.Timeouts.NoAnswer)
	v.SetDefault("timeouts.incoming_max_age", d.Timeouts.IncomingMaxAge)
	v.SetDefault("timeouts.ice_restart_grace", d.Timeouts.ICERestartGrace)
	v.SetDefault("timeouts.reconnect", d.Timeouts.Reconnect)
	v.SetDefault("timeouts.offer_fetch_attempts", d.Timeouts.OfferFetchAttempts)
	v.SetDefault("timeouts.offer_fetch_delay", d.Timeouts.OfferFetchDelay)
	v.SetDefault("timeouts.join_retry", d.Timeouts.JoinRetry)
	v.SetDefault("timeouts.join_attempts", d.Timeouts.JoinAttempts)
	v.SetDefault("timeouts.invite_expiry", d.Timeouts.InviteExpiry)
	v.SetDefault("timeouts.request_expiry", d.Timeouts.RequestExpiry)
	v.SetDefault("timeouts.media_wait", d.Timeouts.MediaWait)
	v.SetDefault("timeouts.ended_linger", d.Timeouts.EndedLinger)
	v.SetDefault("timeouts.duplicate_window", d.Timeouts.DuplicateWindow)

	v.SetDefault("signaling.poll_interval", d.Signaling.PollInterval)
	v.SetDefault("signaling.retention", d.Signaling.Retention)
	v.SetDefault("signaling.stale_after", d.Signaling.StaleAfter)

	v.SetDefault("quality.interval", d.Quality.Interval)
	v.SetDefault("quality.poor_loss", d.Quality.PoorLoss)
	v.SetDefault("quality.poor_rtt", d.Quality.PoorRTT)
	v.SetDefault("quality.ok_loss", d.Quality.OkLoss)
	v.SetDefault("quality.ok_rtt", d.Quality.OkRTT)

	v.SetDefault("broadcast.max_participants", d.Broadcast.MaxParticipants)
	v.SetDefault("broadcast.default_slow_mode", d.Broadcast.DefaultSlowMode)
	v.SetDefault("broadcast.reaction_cooldown", d.Broadcast.ReactionCooldown)

	v.SetDefault("media.video_file", d.Media.VideoFile)
	v.SetDefault("media.audio_file", d.Media.AudioFile)

	v.SetDefault("http.address", d.HTTP.Address)
}
