package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"PedMedClient/tools/decode"
)

// WSConf controls the realtime channel's reconnect policy.
type WSConf struct {
	BaseDelay  time.Duration `json:"baseDelay"`  // first retry delay
	MaxDelay   time.Duration `json:"maxDelay"`   // backoff cap
	MaxRetries int           `json:"maxRetries"` // abnormal-close retry budget
}

// ClientConfig is the whole configuration surface of the session client.
type ClientConfig struct {
	BackendURL string `json:"backendUrl"`

	RequestTimeout    time.Duration `json:"requestTimeout"`    // hard per-request cap
	CacheTTL          time.Duration `json:"cacheTtl"`          // default response cache TTL
	SessionCacheTTL   time.Duration `json:"sessionCacheTtl"`   // check-session response TTL
	SessionCheckEvery time.Duration `json:"sessionCheckEvery"` // validator interval

	WS WSConf `json:"ws"`

	// StatePath is where the client keeps its durable state (fingerprint,
	// login flag). Empty means <user config dir>/pedmed/state.json.
	StatePath string `json:"statePath"`

	// RedisAddr switches the shared response cache from process memory to
	// Redis when set. Useful when several client processes share one host.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
}

func Default() *ClientConfig {
	c := &ClientConfig{}
	c.norm()
	return c
}

// norm fills zero fields with the defaults the web client shipped with.
func (c *ClientConfig) norm() {
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:3000"
	}
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.SessionCacheTTL <= 0 {
		c.SessionCacheTTL = 2 * time.Minute
	}
	if c.SessionCheckEvery <= 0 {
		c.SessionCheckEvery = 2 * time.Minute
	}
	if c.WS.BaseDelay <= 0 {
		c.WS.BaseDelay = 5 * time.Second
	}
	if c.WS.MaxDelay <= 0 {
		c.WS.MaxDelay = 30 * time.Second
	}
	if c.WS.MaxRetries <= 0 {
		c.WS.MaxRetries = 5
	}
	if c.StatePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		c.StatePath = dir + "/pedmed/state.json"
	}
}

// FromMap decodes a generic map (e.g. parsed JSON/YAML) into a ClientConfig.
// Durations are accepted as integers in milliseconds, matching the values the
// web client hardcoded.
func FromMap(m map[string]any) (*ClientConfig, error) {
	raw, err := decode.DecodeMap[rawConfig](m)
	if err != nil {
		return nil, err
	}
	c := raw.toConfig()
	c.norm()
	return c, nil
}

// FromEnv builds a config from PEDMED_* environment variables on top of the
// defaults.
func FromEnv() *ClientConfig {
	c := Default()
	if v := os.Getenv("PEDMED_BACKEND_URL"); v != "" {
		c.BackendURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("PEDMED_STATE_PATH"); v != "" {
		c.StatePath = v
	}
	if v := os.Getenv("PEDMED_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("PEDMED_SESSION_CHECK_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SessionCheckEvery = time.Duration(n) * time.Second
		}
	}
	return c
}

// WSURL derives the realtime endpoint from the backend URL, query included:
// http(s) -> ws(s), ?username=&deviceId= appended by the caller.
func (c *ClientConfig) WSURL() string {
	u := c.BackendURL
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return "ws://" + u
	}
}

// rawConfig is the wire shape of FromMap input: flat milliseconds instead of
// time.Duration.
type rawConfig struct {
	BackendURL        string `json:"backendUrl"`
	RequestTimeoutMS  int    `json:"requestTimeoutMs"`
	CacheTTLMS        int    `json:"cacheTtlMs"`
	SessionCacheMS    int    `json:"sessionCacheTtlMs"`
	SessionCheckMS    int    `json:"sessionCheckEveryMs"`
	WSBaseDelayMS     int    `json:"wsBaseDelayMs"`
	WSMaxDelayMS      int    `json:"wsMaxDelayMs"`
	WSMaxRetries      int    `json:"wsMaxRetries"`
	StatePath         string `json:"statePath"`
	RedisAddr         string `json:"redisAddr"`
	RedisPassword     string `json:"redisPassword"`
	RedisDB           int    `json:"redisDb"`
}

func (r *rawConfig) toConfig() *ClientConfig {
	return &ClientConfig{
		BackendURL:        r.BackendURL,
		RequestTimeout:    time.Duration(r.RequestTimeoutMS) * time.Millisecond,
		CacheTTL:          time.Duration(r.CacheTTLMS) * time.Millisecond,
		SessionCacheTTL:   time.Duration(r.SessionCacheMS) * time.Millisecond,
		SessionCheckEvery: time.Duration(r.SessionCheckMS) * time.Millisecond,
		WS: WSConf{
			BaseDelay:  time.Duration(r.WSBaseDelayMS) * time.Millisecond,
			MaxDelay:   time.Duration(r.WSMaxDelayMS) * time.Millisecond,
			MaxRetries: r.WSMaxRetries,
		},
		StatePath:     r.StatePath,
		RedisAddr:     r.RedisAddr,
		RedisPassword: r.RedisPassword,
		RedisDB:       r.RedisDB,
	}
}
