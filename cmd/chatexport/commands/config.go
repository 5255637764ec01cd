package commands

import (
	"fmt"
	"net/http"
	"sort"
	"time"
	"webchat-export/internal/credentials"
	"webchat-export/internal/media/candidates"
	"webchat-export/lib/configutil"
)

type Config struct {
	// Origin is the chat web app, ex. https://chatgpt.com
	Origin       string `json:"origin"`
	SessionToken string `json:"session_token"`
	// Cookies are extra cookies of the origin, ex. the cloudflare clearance.
	Cookies   map[string]string `json:"cookies"`
	UserAgent string            `json:"user_agent"`

	TokenTTL     configutil.Duration `json:"token_ttl"`
	Timeout      configutil.Duration `json:"timeout"`
	ItemDelay    configutil.Duration `json:"item_delay"`
	MaxBodyBytes int64               `json:"max_body_bytes"`
	MaxRetries   uint64              `json:"max_retries"`

	Placeholders         bool    `json:"placeholders"`
	CorrelationThreshold float64 `json:"correlation_threshold"`

	Topology candidates.Topology `json:"topology"`
}

func readConfig(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if cfg.Origin == "" {
		cfg.Origin = "https://chatgpt.com"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = configutil.Duration(credentials.DefaultTTL)
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	return cfg, nil
}

// sessionCookies lists the configured cookies in a stable order, the session
// token becomes the session cookie.
func (c Config) sessionCookies() []*http.Cookie {
	var cookies []*http.Cookie
	if c.SessionToken != "" {
		cookies = append(cookies, &http.Cookie{
			Name:   credentials.SessionCookie,
			Value:  c.SessionToken,
			Path:   "/",
			Secure: true,
		})
	}

	names := make([]string, 0, len(c.Cookies))
	for name := range c.Cookies {
		if name == credentials.SessionCookie && c.SessionToken != "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cookies = append(cookies, &http.Cookie{
			Name:   name,
			Value:  c.Cookies[name],
			Path:   "/",
			Secure: true,
		})
	}
	return cookies
}

func (c Config) timeout() time.Duration {
	return c.Timeout.Std()
}
