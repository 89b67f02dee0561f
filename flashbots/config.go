package flashbots

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/flashbots/go-bundle-client/relay"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRelay = errors.New("invalid relay configuration")

type RelaysConfig struct {
	Relays []struct {
		Name       string        `yaml:"name"`
		URL        string        `yaml:"url"`
		Simulation bool          `yaml:"simulation"`
		Disabled   bool          `yaml:"disabled"`
		RateLimit  float64       `yaml:"rate_limit"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"relays"`
}

type RelayConfig struct {
	Name string
	URL  string
	// Simulation marks the relay used for eth_callBundle
	Simulation bool
	// RateLimit is in requests per second, zero means unlimited
	RateLimit float64
	Timeout   time.Duration
}

// Options returns the relay client options for this relay
func (r RelayConfig) Options() []relay.Option {
	var opts []relay.Option
	if r.RateLimit > 0 {
		opts = append(opts, relay.WithRateLimit(rate.Limit(r.RateLimit), 1))
	}
	if r.Timeout > 0 {
		opts = append(opts, relay.WithHTTPClient(&http.Client{Timeout: r.Timeout}))
	}
	return opts
}

// LoadRelayConfig parses a relay list from a file, disabled relays are skipped
func LoadRelayConfig(file string) ([]RelayConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseRelayConfig(data)
}

func ParseRelayConfig(data []byte) ([]RelayConfig, error) {
	var config RelaysConfig
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	relays := make([]RelayConfig, 0, len(config.Relays))
	for _, r := range config.Relays {
		if r.Disabled {
			continue
		}
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %s: bad url %q", ErrInvalidRelay, r.Name, r.URL)
		}
		if r.RateLimit < 0 {
			return nil, fmt.Errorf("%w: %s: negative rate limit", ErrInvalidRelay, r.Name)
		}
		name := r.Name
		if name == "" {
			name = u.Host
		}
		relays = append(relays, RelayConfig{
			Name:       name,
			URL:        r.URL,
			Simulation: r.Simulation,
			RateLimit:  r.RateLimit,
			Timeout:    r.Timeout,
		})
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	return relays, nil
}

// MiddlewareConfig picks the first relay for submission and the first simulation relay for eth_callBundle
func MiddlewareConfig(relays []RelayConfig) (Config, error) {
	if len(relays) == 0 {
		return Config{}, ErrNoRelays
	}
	cfg := Config{
		RelayURL:     relays[0].URL,
		RelayOptions: relays[0].Options(),
	}
	for _, r := range relays {
		if r.Simulation {
			cfg.SimulationURL = r.URL
			break
		}
	}
	return cfg, nil
}
