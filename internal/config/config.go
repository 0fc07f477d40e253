package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("5s", "250ms") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	ConfigVersion int              `yaml:"configVersion"`
	Server        ServerConfig     `yaml:"server"`
	Upstream      UpstreamConfig   `yaml:"upstream"`
	Limiter       LimiterConfig    `yaml:"limiter"`
	Limits        Limits           `yaml:"limits"`
	Signatures    SignaturesConfig `yaml:"signatures"`
	Logging       LoggingConfig    `yaml:"logging"`
	Metrics       MetricsConfig    `yaml:"metrics"`

	baseDir string `yaml:"-"`
}

type ServerConfig struct {
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type UpstreamConfig struct {
	Addr           string   `yaml:"addr"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
}

type LimiterConfig struct {
	Rate          float64  `yaml:"rate"`
	Burst         int      `yaml:"burst"`
	IdleTTL       Duration `yaml:"idleTTL"`
	SweepInterval Duration `yaml:"sweepInterval"`
}

type Limits struct {
	TLSHandshakeTimeout Duration `yaml:"tlsHandshakeTimeout"`
	HeaderTimeout       Duration `yaml:"headerTimeout"`
	RequestTimeout      Duration `yaml:"requestTimeout"`
}

type SignaturesConfig struct {
	ExtraFile string `yaml:"extraFile"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	DecisionLog string `yaml:"decisionLog"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the built-in configuration: TLS on :4433 terminating in
// front of a single upstream on localhost.
func Default() Config {
	return Config{
		ConfigVersion: 1,
		Server: ServerConfig{
			Listen: "0.0.0.0:4433",
			TLS: TLSConfig{
				CertFile: "cert.pem",
				KeyFile:  "key.pem",
			},
		},
		Upstream: UpstreamConfig{
			Addr:           "127.0.0.1:8000",
			ConnectTimeout: Duration(5 * time.Second),
		},
		Limiter: LimiterConfig{
			Rate:          25,
			Burst:         50,
			IdleTTL:       Duration(60 * time.Second),
			SweepInterval: Duration(60 * time.Second),
		},
		Limits: Limits{
			TLSHandshakeTimeout: Duration(10 * time.Second),
			HeaderTimeout:       Duration(5 * time.Second),
			RequestTimeout:      Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9090",
		},
	}
}

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}
