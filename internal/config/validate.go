package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}

	if c.Server.TLS.CertFile == "" {
		v.Add("server.tls.certFile is required")
	} else if err := requireFile(c.resolvePath(c.Server.TLS.CertFile)); err != nil {
		v.Add("server.tls.certFile invalid: %v", err)
	}
	if c.Server.TLS.KeyFile == "" {
		v.Add("server.tls.keyFile is required")
	} else if err := requireFile(c.resolvePath(c.Server.TLS.KeyFile)); err != nil {
		v.Add("server.tls.keyFile invalid: %v", err)
	}

	if c.Upstream.Addr == "" {
		v.Add("upstream.addr is required")
	} else if err := validateListen(c.Upstream.Addr); err != nil {
		v.Add("upstream.addr invalid: %v", err)
	}
	if c.Upstream.ConnectTimeout <= 0 {
		v.Add("upstream.connectTimeout must be > 0")
	}

	if c.Limiter.Rate <= 0 {
		v.Add("limiter.rate must be > 0")
	}
	if c.Limiter.Burst <= 0 {
		v.Add("limiter.burst must be > 0")
	}
	if c.Limiter.IdleTTL <= 0 {
		v.Add("limiter.idleTTL must be > 0")
	}
	if c.Limiter.SweepInterval <= 0 {
		v.Add("limiter.sweepInterval must be > 0")
	}

	if c.Limits.TLSHandshakeTimeout <= 0 {
		v.Add("limits.tlsHandshakeTimeout must be > 0")
	}
	if c.Limits.HeaderTimeout <= 0 {
		v.Add("limits.headerTimeout must be > 0")
	}
	if c.Limits.RequestTimeout <= 0 {
		v.Add("limits.requestTimeout must be > 0")
	}
	if c.Limits.RequestTimeout < c.Limits.HeaderTimeout {
		v.Add("limits.requestTimeout must cover limits.headerTimeout")
	}

	if c.Signatures.ExtraFile != "" {
		if err := requireFile(c.resolvePath(c.Signatures.ExtraFile)); err != nil {
			v.Add("signatures.extraFile invalid: %v", err)
		}
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		v.Add("logging.level must be trace|debug|info|warn|error")
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return v
	}
	return nil
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
