package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateDSP(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.LockFile == c.Paths.StateFile {
		return errors.New("paths.lock_file and paths.state_file must differ")
	}
	if c.Paths.SocketPath == c.Paths.LockFile {
		return errors.New("paths.socket_path and paths.lock_file must differ")
	}
	return nil
}

func (c *Config) validateSource() error {
	switch c.Source.Kind {
	case SourceFIFO:
	case SourceHTTP:
		u, err := url.Parse(c.Source.HTTPURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("source.http_url %q must be an http(s) URL", c.Source.HTTPURL)
		}
	default:
		return fmt.Errorf("source.kind %q is not supported (use fifo or http)", c.Source.Kind)
	}
	if c.Source.HeaderBudget < 44 {
		return errors.New("source.header_budget must be at least 44 bytes")
	}
	if c.Source.ReconnectMaxMS < c.Source.ReconnectInitialMS {
		return errors.New("source.reconnect_max_ms must not be below source.reconnect_initial_ms")
	}
	return nil
}

func (c *Config) validateDevice() error {
	switch c.Device.Backend {
	case "alsa", "portaudio", "wav", "null":
		return nil
	default:
		return fmt.Errorf("device.backend %q is not supported (use alsa, portaudio, wav or null)", c.Device.Backend)
	}
}

func (c *Config) validateDSP() error {
	if c.DSP.InterpolationMS < 0 || c.DSP.InterpolationMS > 1000 {
		return errors.New("dsp.interpolation_ms must be between 0 and 1000")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use console or json)", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}
