// Package config holds the process-wide settings loaded at startup: log
// level/format plus frame-rate, buffer-depth, poll-interval and portal
// timeout values. Only the log settings are consumed (by cmd/miniav-capture);
// the capture package does not read this package and uses its own built-in
// values. Session parameters (target, format, audio) travel through the
// capture API instead, never through this package.
package config

import (
	"github.com/spf13/viper"
)

// Config is the process-wide tuning surface, loaded once at startup.
type Config struct {
	// LogLevel/LogFormat configure internal/logging.Init.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// DefaultFrameRateFPS mirrors the frame rate used when a requested
	// VideoFormat carries a zero Rational. Not read by the capture package,
	// whose normalizeVideoFormat fixes it at 30.
	DefaultFrameRateFPS int `mapstructure:"default_frame_rate_fps"`

	// PipeWireBufferDepth mirrors the Linux pipeline's pw_buffer maximum.
	// Not read by the capture package, which uses its pwMaxBuffers (16).
	PipeWireBufferDepth int `mapstructure:"pipewire_buffer_depth"`

	// PortalDialogTimeoutSeconds mirrors how long the Linux backend waits
	// for a portal Response signal. Not read by the capture package, which
	// uses its portalDialogTimeout (120s).
	PortalDialogTimeoutSeconds int `mapstructure:"portal_dialog_timeout_seconds"`

	// DXGIPollIntervalMillis/WGCPollIntervalMillis describe Windows
	// worker-thread pacing sleeps. Not read by the capture package, whose
	// NewEngine sets a zero poll interval.
	DXGIPollIntervalMillis int `mapstructure:"dxgi_poll_interval_millis"`
	WGCPollIntervalMillis  int `mapstructure:"wgc_poll_interval_millis"`
}

// Default returns the documented fallbacks.
func Default() *Config {
	return &Config{
		LogLevel:                   "info",
		LogFormat:                  "text",
		DefaultFrameRateFPS:        30,
		PipeWireBufferDepth:        16,
		PortalDialogTimeoutSeconds: 120,
		DXGIPollIntervalMillis:     1,
		WGCPollIntervalMillis:      1,
	}
}

// Load reads MINIAV_-prefixed environment variables and an optional
// config.yaml over the documented defaults.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()
	v.SetEnvPrefix("MINIAV")
	// Unmarshal only consults the environment for keys viper knows about.
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("default_frame_rate_fps", cfg.DefaultFrameRateFPS)
	v.SetDefault("pipewire_buffer_depth", cfg.PipeWireBufferDepth)
	v.SetDefault("portal_dialog_timeout_seconds", cfg.PortalDialogTimeoutSeconds)
	v.SetDefault("dxgi_poll_interval_millis", cfg.DXGIPollIntervalMillis)
	v.SetDefault("wgc_poll_interval_millis", cfg.WGCPollIntervalMillis)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
