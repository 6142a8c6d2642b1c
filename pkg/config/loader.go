package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces all environment overrides, e.g. KEEPER_LOCK_LEASE_TTL.
const envPrefix = "KEEPER_"

// Service loads and validates configuration from defaults and environment.
type Service struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
}

// NewService creates a new configuration service with validation support.
func NewService() *Service {
	return &Service{
		koanf:     koanf.New("."),
		validator: validator.New(),
	}
}

// Load builds a Config from defaults overridden by KEEPER_-prefixed
// environment variables, then validates the result.
func (s *Service) Load(_ context.Context) (*Config, error) {
	if err := s.loadDefaults(); err != nil {
		return nil, err
	}
	if err := s.loadEnvironment(); err != nil {
		return nil, err
	}
	return s.unmarshalAndValidate()
}

// loadDefaults loads the default configuration via the structs provider so
// defaults and struct tags never drift apart.
func (s *Service) loadDefaults() error {
	if err := s.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	return nil
}

// transformEnvKey converts environment variable names to koanf paths.
// For example: KEEPER_LOCK_LEASE_TTL -> lock.lease_ttl.
func transformEnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '_'
	})
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	// First part is the section; the rest stays underscore-joined so field
	// names like lease_ttl survive the split.
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// loadEnvironment loads configuration overrides from environment variables.
func (s *Service) loadEnvironment() error {
	if err := s.koanf.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key string, value string) (string, any) {
			return transformEnvKey(key), value
		},
	}), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

// unmarshalAndValidate decodes the merged configuration and applies both
// struct-tag and cross-field validation.
func (s *Service) unmarshalAndValidate() (*Config, error) {
	cfg := &Config{}
	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	}
	if err := s.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag:           "koanf",
		DecoderConfig: decoderConfig,
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := s.validator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration failed validation: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration failed validation: %w", err)
	}
	return cfg, nil
}
