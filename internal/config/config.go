package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mesh_beacon/internal/dataType"
	"mesh_beacon/internal/utils"
)

type Peer struct {
	Name      string `yaml:"name" validate:"required"`
	Address   string `yaml:"address" validate:"required,url"`
	Host      string `yaml:"host"`
	PeerID    string `yaml:"peer_id"`
	PublicKey string `yaml:"public_key"` // base64 Ed25519 key, optional
}

type MainConfig struct {
	Port           string `yaml:"port" validate:"required"`
	WebPath        string `yaml:"web_path" validate:"required,startswith=/"`
	LogPath        string `yaml:"log_path"`
	NodeName       string `yaml:"node_name" validate:"required"`
	KeyPath        string `yaml:"key_path"`
	TrustStatePath string `yaml:"trust_state_path"`
	GlobalSecret   string `yaml:"global_secret" validate:"omitempty,min=32"`
	Peers          []Peer `yaml:"peers" validate:"dive"`
}

// LoadMainConfig Read the configuration file and return the configuration object
func LoadMainConfig(basePath string) (*MainConfig, error) {

	defaultCfg := MainConfig{
		Port:           "25580",
		WebPath:        "/mesh",
		LogPath:        "/www/mesh_beacon/log/",
		NodeName:       "Mesh Beacon",
		KeyPath:        "/www/mesh_beacon/config/node.key",
		TrustStatePath: "/www/mesh_beacon/config/trust_state.json",
	}

	exePath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if basePath == "" {
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "beacon.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &defaultCfg, err
	}

	cfg := defaultCfg
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &defaultCfg, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", configPath)
	}

	return &cfg, nil
}

// LimitConfig holds the admission thresholds. The defaults below are
// interop-critical: every mesh node must run the same values or nodes will
// disagree on admission.
type LimitConfig struct {
	MaxPerSender       int64
	SenderWindowSec    int64
	MaxPerZone         int64
	ZoneWindowSec      int64
	MinTrustToRelay    dataType.TrustLevel
	MinTrustToDisplay  dataType.TrustLevel
	SpamReportsToBlock int
	DefaultTTL         time.Duration
	// MaxTTL is declared for interop with the reference nodes but is not
	// consulted anywhere in the admission pipeline.
	MaxTTL  time.Duration
	MaxHops int
}

func DefaultLimits() *LimitConfig {
	return &LimitConfig{
		MaxPerSender:       3,
		SenderWindowSec:    3600,
		MaxPerZone:         10,
		ZoneWindowSec:      3600,
		MinTrustToRelay:    dataType.TrustThirdDegree,
		MinTrustToDisplay:  dataType.TrustUnknown,
		SpamReportsToBlock: 5,
		DefaultTTL:         7 * 24 * time.Hour,
		MaxTTL:             30 * 24 * time.Hour,
		MaxHops:            50,
	}
}

// limitWrapper
type limitWrapper struct {
	SenderRate         string `yaml:"sender_rate"`
	ZoneRate           string `yaml:"zone_rate"`
	MinTrustToRelay    string `yaml:"min_trust_to_relay"`
	MinTrustToDisplay  string `yaml:"min_trust_to_display"`
	SpamReportsToBlock int    `yaml:"spam_reports_to_block"`
	DefaultTTLHours    int    `yaml:"default_ttl_hours"`
	MaxTTLHours        int    `yaml:"max_ttl_hours"`
	MaxHops            int    `yaml:"max_hops"`
}

// LoadLimits loads Limits.yml from the config directory. A missing file
// means the stock limits; a present file overrides only what it sets.
func LoadLimits(basePath string) (*LimitConfig, error) {
	limits := DefaultLimits()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	limitFile := filepath.Join(basePath, "config", "Limits.yml")

	data, err := os.ReadFile(limitFile)
	if err != nil {
		if os.IsNotExist(err) {
			return limits, nil
		}
		return nil, errors.Wrapf(err, "failed to read limits file %s", limitFile)
	}

	var wrapper limitWrapper
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, errors.Wrapf(err, "failed to parse limits file %s", limitFile)
	}

	if wrapper.SenderRate != "" {
		limit, seconds, err := utils.ParseRate(wrapper.SenderRate)
		if err != nil {
			return nil, err
		}
		limits.MaxPerSender = int64(limit)
		limits.SenderWindowSec = int64(seconds)
	}
	if wrapper.ZoneRate != "" {
		limit, seconds, err := utils.ParseRate(wrapper.ZoneRate)
		if err != nil {
			return nil, err
		}
		limits.MaxPerZone = int64(limit)
		limits.ZoneWindowSec = int64(seconds)
	}
	if wrapper.MinTrustToRelay != "" {
		lvl, err := dataType.ParseTrustLevel(wrapper.MinTrustToRelay)
		if err != nil {
			return nil, err
		}
		limits.MinTrustToRelay = lvl
	}
	if wrapper.MinTrustToDisplay != "" {
		lvl, err := dataType.ParseTrustLevel(wrapper.MinTrustToDisplay)
		if err != nil {
			return nil, err
		}
		limits.MinTrustToDisplay = lvl
	}
	if wrapper.SpamReportsToBlock > 0 {
		limits.SpamReportsToBlock = wrapper.SpamReportsToBlock
	}
	if wrapper.DefaultTTLHours > 0 {
		limits.DefaultTTL = time.Duration(wrapper.DefaultTTLHours) * time.Hour
	}
	if wrapper.MaxTTLHours > 0 {
		limits.MaxTTL = time.Duration(wrapper.MaxTTLHours) * time.Hour
	}
	if wrapper.MaxHops > 0 {
		limits.MaxHops = wrapper.MaxHops
	}

	return limits, nil
}
