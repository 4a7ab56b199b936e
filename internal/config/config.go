// Package config loads broker profile files. A profile file names one or
// more brokers and the connection settings used to reach each of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/amqpwire/internal/auth"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrNoProfiles      = errors.New("config: no broker profiles")
	ErrUnknownProfile  = errors.New("config: unknown broker profile")
	ErrDuplicateName   = errors.New("config: duplicate broker profile name")
	ErrInvalidProfile  = errors.New("config: invalid broker profile")
	defaultProfileName = "local"
)

type ProfilesFile struct {
	Default string          `toml:"default"`
	Brokers []BrokerProfile `toml:"brokers"`
}

type BrokerProfile struct {
	Name            string     `toml:"name"`
	Host            string     `toml:"host"`
	Port            int        `toml:"port"`
	VirtualHost     string     `toml:"vhost"`
	Mechanism       string     `toml:"mechanism"`
	Username        string     `toml:"username"`
	Password        string     `toml:"password"`
	ConnectionName  string     `toml:"connection_name"`
	Heartbeat       string     `toml:"heartbeat"`
	ResponseTimeout string     `toml:"response_timeout"`
	ChannelMax      uint16     `toml:"channel_max"`
	FrameMax        uint32     `toml:"frame_max"`
	ConnectAttempts int        `toml:"connect_attempts"`
	SecurityMode    string     `toml:"security_mode"`
	TLS             TLSProfile `toml:"tls"`
	Proxy           string     `toml:"socks5_proxy"`
}

type TLSProfile struct {
	Enabled    bool   `toml:"enabled"`
	Mutual     bool   `toml:"mutual"`
	CAFile     string `toml:"ca_file"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	ServerName string `toml:"server_name"`
}

func LoadProfiles(path string) (ProfilesFile, error) {
	var file ProfilesFile
	if err := loadToml(path, &file); err != nil {
		return ProfilesFile{}, err
	}
	if strings.TrimSpace(file.Default) == "" && len(file.Brokers) > 0 {
		file.Default = file.Brokers[0].Name
	}
	if err := ValidateProfiles(file); err != nil {
		return ProfilesFile{}, err
	}
	return file, nil
}

// ParseProfiles decodes a profile file held in memory.
func ParseProfiles(data []byte) (ProfilesFile, error) {
	var file ProfilesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return ProfilesFile{}, fmt.Errorf("config parse failed: %w", err)
	}
	if strings.TrimSpace(file.Default) == "" && len(file.Brokers) > 0 {
		file.Default = file.Brokers[0].Name
	}
	if err := ValidateProfiles(file); err != nil {
		return ProfilesFile{}, err
	}
	return file, nil
}

// Profile returns the named profile, or the default one when name is empty.
func (f ProfilesFile) Profile(name string) (BrokerProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = f.Default
	}
	for _, p := range f.Brokers {
		if p.Name == name {
			return p, nil
		}
	}
	return BrokerProfile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateProfiles(file ProfilesFile) error {
	if len(file.Brokers) == 0 {
		return ErrNoProfiles
	}
	seen := make(map[string]struct{}, len(file.Brokers))
	for i, p := range file.Brokers {
		if err := ValidateProfile(p); err != nil {
			return fmt.Errorf("brokers[%d]: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if _, ok := seen[file.Default]; !ok {
		return fmt.Errorf("%w: default %q", ErrUnknownProfile, file.Default)
	}
	return nil
}

func ValidateProfile(p BrokerProfile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%w: %s: host is required", ErrInvalidProfile, p.Name)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidProfile, p.Name, p.Port)
	}
	if _, err := auth.FromName(p.Mechanism, p.Username, p.Password); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidProfile, p.Name, err)
	}
	for field, raw := range map[string]string{"heartbeat": p.Heartbeat, "response_timeout": p.ResponseTimeout} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrInvalidProfile, p.Name, field, err)
		}
	}
	if p.TLS.Mutual && (p.TLS.CertFile == "" || p.TLS.KeyFile == "") {
		return fmt.Errorf("%w: %s: mutual tls needs cert_file and key_file", ErrInvalidProfile, p.Name)
	}
	return nil
}

// parseDuration accepts Go duration strings; empty means unset.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
