package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes v as TOML to path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ProfileFile is the on-disk form of profiles/<name>/profile.toml. Durations are
// strings in time.ParseDuration syntax.
type ProfileFile struct {
	APIBaseURL           string `toml:"api_base_url"`
	WSURL                string `toml:"ws_url"`
	UserID               string `toml:"user_id"`
	Token                string `toml:"token"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ShadowWindow         string `toml:"shadow_window"`
	TypingTTL            string `toml:"typing_ttl"`
	HistoryPageSize      int    `toml:"history_page_size"`
	LogLevel             string `toml:"log_level"`
	CloudinaryCloudName  string `toml:"cloudinary_cloud_name"`
	CloudinaryAPIKey     string `toml:"cloudinary_api_key"`
	CloudinaryAPISecret  string `toml:"cloudinary_api_secret"`
	CloudinaryFolder     string `toml:"cloudinary_folder"`
}

// Profile is a fully resolved profile configuration.
type Profile struct {
	APIBaseURL           string
	WSURL                string
	UserID               string
	Token                string
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ShadowWindow         time.Duration
	TypingTTL            time.Duration
	HistoryPageSize      int
	LogLevel             string
	Cloudinary           Cloudinary
}

// Cloudinary holds image upload credentials. Empty CloudName disables uploads.
type Cloudinary struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Defaults.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultShadowWindow         = 10 * time.Second
	DefaultTypingTTL            = 3 * time.Second
	DefaultHistoryPageSize      = 50
	DefaultLogLevel             = "info"
	DefaultCloudinaryFolder     = "chat"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// LoadProfile resolves a profile from profilePath, then the dotenv file at envPath,
// then the process environment; later sources win. Either file may be missing.
func LoadProfile(profilePath, envPath string) (*Profile, error) {
	var file ProfileFile
	if _, err := toml.DecodeFile(profilePath, &file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	env := map[string]string{}
	if envPath != "" {
		dotenv, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range dotenv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := file.overlay(env); err != nil {
		return nil, err
	}
	return file.resolve()
}

func (f *ProfileFile) overlay(env map[string]string) error {
	strs := map[string]*string{
		"API_BASE_URL":          &f.APIBaseURL,
		"WS_URL":                &f.WSURL,
		"USER_ID":               &f.UserID,
		"TOKEN":                 &f.Token,
		"HEARTBEAT_INTERVAL":    &f.HeartbeatInterval,
		"SHADOW_WINDOW":         &f.ShadowWindow,
		"TYPING_TTL":            &f.TypingTTL,
		"LOG_LEVEL":             &f.LogLevel,
		"CLOUDINARY_CLOUD_NAME": &f.CloudinaryCloudName,
		"CLOUDINARY_API_KEY":    &f.CloudinaryAPIKey,
		"CLOUDINARY_API_SECRET": &f.CloudinaryAPISecret,
		"CLOUDINARY_FOLDER":     &f.CloudinaryFolder,
	}
	for key, dst := range strs {
		if v, ok := env[EnvPrefix+key]; ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"MAX_RECONNECT_ATTEMPTS": &f.MaxReconnectAttempts,
		"HISTORY_PAGE_SIZE":      &f.HistoryPageSize,
	}
	for key, dst := range ints {
		v, ok := env[EnvPrefix+key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

func (f *ProfileFile) resolve() (*Profile, error) {
	p := &Profile{
		APIBaseURL:           strings.TrimRight(f.APIBaseURL, "/"),
		WSURL:                f.WSURL,
		UserID:               f.UserID,
		Token:                f.Token,
		MaxReconnectAttempts: f.MaxReconnectAttempts,
		HistoryPageSize:      f.HistoryPageSize,
		LogLevel:             f.LogLevel,
		Cloudinary: Cloudinary{
			CloudName: f.CloudinaryCloudName,
			APIKey:    f.CloudinaryAPIKey,
			APISecret: f.CloudinaryAPISecret,
			Folder:    f.CloudinaryFolder,
		},
	}
	var err error
	if p.HeartbeatInterval, err = duration("heartbeat_interval", f.HeartbeatInterval, DefaultHeartbeatInterval); err != nil {
		return nil, err
	}
	if p.ShadowWindow, err = duration("shadow_window", f.ShadowWindow, DefaultShadowWindow); err != nil {
		return nil, err
	}
	if p.TypingTTL, err = duration("typing_ttl", f.TypingTTL, DefaultTypingTTL); err != nil {
		return nil, err
	}
	if p.MaxReconnectAttempts <= 0 {
		p.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if p.HistoryPageSize <= 0 {
		p.HistoryPageSize = DefaultHistoryPageSize
	}
	if p.LogLevel == "" {
		p.LogLevel = DefaultLogLevel
	}
	if p.Cloudinary.Folder == "" {
		p.Cloudinary.Folder = DefaultCloudinaryFolder
	}
	if p.WSURL == "" && p.APIBaseURL != "" {
		p.WSURL = deriveWSURL(p.APIBaseURL)
	}
	return p, nil
}

// Validate reports missing settings the daemon cannot run without.
func (p *Profile) Validate() error {
	var missing []string
	if p.APIBaseURL == "" {
		missing = append(missing, "api_base_url")
	}
	if p.WSURL == "" {
		missing = append(missing, "ws_url")
	}
	if p.Token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("profile incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func duration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", name, raw)
	}
	return d, nil
}

// deriveWSURL maps https://host/api to wss://host/api/ws.
func deriveWSURL(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://") + "/ws"
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://") + "/ws"
	}
	return ""
}
