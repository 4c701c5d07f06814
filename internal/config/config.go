package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Scoring   ScoringConfig   `toml:"scoring"`
	Rounds    RoundsConfig    `toml:"rounds"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Raw       map[string]any  `toml:"-"`
	Path      string          `toml:"-"`
}

type ServerConfig struct {
	Addr                string `toml:"addr" env:"COUNCIL_ADDR"`
	DBPath              string `toml:"db_path" env:"COUNCIL_DB_PATH"`
	LogPrefix           string `toml:"log_prefix" env:"COUNCIL_LOG_PREFIX"`
	ReadHeaderTimeoutMS int    `toml:"read_header_timeout_ms" env:"COUNCIL_READ_HEADER_TIMEOUT_MS"`
}

// ScoringConfig holds point overrides. A nil field keeps the default, so an
// explicit 0 can still be configured.
type ScoringConfig struct {
	WinPoints           *int `toml:"win_points" env:"COUNCIL_WIN_POINTS"`
	CorrectVotePoints   *int `toml:"correct_vote_points" env:"COUNCIL_CORRECT_VOTE_POINTS"`
	ParticipationPoints *int `toml:"participation_points" env:"COUNCIL_PARTICIPATION_POINTS"`
	CritiqueBonusPoints *int `toml:"critique_bonus_points" env:"COUNCIL_CRITIQUE_BONUS_POINTS"`
}

type RoundsConfig struct {
	MinProposals            int  `toml:"min_proposals" env:"COUNCIL_MIN_PROPOSALS"`
	RequireCritiqueCoverage bool `toml:"require_critique_coverage" env:"COUNCIL_REQUIRE_CRITIQUE_COVERAGE"`
	RequireVote             bool `toml:"require_vote" env:"COUNCIL_REQUIRE_VOTE"`
	MaxPromptChars          int  `toml:"max_prompt_chars" env:"COUNCIL_MAX_PROMPT_CHARS"`
	MaxProposalChars        int  `toml:"max_proposal_chars" env:"COUNCIL_MAX_PROPOSAL_CHARS"`
	MaxCritiqueChars        int  `toml:"max_critique_chars" env:"COUNCIL_MAX_CRITIQUE_CHARS"`
}

type TelemetryConfig struct {
	OTelEndpoint string `toml:"otel_endpoint" env:"COUNCIL_OTEL_ENDPOINT"`
	ServiceName  string `toml:"service_name" env:"COUNCIL_SERVICE_NAME"`
}

// Load reads the TOML file at path and then applies COUNCIL_* environment
// overrides. An empty path means ~/.claw_council/config.toml, which may be
// absent.
func Load(path string) (Config, error) {
	resolved := path
	optional := resolved == ""
	if resolved == "" {
		resolved = DefaultPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case optional && errors.Is(err, fs.ErrNotExist):
		cfg.Raw = map[string]any{}
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays COUNCIL_* environment variables onto cfg. Unset
// variables leave the file values alone.
func ApplyEnv(cfg *Config) error {
	for _, target := range []any{&cfg.Server, &cfg.Scoring, &cfg.Rounds, &cfg.Telemetry} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claw_council/config.toml"
	}
	return filepath.Join(home, ".claw_council", "config.toml")
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}
