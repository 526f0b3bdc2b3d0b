// Package config holds the self-play tunables. A Source loads them through
// viper and republishes an immutable *Config whenever the file changes, so
// callers take one Snapshot per unit of work.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	// Search.
	Readouts      int     `mapstructure:"readouts"`
	VirtualLosses int     `mapstructure:"virtual_losses"`
	CPuct         float32 `mapstructure:"c_puct"`
	MaxGameLength int     `mapstructure:"max_game_length"`
	Komi          float32 `mapstructure:"komi"`

	// TreeReuse keeps the played child's subtree; false searches every move
	// from a fresh root.
	TreeReuse bool `mapstructure:"tree_reuse"`

	// Time-based budget. SecondsPerMove > 0 replaces the fixed readout count.
	SecondsPerMove float32 `mapstructure:"seconds_per_move"`
	TimeLimit      float32 `mapstructure:"time_limit"`
	DecayFactor    float32 `mapstructure:"decay_factor"`

	// Self-play.
	ResignThreshold  float32 `mapstructure:"resign_threshold"`
	DisableResignPct float32 `mapstructure:"disable_resign_pct"`
	DirichletAlpha   float32 `mapstructure:"dirichlet_alpha"`
	NoiseMix         float32 `mapstructure:"noise_mix"`
	SoftPickCutoff   int     `mapstructure:"soft_pick_cutoff"`
	PassAliveMinMove int     `mapstructure:"pass_alive_min_move"`
	ParallelGames    int     `mapstructure:"parallel_games"`
	AbortFile        string  `mapstructure:"abort_file"`

	// A worker waits FailureBackoff after a failed game, doubling per
	// consecutive failure. The run stops after MaxConsecutiveFailures in a
	// row on one worker; 0 never stops.
	FailureBackoff         time.Duration `mapstructure:"failure_backoff"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`

	// Inference.
	ModelDir     string        `mapstructure:"model_dir"`
	ModelPattern string        `mapstructure:"model_pattern"`
	RemoteURL    string        `mapstructure:"remote_url"`
	Sessions     int           `mapstructure:"sessions"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	PolicyLogits bool          `mapstructure:"policy_logits"`
	DisableCUDA  bool          `mapstructure:"disable_cuda"`
	CacheSize    int           `mapstructure:"cache_size"`
	CacheShards  int           `mapstructure:"cache_shards"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`

	// Output.
	OutputDir     string `mapstructure:"output_dir"`
	GamesPerFile  int    `mapstructure:"games_per_file"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	LogLevel string `mapstructure:"log_level"`
}

func Default() Config {
	return Config{
		Readouts:      800,
		VirtualLosses: 8,
		CPuct:         1.5,
		MaxGameLength: 162,
		Komi:          7.5,
		TreeReuse:     true,

		TimeLimit:   0,
		DecayFactor: 0.98,

		ResignThreshold:  -0.9,
		DisableResignPct: 0.1,
		DirichletAlpha:   0.03,
		NoiseMix:         0.25,
		SoftPickCutoff:   16,
		PassAliveMinMove: 40,
		ParallelGames:    32,
		AbortFile:        "abort",

		FailureBackoff:         time.Second,
		MaxConsecutiveFailures: 10,

		ModelDir:     "models",
		ModelPattern: "*.onnx",
		Sessions:     1,
		BatchSize:    128,
		BatchTimeout: time.Millisecond,
		CacheSize:    1 << 20,
		CacheShards:  8,
		RedisTTL:     time.Hour,

		OutputDir:     "data/selfplay",
		GamesPerFile:  64,
		MongoDatabase: "gozero",

		LogLevel: "info",
	}
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Readouts > 0 || c.SecondsPerMove > 0, "readouts must be positive when seconds_per_move is unset, got %d", c.Readouts)
	check(c.VirtualLosses > 0, "virtual_losses must be positive, got %d", c.VirtualLosses)
	check(c.CPuct > 0, "c_puct must be positive, got %v", c.CPuct)
	check(c.MaxGameLength > 0, "max_game_length must be positive, got %d", c.MaxGameLength)
	check(c.SecondsPerMove >= 0, "seconds_per_move must not be negative, got %v", c.SecondsPerMove)
	check(c.DecayFactor > 0 && c.DecayFactor < 1, "decay_factor must be in (0, 1), got %v", c.DecayFactor)
	check(c.ResignThreshold >= -1 && c.ResignThreshold <= 0, "resign_threshold must be in [-1, 0], got %v", c.ResignThreshold)
	check(c.DisableResignPct >= 0 && c.DisableResignPct <= 1, "disable_resign_pct must be in [0, 1], got %v", c.DisableResignPct)
	check(c.DirichletAlpha > 0, "dirichlet_alpha must be positive, got %v", c.DirichletAlpha)
	check(c.NoiseMix >= 0 && c.NoiseMix <= 1, "noise_mix must be in [0, 1], got %v", c.NoiseMix)
	check(c.SoftPickCutoff >= 0, "soft_pick_cutoff must not be negative, got %d", c.SoftPickCutoff)
	check(c.FailureBackoff >= 0, "failure_backoff must not be negative, got %v", c.FailureBackoff)
	check(c.MaxConsecutiveFailures >= 0, "max_consecutive_failures must not be negative, got %d", c.MaxConsecutiveFailures)
	check(c.ParallelGames > 0, "parallel_games must be positive, got %d", c.ParallelGames)
	check(c.Sessions > 0, "sessions must be positive, got %d", c.Sessions)
	check(c.BatchSize > 0, "batch_size must be positive, got %d", c.BatchSize)
	check(c.BatchTimeout > 0, "batch_timeout must be positive, got %v", c.BatchTimeout)
	check(c.CacheSize >= 0, "cache_size must not be negative, got %d", c.CacheSize)
	check(c.CacheSize == 0 || c.CacheShards > 0, "cache_shards must be positive, got %d", c.CacheShards)
	check(c.GamesPerFile > 0, "games_per_file must be positive, got %d", c.GamesPerFile)
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Source owns the viper instance and the currently published Config.
type Source struct {
	v   *viper.Viper
	cur atomic.Pointer[Config]
}

// Load reads path (any format viper understands) over the defaults. Keys can
// also be set from the environment as GOZERO_<KEY>. An empty path uses
// defaults and environment only.
func Load(path string) (*Source, error) {
	v := viper.New()
	def := Default()
	for key, val := range defaultMap(def) {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("gozero")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := &Source{v: v}
	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cur.Store(cfg)
	return s, nil
}

func (s *Source) decode() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Snapshot returns the current configuration. The result must not be
// modified.
func (s *Source) Snapshot() *Config { return s.cur.Load() }

// Watch republishes the configuration whenever the file changes. A change
// that fails to decode or validate is logged and the previous snapshot stays.
func (s *Source) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.decode()
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("config reload rejected")
			return
		}
		s.cur.Store(cfg)
		log.Info().Str("file", e.Name).Int("readouts", cfg.Readouts).Msg("config reloaded")
	})
	s.v.WatchConfig()
}

func defaultMap(c Config) map[string]any {
	return map[string]any{
		"readouts":                 c.Readouts,
		"virtual_losses":           c.VirtualLosses,
		"c_puct":                   c.CPuct,
		"max_game_length":          c.MaxGameLength,
		"komi":                     c.Komi,
		"tree_reuse":               c.TreeReuse,
		"seconds_per_move":         c.SecondsPerMove,
		"time_limit":               c.TimeLimit,
		"decay_factor":             c.DecayFactor,
		"resign_threshold":         c.ResignThreshold,
		"disable_resign_pct":       c.DisableResignPct,
		"dirichlet_alpha":          c.DirichletAlpha,
		"noise_mix":                c.NoiseMix,
		"soft_pick_cutoff":         c.SoftPickCutoff,
		"pass_alive_min_move":      c.PassAliveMinMove,
		"parallel_games":           c.ParallelGames,
		"abort_file":               c.AbortFile,
		"failure_backoff":          c.FailureBackoff,
		"max_consecutive_failures": c.MaxConsecutiveFailures,
		"model_dir":                c.ModelDir,
		"model_pattern":            c.ModelPattern,
		"remote_url":               c.RemoteURL,
		"sessions":                 c.Sessions,
		"batch_size":               c.BatchSize,
		"batch_timeout":            c.BatchTimeout,
		"policy_logits":            c.PolicyLogits,
		"disable_cuda":             c.DisableCUDA,
		"cache_size":               c.CacheSize,
		"cache_shards":             c.CacheShards,
		"redis_addr":               c.RedisAddr,
		"redis_ttl":                c.RedisTTL,
		"output_dir":               c.OutputDir,
		"games_per_file":           c.GamesPerFile,
		"mongo_uri":                c.MongoURI,
		"mongo_database":           c.MongoDatabase,
		"log_level":                c.LogLevel,
	}
}
