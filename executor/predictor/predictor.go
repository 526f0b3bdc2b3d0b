// Package predictor assembles the evaluation stack the binaries share:
// a model source, a pool of batchers over it and an optional cache.
package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/brensch/gozero/config"
	"github.com/brensch/gozero/executor/inference"
	"github.com/brensch/gozero/executor/remote"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// UniformModelDir selects the built-in uniform model instead of ONNX files.
const UniformModelDir = "uniform"

type Stack struct {
	pool  *inference.Pool
	cache *inference.Cache
	redis *redis.Client
}

// Build creates the stack described by cfg. The model comes from
// cfg.RemoteURL if set, else the newest file in cfg.ModelDir (reloaded as new
// files appear), else the uniform model.
func Build(ctx context.Context, cfg *config.Config) (*Stack, error) {
	newModel, err := modelSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pool, err := inference.NewPool(cfg.Sessions, inference.BatcherConfig{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}, newModel)
	if err != nil {
		return nil, err
	}
	s := &Stack{pool: pool}

	if cfg.CacheSize > 0 {
		cc := inference.CacheConfig{Size: cfg.CacheSize, Shards: cfg.CacheShards, RedisTTL: cfg.RedisTTL}
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := rdb.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				_ = rdb.Close()
				_ = pool.Close()
				return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
			}
			s.redis = rdb
			cc.Redis = rdb
		}
		s.cache = inference.NewCache(pool, cc)
	}

	log.Info().
		Str("model", pool.Name()).
		Int("sessions", cfg.Sessions).
		Int("batch_size", cfg.BatchSize).
		Int("cache_size", cfg.CacheSize).
		Bool("redis", s.redis != nil).
		Msg("evaluation stack ready")
	return s, nil
}

func modelSource(ctx context.Context, cfg *config.Config) (func() (inference.Model, error), error) {
	switch {
	case cfg.RemoteURL != "":
		return func() (inference.Model, error) {
			return remote.Dial(ctx, cfg.RemoteURL, nil)
		}, nil
	case cfg.ModelDir == "" || cfg.ModelDir == UniformModelDir:
		return func() (inference.Model, error) { return inference.UniformModel{}, nil }, nil
	}

	onnxCfg := inference.OnnxConfig{DisableCUDA: cfg.DisableCUDA, PolicyLogits: cfg.PolicyLogits}
	load := func(path string) (inference.Model, error) {
		return inference.NewOnnxModel(path, onnxCfg)
	}
	return func() (inference.Model, error) {
		return inference.NewReloader(cfg.ModelDir, cfg.ModelPattern, load)
	}, nil
}

// Predictor is the entry point for searches.
func (s *Stack) Predictor() inference.Predictor {
	if s.cache != nil {
		return s.cache
	}
	return s.pool
}

// Batching returns the pool without the cache in front, for serving remote
// clients that do their own caching.
func (s *Stack) Batching() inference.Predictor { return s.pool }

func (s *Stack) Name() string                 { return s.pool.Name() }
func (s *Stack) Stats() inference.RuntimeStats { return s.pool.Stats() }

// CacheStats reports false when the stack has no cache.
func (s *Stack) CacheStats() (inference.CacheStats, bool) {
	if s.cache == nil {
		return inference.CacheStats{}, false
	}
	return s.cache.Stats(), true
}

func (s *Stack) Close() error {
	err := s.pool.Close()
	if s.redis != nil {
		if rerr := s.redis.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
