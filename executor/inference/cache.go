package inference

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type CacheConfig struct {
	// Size is the total number of entries across all shards.
	Size   int
	Shards int

	// Redis, when set, is consulted on a local miss and filled after every
	// network evaluation, so several processes share results.
	Redis       *redis.Client
	RedisPrefix string
	RedisTTL    time.Duration
}

type CacheStats struct {
	Hits      int64
	Misses    int64
	RedisHits int64
}

// Cache is a Predictor that remembers results by CacheKey. Entries are spread
// over independently locked LRU shards.
type Cache struct {
	next   Predictor
	shards []*cacheShard
	cfg    CacheConfig

	hits      atomic.Int64
	misses    atomic.Int64
	redisHits atomic.Int64
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[CacheKey]*list.Element
}

type cacheEntry struct {
	key    CacheKey
	result Result
}

func NewCache(next Predictor, cfg CacheConfig) *Cache {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.Size < cfg.Shards {
		cfg.Size = cfg.Shards
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "gozero:eval"
	}
	c := &Cache{next: next, cfg: cfg, shards: make([]*cacheShard, cfg.Shards)}
	per := cfg.Size / cfg.Shards
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			capacity: per,
			order:    list.New(),
			entries:  make(map[CacheKey]*list.Element, per),
		}
	}
	return c
}

func keyBytes(k CacheKey) [11]byte {
	var b [11]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(k.Hash))
	b[8] = byte(k.ToPlay)
	if k.PrevPass {
		b[9] = 1
	}
	b[10] = byte(k.Symmetry)
	return b
}

func (c *Cache) shard(k CacheKey) *cacheShard {
	b := keyBytes(k)
	return c.shards[xxhash.Checksum64(b[:])%uint64(len(c.shards))]
}

func (c *Cache) Predict(ctx context.Context, req Request) (Result, error) {
	s := c.shard(req.Key)
	if res, ok := s.get(req.Key); ok {
		c.hits.Add(1)
		return res, nil
	}
	c.misses.Add(1)

	if c.cfg.Redis != nil {
		if res, ok := c.redisGet(ctx, req.Key); ok {
			c.redisHits.Add(1)
			s.put(req.Key, res)
			return res, nil
		}
	}

	res, err := c.next.Predict(ctx, req)
	if err != nil {
		return Result{}, err
	}
	s.put(req.Key, res)
	if c.cfg.Redis != nil {
		c.redisSet(ctx, req.Key, res)
	}
	return res, nil
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		RedisHits: c.redisHits.Load(),
	}
}

// Len returns the number of locally cached entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

func (s *cacheShard) get(k CacheKey) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[k]
	if !ok {
		return Result{}, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*cacheEntry).result, true
}

func (s *cacheShard) put(k CacheKey, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[k]; ok {
		el.Value.(*cacheEntry).result = res
		s.order.MoveToFront(el)
		return
	}
	s.entries[k] = s.order.PushFront(&cacheEntry{key: k, result: res})
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *Cache) redisKey(k CacheKey) string {
	return fmt.Sprintf("%s:%016x:%d:%t:%d", c.cfg.RedisPrefix, uint64(k.Hash), k.ToPlay, k.PrevPass, k.Symmetry)
}

func (c *Cache) redisGet(ctx context.Context, k CacheKey) (Result, bool) {
	raw, err := c.cfg.Redis.Get(ctx, c.redisKey(k)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("redis cache get")
		}
		return Result{}, false
	}
	res, err := decodeResult(raw)
	if err != nil {
		log.Warn().Err(err).Msg("redis cache decode")
		return Result{}, false
	}
	return res, true
}

func (c *Cache) redisSet(ctx context.Context, k CacheKey, res Result) {
	if err := c.cfg.Redis.Set(ctx, c.redisKey(k), encodeResult(res), c.cfg.RedisTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("redis cache set")
	}
}

// encodeResult packs the value followed by the policy as little-endian float32s.
func encodeResult(res Result) []byte {
	buf := make([]byte, 4*(1+len(res.Policy)))
	binary.LittleEndian.PutUint32(buf, math.Float32bits(res.Value))
	for i, p := range res.Policy {
		binary.LittleEndian.PutUint32(buf[4*(i+1):], math.Float32bits(p))
	}
	return buf
}

func decodeResult(buf []byte) (Result, error) {
	if len(buf) < 4 || len(buf)%4 != 0 {
		return Result{}, fmt.Errorf("bad cached result length %d", len(buf))
	}
	res := Result{
		Value:  math.Float32frombits(binary.LittleEndian.Uint32(buf)),
		Policy: make([]float32, len(buf)/4-1),
	}
	for i := range res.Policy {
		res.Policy[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*(i+1):]))
	}
	return res, nil
}
