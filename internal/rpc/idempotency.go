package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmitRecord 一次提交的幂等记录
type SubmitRecord struct {
	TxID string `json:"tx_id"`
	Done bool   `json:"done"`
}

// IdempotencyStore 按令牌记录广播状态
type IdempotencyStore interface {
	// Reserve 不存在时写入 pending 记录并返回 created=true，否则返回已有记录
	Reserve(ctx context.Context, token, txID string) (SubmitRecord, bool, error)
	// Retarget 旧交易确认未上链后，改为跟踪新的交易
	Retarget(ctx context.Context, token, txID string) error
	// Complete 标记广播成功
	Complete(ctx context.Context, token, txID string) error
	// Release 远端明确拒绝后删除记录
	Release(ctx context.Context, token string) error
}

// RedisIdempotencyStore Redis 实现，进程重启后仍可去重
type RedisIdempotencyStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyStore 创建 Redis 幂等存储
func NewRedisIdempotencyStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(token string) string {
	return s.keyPrefix + token
}

// Reserve SETNX 写入 pending 记录
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, token, txID string) (SubmitRecord, bool, error) {
	rec := SubmitRecord{TxID: txID}
	data, err := json.Marshal(rec)
	if err != nil {
		return SubmitRecord{}, false, err
	}

	ok, err := s.client.SetNX(ctx, s.key(token), data, s.ttl).Result()
	if err != nil {
		return SubmitRecord{}, false, err
	}
	if ok {
		return rec, true, nil
	}

	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err == redis.Nil {
		// 记录恰好过期，重新占位
		return s.Reserve(ctx, token, txID)
	}
	if err != nil {
		return SubmitRecord{}, false, err
	}
	var existing SubmitRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return SubmitRecord{}, false, err
	}
	return existing, false, nil
}

// Retarget 覆盖 pending 记录
func (s *RedisIdempotencyStore) Retarget(ctx context.Context, token, txID string) error {
	return s.set(ctx, token, SubmitRecord{TxID: txID})
}

// Complete 写入完成记录
func (s *RedisIdempotencyStore) Complete(ctx context.Context, token, txID string) error {
	return s.set(ctx, token, SubmitRecord{TxID: txID, Done: true})
}

// Release 删除记录
func (s *RedisIdempotencyStore) Release(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

func (s *RedisIdempotencyStore) set(ctx context.Context, token string, rec SubmitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(token), data, s.ttl).Err()
}

// MemoryIdempotencyStore 进程内实现，未配置 Redis 时使用
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]SubmitRecord
}

// NewMemoryIdempotencyStore 创建内存幂等存储
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]SubmitRecord)}
}

// Reserve 写入 pending 记录
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, token, txID string) (SubmitRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[token]; ok {
		return rec, false, nil
	}
	rec := SubmitRecord{TxID: txID}
	s.records[token] = rec
	return rec, true, nil
}

// Retarget 覆盖 pending 记录
func (s *MemoryIdempotencyStore) Retarget(_ context.Context, token, txID string) error {
	s.mu.Lock()
	s.records[token] = SubmitRecord{TxID: txID}
	s.mu.Unlock()
	return nil
}

// Complete 写入完成记录
func (s *MemoryIdempotencyStore) Complete(_ context.Context, token, txID string) error {
	s.mu.Lock()
	s.records[token] = SubmitRecord{TxID: txID, Done: true}
	s.mu.Unlock()
	return nil
}

// Release 删除记录
func (s *MemoryIdempotencyStore) Release(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.records, token)
	s.mu.Unlock()
	return nil
}
