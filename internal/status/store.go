package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix = "indextask:"

	// CAS競合時のリトライ上限。通常は1タスク1ライターなので競合しませんが、
	// 一括処理の集約タスクは並行して書き込まれるため衝突し得ます。
	maxCASRetries = 16
)

// Store はタスク状態レコードをRedisに保存します。
// レコードは最終書き込みからTTLが経過すると自動的に消滅します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Ping はストアへの疎通を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Set はレコードを検証して保存します（存在しない場合は作成）。
func (s *Store) Set(ctx context.Context, record *TaskRecord) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record %s: %w", record.TaskID, err)
	}
	record.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, taskKey(record.TaskID), payload, s.ttl).Err()
}

// Get はレコードを取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	if taskID == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// List は保存されている全タスクのレコードを返します。
// SCAN中に期限切れで消えたキーは単に読み飛ばします。
func (s *Store) List(ctx context.Context) ([]*TaskRecord, error) {
	var records []*TaskRecord
	iter := s.rdb.Scan(ctx, 0, taskKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var record TaskRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		records = append(records, &record)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Delete はレコードを削除します。存在しないキーの削除はエラーになりません。
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, taskKey(taskID)).Err()
}

// Update は楽観ロック（WATCH + MULTI/EXEC）でレコードを読み取り・変更・保存します。
// タスクが存在しない場合は何もせず (nil, nil) を返します。
// 変更後のレコードを返します。
func (s *Store) Update(ctx context.Context, taskID string, mutate func(*TaskRecord)) (*TaskRecord, error) {
	key := taskKey(taskID)
	var updated *TaskRecord

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				updated = nil
				return nil
			}
			return err
		}
		var record TaskRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}

		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		if err := record.Validate(); err != nil {
			return fmt.Errorf("invalid record %s: %w", taskID, err)
		}
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			updated = &record
		}
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", taskID)
}

// CleanupTerminal は終端状態のまま olderThan 以上更新されていないレコードを削除し、
// 削除件数を返します。TTLによる自動失効を補う明示的な掃除用です。
func (s *Store) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, record := range records {
		if record.IsTerminal() && record.UpdatedAt.Before(cutoff) {
			if err := s.Delete(ctx, record.TaskID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

// TaskIDFromKey はRedisキーからタスクIDを取り出します。
func TaskIDFromKey(key string) string {
	return strings.TrimPrefix(key, taskKeyPrefix)
}
