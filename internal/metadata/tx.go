package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// mutateTx is the transactional path. It watches the record key, stages the
// mutation against the value read under the watch and commits with
// MULTI/EXEC. A concurrent write to the key fails the commit and the loop
// retries after a short delay; exhausting the retries is a conflict.
func (s *Store) mutateTx(ctx context.Context, op string, p Params, apply applyFunc) (*Response, error) {
	if err := validateChannel(p); err != nil {
		return nil, err
	}
	nowIso := isoNow()
	if err := s.checkLock(ctx, p); err != nil {
		return nil, err
	}

	key := MetaKey(p.ChannelType, p.ChannelName)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var staged *record
		var touched map[string]Item
		var mutated bool

		err := s.store.Client().Watch(ctx, func(tx *redis.Tx) error {
			prev, exists, err := readRecordTx(ctx, tx, key)
			if err != nil {
				return err
			}
			if err := checkMajorCAS(prev, p.Options); err != nil {
				return err
			}
			staged, touched, mutated, err = apply(prev, exists, p, nowIso)
			if err != nil {
				return err
			}
			if !mutated {
				return nil
			}
			raw, err := json.Marshal(staged)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata record: %w", err)
			}
			if s.beforeCommit != nil {
				s.beforeCommit()
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			txRetries.Inc()
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if mutated {
			s.publishEvent(ctx, p, op, touched, staged.MajorRevision, nowIso)
		}
		return buildResponse(p, staged, nowIso), nil
	}
	return nil, newError(CodeConflict, "metadata %s on %s:%s kept conflicting after %d attempts", op, p.ChannelType, p.ChannelName, s.maxRetries)
}

func readRecordTx(ctx context.Context, tx *redis.Tx, key string) (*record, bool, error) {
	raw, err := tx.Get(ctx, key).Result()
	if err == redis.Nil {
		return emptyRecord(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read metadata record: %w", err)
	}
	return decodeRecord(raw)
}
