package otpforge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const challengeRecordVersion1 = 1

// redisChallengeStore is the bundled ChallengeStore. One authentication attempt may
// fan out into challenges on several tokens; a transaction index set allows listing
// them across serials. RecordAttempt and MarkStatus are Watch-based check-and-set
// so a smartphone confirmation and a racing duplicate attempt cannot lose updates.
type redisChallengeStore struct {
	redis  *redis.Client
	prefix string
	clock  func() time.Time
}

func newRedisChallengeStore(redisClient *redis.Client, prefix string, clock func() time.Time) *redisChallengeStore {
	if clock == nil {
		clock = time.Now
	}
	return &redisChallengeStore{redis: redisClient, prefix: prefix, clock: clock}
}

func (s *redisChallengeStore) key(serial, transactionID string) string {
	return s.prefix + ":chal:" + serial + ":" + transactionID
}

func (s *redisChallengeStore) txKey(transactionID string) string {
	return s.prefix + ":chaltx:" + transactionID
}

func (s *redisChallengeStore) serialKey(serial string) string {
	return s.prefix + ":chalser:" + serial
}

// retentionTTL keeps resolved and expired records readable for a grace period so
// the wait path can still observe a terminal status before the janitor runs.
func retentionTTL(validity int32) time.Duration {
	return 2 * time.Duration(validity) * time.Second
}

// Create describes the create operation and its observable behavior.
//
// Create fills TransactionID, CreatedAt, and Status when absent.
func (s *redisChallengeStore) Create(ctx context.Context, ch *Challenge) error {
	if ch.Serial == "" {
		return ErrParameter
	}
	if ch.TransactionID == "" {
		ch.TransactionID = newTransactionID()
	}
	if ch.CreatedAt == 0 {
		ch.CreatedAt = s.clock().Unix()
	}
	ch.Status = ChallengeOpen

	encoded, err := encodeChallenge(ch)
	if err != nil {
		return err
	}
	ttl := retentionTTL(ch.ValiditySecs)
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.key(ch.Serial, ch.TransactionID), encoded, ttl)
	pipe.SAdd(ctx, s.txKey(ch.TransactionID), ch.Serial)
	pipe.Expire(ctx, s.txKey(ch.TransactionID), ttl)
	pipe.SAdd(ctx, s.serialKey(ch.Serial), ch.TransactionID)
	pipe.Expire(ctx, s.serialKey(ch.Serial), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Get describes the get operation and its observable behavior.
func (s *redisChallengeStore) Get(ctx context.Context, serial, transactionID string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(serial, transactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return decodeChallenge(data)
}

// ListByTransaction describes the listbytransaction operation and its observable behavior.
func (s *redisChallengeStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Challenge, error) {
	serials, err := s.redis.SMembers(ctx, s.txKey(transactionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	sort.Strings(serials)
	return s.collect(ctx, serials, transactionID)
}

// ListBySerial describes the listbyserial operation and its observable behavior.
func (s *redisChallengeStore) ListBySerial(ctx context.Context, serial string) ([]*Challenge, error) {
	txids, err := s.redis.SMembers(ctx, s.serialKey(serial)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	sort.Strings(txids)

	out := make([]*Challenge, 0, len(txids))
	for _, txid := range txids {
		ch, err := s.Get(ctx, serial, txid)
		if errors.Is(err, ErrChallengeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (s *redisChallengeStore) collect(ctx context.Context, serials []string, transactionID string) ([]*Challenge, error) {
	out := make([]*Challenge, 0, len(serials))
	for _, serial := range serials {
		ch, err := s.Get(ctx, serial, transactionID)
		if errors.Is(err, ErrChallengeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// RecordAttempt describes the recordattempt operation and its observable behavior.
//
// An expired or already-resolved challenge is treated as not answerable. On the
// final allowed failure the challenge is deleted and exceeded is reported.
func (s *redisChallengeStore) RecordAttempt(ctx context.Context, serial, transactionID string, success bool, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(serial, transactionID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			ch, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			if ch.Status != ChallengeOpen {
				return ErrChallengeNotFound
			}
			if s.clock().After(ch.ExpiresAt()) {
				return ErrChallengeExpired
			}

			ch.ReceivedCount++
			if success {
				ch.Status = ChallengeAccepted
			} else if maxAttempts > 0 && int(ch.ReceivedCount) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.txKey(transactionID), serial)
					pipe.SRem(ctx, s.serialKey(serial), transactionID)
					return nil
				})
				return err
			}

			encoded, err := encodeChallenge(ch)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, retentionTTL(ch.ValiditySecs))
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeNotFound) || errors.Is(err, ErrChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrChallengeNotFound
}

// MarkStatus describes the markstatus operation and its observable behavior.
//
// Only an open, unexpired challenge can transition; anything else reads as not
// found so a duplicate confirmation cannot re-resolve a consumed challenge.
func (s *redisChallengeStore) MarkStatus(ctx context.Context, serial, transactionID string, status ChallengeStatus) error {
	if status == ChallengeOpen {
		return ErrParameter
	}
	const maxRetries = 4
	key := s.key(serial, transactionID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			ch, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			if ch.Status != ChallengeOpen {
				return ErrChallengeNotFound
			}
			if status != ChallengeExpired && s.clock().After(ch.ExpiresAt()) {
				return ErrChallengeExpired
			}

			ch.Status = status
			ch.ReceivedCount++
			encoded, err := encodeChallenge(ch)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, retentionTTL(ch.ValiditySecs))
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeNotFound) || errors.Is(err, ErrChallengeExpired) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return nil
	}

	return ErrChallengeNotFound
}

// Janitor deletes expired and accepted-and-consumed challenges of a serial. It is
// called after every challenge-response check regardless of outcome.
func (s *redisChallengeStore) Janitor(ctx context.Context, serial string) error {
	txids, err := s.redis.SMembers(ctx, s.serialKey(serial)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	now := s.clock()
	for _, txid := range txids {
		ch, err := s.Get(ctx, serial, txid)
		if errors.Is(err, ErrChallengeNotFound) {
			_, _ = s.redis.SRem(ctx, s.serialKey(serial), txid).Result()
			continue
		}
		if err != nil {
			return err
		}
		if ch.Status == ChallengeOpen && now.Before(ch.ExpiresAt()) {
			continue
		}
		if _, err := s.Delete(ctx, serial, txid); err != nil {
			return err
		}
	}
	return nil
}

// Delete describes the delete operation and its observable behavior.
func (s *redisChallengeStore) Delete(ctx context.Context, serial, transactionID string) (bool, error) {
	pipe := s.redis.TxPipeline()
	del := pipe.Del(ctx, s.key(serial, transactionID))
	pipe.SRem(ctx, s.txKey(transactionID), serial)
	pipe.SRem(ctx, s.serialKey(serial), transactionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return del.Val() > 0, nil
}

func newTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func encodeChallenge(ch *Challenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, ch.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, ch.ValiditySecs); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, ch.ReceivedCount); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(ch.Status))
	if err := writeString16(&buf, ch.Serial); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, ch.TransactionID); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, ch.Data); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, ch.Session); err != nil {
		return nil, err
	}
	if len(ch.Options) > 65535 {
		return nil, errors.New("challenge option count exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(ch.Options))); err != nil {
		return nil, err
	}
	for _, opt := range ch.Options {
		if err := writeString16(&buf, opt); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	ch := &Challenge{}
	if err := binary.Read(reader, binary.BigEndian, &ch.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &ch.ValiditySecs); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &ch.ReceivedCount); err != nil {
		return nil, err
	}
	status, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	ch.Status = ChallengeStatus(status)
	if ch.Serial, err = readString16(reader); err != nil {
		return nil, err
	}
	if ch.TransactionID, err = readString16(reader); err != nil {
		return nil, err
	}
	if ch.Data, err = readString16(reader); err != nil {
		return nil, err
	}
	if ch.Session, err = readString16(reader); err != nil {
		return nil, err
	}
	var optCount uint16
	if err := binary.Read(reader, binary.BigEndian, &optCount); err != nil {
		return nil, err
	}
	if optCount > 0 {
		ch.Options = make([]string, 0, optCount)
		for i := uint16(0); i < optCount; i++ {
			opt, err := readString16(reader)
			if err != nil {
				return nil, err
			}
			ch.Options = append(ch.Options, opt)
		}
	}

	return ch, nil
}
