package otpforge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const tokenRecordVersion1 = 1

// redisTokenStore is the bundled TokenStore. Records use a versioned binary
// encoding; Save is an optimistic check-and-set on the record version so a racing
// counter advance and fail-count increment cannot lose updates.
type redisTokenStore struct {
	redis  *redis.Client
	prefix string
}

func newRedisTokenStore(redisClient *redis.Client, prefix string) *redisTokenStore {
	return &redisTokenStore{redis: redisClient, prefix: prefix}
}

func (s *redisTokenStore) key(serial string) string {
	return s.prefix + ":tok:" + serial
}

func (s *redisTokenStore) userKey(userID string) string {
	return s.prefix + ":tokuser:" + userID
}

// Get describes the get operation and its observable behavior.
func (s *redisTokenStore) Get(ctx context.Context, serial string) (*Token, error) {
	data, err := s.redis.Get(ctx, s.key(serial)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	return decodeToken(data)
}

// GetByUser describes the getbyuser operation and its observable behavior.
func (s *redisTokenStore) GetByUser(ctx context.Context, userID string) ([]*Token, error) {
	serials, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	sort.Strings(serials)

	tokens := make([]*Token, 0, len(serials))
	for _, serial := range serials {
		tok, err := s.Get(ctx, serial)
		if errors.Is(err, ErrTokenNotFound) {
			_, _ = s.redis.SRem(ctx, s.userKey(userID), serial).Result()
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// Create describes the create operation and its observable behavior.
func (s *redisTokenStore) Create(ctx context.Context, token *Token) error {
	token.Version = 1
	encoded, err := encodeToken(token)
	if err != nil {
		return err
	}

	set, err := s.redis.SetNX(ctx, s.key(token.Serial), encoded, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	if !set {
		return ErrTokenExists
	}
	if token.User.UserID != "" {
		if err := s.redis.SAdd(ctx, s.userKey(token.User.UserID), token.Serial).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTokenBackend, err)
		}
	}
	return nil
}

// Save persists token iff the stored record still carries token.Version, then
// bumps the version. ErrTokenConflict reports a lost race; callers reload and
// retry or surface the conflict.
func (s *redisTokenStore) Save(ctx context.Context, token *Token) error {
	const maxRetries = 4
	key := s.key(token.Serial)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			current, err := decodeToken(data)
			if err != nil {
				return err
			}
			if current.Version != token.Version {
				return ErrTokenConflict
			}

			next := *token
			next.Version = token.Version + 1
			encoded, err := encodeToken(&next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTokenNotFound
			}
			if errors.Is(err, ErrTokenConflict) {
				return ErrTokenConflict
			}
			return fmt.Errorf("%w: %v", ErrTokenBackend, err)
		}
		token.Version++
		return nil
	}

	return ErrTokenConflict
}

// Delete describes the delete operation and its observable behavior.
func (s *redisTokenStore) Delete(ctx context.Context, serial string) (bool, error) {
	tok, err := s.Get(ctx, serial)
	if errors.Is(err, ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	n, err := s.redis.Del(ctx, s.key(serial)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	if tok.User.UserID != "" {
		_, _ = s.redis.SRem(ctx, s.userKey(tok.User.UserID), serial).Result()
	}
	return n > 0, nil
}

func encodeToken(t *Token) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tokenRecordVersion1)

	if err := writeString16(&buf, t.Serial); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, string(t.Type)); err != nil {
		return nil, err
	}
	if err := writeBytes32(&buf, t.SealedSecret); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, t.Counter); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, t.FailCount); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint8(t.Digits)); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, t.Algorithm); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, t.PINHash); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, string(t.RolloutState)); err != nil {
		return nil, err
	}
	var active uint8
	if t.Active {
		active = 1
	}
	buf.WriteByte(active)
	if err := writeString16(&buf, t.User.UserID); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, t.User.Realm); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, t.User.Resolver); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, t.Version); err != nil {
		return nil, err
	}

	if len(t.Info) > 65535 {
		return nil, errors.New("tokeninfo entry count exceeded")
	}
	keys := make([]string, 0, len(t.Info))
	for k := range t.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(keys))); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := writeString16(&buf, k); err != nil {
			return nil, err
		}
		if err := writeString16(&buf, t.Info[k]); err != nil {
			return nil, err
		}
		var enc uint8
		if t.EncryptedInfo[k] {
			enc = 1
		}
		buf.WriteByte(enc)
	}

	return buf.Bytes(), nil
}

func decodeToken(data []byte) (*Token, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != tokenRecordVersion1 {
		return nil, errors.New("invalid token record version")
	}

	t := &Token{}
	if t.Serial, err = readString16(reader); err != nil {
		return nil, err
	}
	typ, err := readString16(reader)
	if err != nil {
		return nil, err
	}
	t.Type = TokenType(typ)
	if t.SealedSecret, err = readBytes32(reader); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &t.Counter); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &t.FailCount); err != nil {
		return nil, err
	}
	var digits uint8
	if err := binary.Read(reader, binary.BigEndian, &digits); err != nil {
		return nil, err
	}
	t.Digits = int(digits)
	if t.Algorithm, err = readString16(reader); err != nil {
		return nil, err
	}
	if t.PINHash, err = readString16(reader); err != nil {
		return nil, err
	}
	state, err := readString16(reader)
	if err != nil {
		return nil, err
	}
	t.RolloutState = RolloutState(state)
	active, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	t.Active = active == 1
	if t.User.UserID, err = readString16(reader); err != nil {
		return nil, err
	}
	if t.User.Realm, err = readString16(reader); err != nil {
		return nil, err
	}
	if t.User.Resolver, err = readString16(reader); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &t.Version); err != nil {
		return nil, err
	}

	var count uint16
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count > 0 {
		t.Info = make(map[string]string, count)
		t.EncryptedInfo = make(map[string]bool)
	}
	for i := uint16(0); i < count; i++ {
		k, err := readString16(reader)
		if err != nil {
			return nil, err
		}
		v, err := readString16(reader)
		if err != nil {
			return nil, err
		}
		enc, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		t.Info[k] = v
		if enc == 1 {
			t.EncryptedInfo[k] = true
		}
	}

	return t, nil
}
