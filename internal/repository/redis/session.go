package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
	"github.com/kostush/purchase-gateway-sub005/pkg/database"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// casScript writes the document and bumps the version key only when the
// stored version equals ARGV[1]. It returns the new version, or -1.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if not current then current = '0' end
if current ~= ARGV[1] then
	return -1
end
local version = tonumber(current) + 1
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], version, 'PX', ARGV[3])
return version
`)

// SessionStore implements repository.SessionStore on Redis.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewSessionStore(client redis.UniversalClient, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Get loads the document and takes the version from the version key, which
// is the authority for compare-and-set.
func (s *SessionStore) Get(ctx context.Context, sid domain.SessionID) (_ *domain.PurchaseProcess, err error) {
	ctx, end := database.TraceOp(ctx, database.SystemRedis, "GetSession", "MGET session version")
	defer func() { end(err) }()

	vals, err := s.client.MGet(ctx, repository.SessionKey(sid), repository.VersionKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, apperrors.NotFound("purchase session", sid.String())
	}

	p, err := domain.Restore([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sid, err)
	}
	if raw, ok := vals[1].(string); ok {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse session %s version: %w", sid, perr)
		}
		p.SetVersion(v)
	}
	return p, nil
}

func (s *SessionStore) Save(ctx context.Context, p *domain.PurchaseProcess) (err error) {
	ctx, end := database.TraceOp(ctx, database.SystemRedis, "SaveSession", "EVALSHA cas")
	defer func() { end(err) }()

	expected := p.Version()
	p.SetVersion(expected + 1)
	data, err := domain.Serialize(p)
	p.SetVersion(expected)
	if err != nil {
		return err
	}

	sid := p.SessionID()
	next, err := casScript.Run(ctx, s.client,
		[]string{repository.SessionKey(sid), repository.VersionKey(sid)},
		strconv.FormatInt(expected, 10), data, s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	if next < 0 {
		return domain.VersionConflict(sid)
	}
	p.SetVersion(next)
	return nil
}

func (s *SessionStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (_ bool, err error) {
	ctx, end := database.TraceOp(ctx, database.SystemRedis, "SetIfAbsent", "SET NX PX")
	defer func() { end(err) }()

	ok, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *SessionStore) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	ctx, end := database.TraceOp(ctx, database.SystemRedis, "Delete", "DEL")
	defer func() { end(err) }()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *SessionStore) PutMarker(ctx context.Context, sid domain.SessionID, m repository.SubmissionMarker) (err error) {
	ctx, end := database.TraceOp(ctx, database.SystemRedis, "PutMarker", "SET")
	defer func() { end(err) }()

	if m.WrittenAt.IsZero() {
		m.WrittenAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal submission marker: %w", err)
	}
	if err := s.client.Set(ctx, repository.MarkerKey(sid), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set submission marker: %w", err)
	}
	return nil
}

func (s *SessionStore) GetMarker(ctx context.Context, sid domain.SessionID) (_ *repository.SubmissionMarker, err error) {
	ctx, end := database.TraceOp(ctx, database.SystemRedis, "GetMarker", "GET")
	defer func() { end(err) }()

	data, err := s.client.Get(ctx, repository.MarkerKey(sid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get submission marker: %w", err)
	}
	var m repository.SubmissionMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal submission marker: %w", err)
	}
	return &m, nil
}

var _ repository.SessionStore = (*SessionStore)(nil)
