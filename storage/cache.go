package storage

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/domain"
)

// Mirror keeps a Redis copy of the latest board snapshot so other local tools
// can read it, and announces each write on a pub/sub channel. A session can
// also bootstrap from the mirror when the board endpoint is unreachable.
type Mirror struct {
	redis   *redis.Client
	ttl     time.Duration
	channel string
	logger  *log.Logger
	updates chan domain.Board
}

// SnapshotNotice is published after each snapshot write.
type SnapshotNotice struct {
	BoardID domain.ID `json:"board_id"`
	Tasks   int       `json:"tasks"`
	Columns int       `json:"columns"`
}

// NewMirror creates a mirror. A zero ttl keeps snapshots without expiry; an
// empty channel disables notices.
func NewMirror(client *redis.Client, ttl time.Duration, channel string, logger *log.Logger) *Mirror {
	if client == nil {
		panic("storage.NewMirror: redis client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mirror{
		redis:   client,
		ttl:     ttl,
		channel: channel,
		logger:  logger,
		updates: make(chan domain.Board, 1),
	}
}

// Store writes the snapshot and publishes a notice.
func (m *Mirror) Store(ctx context.Context, b domain.Board) error {
	data, err := sonic.Marshal(b)
	if err != nil {
		return err
	}
	if err := m.redis.Set(ctx, boardCacheKey(b.ID), data, m.ttl).Err(); err != nil {
		return err
	}
	if m.channel == "" {
		return nil
	}
	notice := SnapshotNotice{BoardID: b.ID, Columns: len(b.Columns)}
	for _, c := range b.Columns {
		notice.Tasks += len(c.Tasks)
	}
	payload, err := sonic.Marshal(notice)
	if err != nil {
		return err
	}
	return m.redis.Publish(ctx, m.channel, payload).Err()
}

// Load reads a snapshot. Undecodable entries are evicted.
func (m *Mirror) Load(ctx context.Context, id domain.ID) (domain.Board, bool) {
	data, err := m.redis.Get(ctx, boardCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			m.logger.WithError(err).WithField("board_id", id).Warn("mirror read failed")
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = m.redis.Del(ctx, boardCacheKey(id)).Err()
		return domain.Board{}, false
	}
	return b, true
}

// Evict removes a snapshot.
func (m *Mirror) Evict(ctx context.Context, id domain.ID) {
	_, _ = m.redis.Del(ctx, boardCacheKey(id)).Result()
}

// Offer queues a snapshot for the writer without blocking. Only the latest
// queued snapshot is kept.
func (m *Mirror) Offer(b domain.Board) {
	for {
		select {
		case m.updates <- b:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}

// Run writes offered snapshots until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-m.updates:
			if err := m.Store(ctx, b); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).WithField("board_id", b.ID).Error("mirror write failed")
			}
		}
	}
}

// Subscribe returns a pub/sub handle for snapshot notices.
func (m *Mirror) Subscribe(ctx context.Context) *redis.PubSub {
	return m.redis.Subscribe(ctx, m.channel)
}

// ParseRedisURL accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func ParseRedisURL(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func boardCacheKey(id domain.ID) string {
	return "board:" + string(id)
}
