package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CartLine is one stored cart line. ID is a server-assigned UUID.
type CartLine struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

// CartRepository persists carts per user. Lines are returned in insertion
// order. Implementations must be safe for concurrent use; read-modify-write
// sequences are serialized by Service.
type CartRepository interface {
	Lines(ctx context.Context, userID string) ([]CartLine, error)
	Save(ctx context.Context, userID string, line CartLine) error
	Delete(ctx context.Context, userID, lineID string) error
	Clear(ctx context.Context, userID string) error
}

// SQLiteCarts stores carts in the cart_lines table.
type SQLiteCarts struct {
	db *DB
}

// NewSQLiteCarts creates a repository over db.
func NewSQLiteCarts(db *DB) *SQLiteCarts {
	return &SQLiteCarts{db: db}
}

// Lines returns the user's lines ordered by insertion.
func (s *SQLiteCarts) Lines(ctx context.Context, userID string) ([]CartLine, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, product_id, variant_id, quantity
		FROM cart_lines WHERE user_id = ?
		ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cart for %s: %w", userID, err)
	}
	defer rows.Close()

	lines := []CartLine{}
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.VariantID, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Save inserts the line or updates its quantity if the id exists.
func (s *SQLiteCarts) Save(ctx context.Context, userID string, line CartLine) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO cart_lines (id, user_id, product_id, variant_id, quantity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET quantity = excluded.quantity`,
		line.ID, userID, line.ProductID, line.VariantID, line.Quantity)
	if err != nil {
		return fmt.Errorf("save cart line %s: %w", line.ID, err)
	}
	return nil
}

// Delete removes a line. Deleting a missing line is not an error.
func (s *SQLiteCarts) Delete(ctx context.Context, userID, lineID string) error {
	if _, err := s.db.db.ExecContext(ctx,
		`DELETE FROM cart_lines WHERE user_id = ? AND id = ?`, userID, lineID); err != nil {
		return fmt.Errorf("delete cart line %s: %w", lineID, err)
	}
	return nil
}

// Clear removes every line of the user's cart.
func (s *SQLiteCarts) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.db.ExecContext(ctx,
		`DELETE FROM cart_lines WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear cart for %s: %w", userID, err)
	}
	return nil
}

// DefaultCartTTL is how long an untouched Redis cart lives.
const DefaultCartTTL = 24 * time.Hour

// maxTxRetries bounds optimistic-lock retries on a contended cart key.
const maxTxRetries = 5

// RedisCarts stores each cart as one JSON array under "cartsync:cart:<user>",
// refreshed to the TTL on every write.
type RedisCarts struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCarts creates a repository over rdb and checks connectivity.
func NewRedisCarts(ctx context.Context, rdb *redis.Client, ttl time.Duration) (*RedisCarts, error) {
	if rdb == nil {
		return nil, errors.New("redis client must be non-nil")
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCartTTL
	}
	return &RedisCarts{rdb: rdb, ttl: ttl}, nil
}

func cartKey(userID string) string {
	return "cartsync:cart:" + userID
}

// Lines returns the user's lines. A missing key is an empty cart.
func (r *RedisCarts) Lines(ctx context.Context, userID string) ([]CartLine, error) {
	return r.read(ctx, r.rdb, cartKey(userID))
}

// getter is the read surface shared by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisCarts) read(ctx context.Context, c getter, key string) ([]CartLine, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []CartLine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	lines := []CartLine{}
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return lines, nil
}

// Save inserts the line or replaces the line with the same id.
func (r *RedisCarts) Save(ctx context.Context, userID string, line CartLine) error {
	return r.update(ctx, userID, func(lines []CartLine) []CartLine {
		for i := range lines {
			if lines[i].ID == line.ID {
				lines[i] = line
				return lines
			}
		}
		return append(lines, line)
	})
}

// Delete removes a line. Deleting a missing line is not an error.
func (r *RedisCarts) Delete(ctx context.Context, userID, lineID string) error {
	return r.update(ctx, userID, func(lines []CartLine) []CartLine {
		out := lines[:0]
		for _, l := range lines {
			if l.ID != lineID {
				out = append(out, l)
			}
		}
		return out
	})
}

// Clear deletes the cart key.
func (r *RedisCarts) Clear(ctx context.Context, userID string) error {
	if err := r.rdb.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear cart for %s: %w", userID, err)
	}
	return nil
}

// update applies fn to the stored cart under WATCH, retrying when another
// client modified the key between read and write.
func (r *RedisCarts) update(ctx context.Context, userID string, fn func([]CartLine) []CartLine) error {
	key := cartKey(userID)
	txf := func(tx *redis.Tx) error {
		lines, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(fn(lines))
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, r.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

var (
	_ CartRepository = (*SQLiteCarts)(nil)
	_ CartRepository = (*RedisCarts)(nil)
)
