// Package surreal implements remote.Store on SurrealDB over an
// auto-reconnecting WebSocket connection.
//
// Documents carry their id in a docId field rather than leaning on
// SurrealDB record ids, so snapshots decode as plain maps regardless of
// codec. Live watches poll the filtered query and emit a snapshot whenever
// the result fingerprint changes; per-watch delivery is serialized, which
// preserves the in-order guarantee of the Store contract.
package surreal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
)

func init() {
	// Force HTTP/1.1 for WSS connections. WebSocket upgrade requires
	// HTTP/1.1 semantics which fail under HTTP/2 ALPN negotiation.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config holds SurrealDB connection settings.
type Config struct {
	URL          string
	Namespace    string
	Database     string
	Username     string
	Password     string
	PollInterval time.Duration
}

// Store is a SurrealDB-backed remote.Store.
type Store struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	cfg    Config
	logger *zap.Logger
}

// Connect dials SurrealDB with auto-reconnect and selects the configured
// namespace and database.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	// The SDK logs through slog; keep it on the default handler.
	sdkLogger := logger.New(slog.Default().Handler())
	codec := surrealcbor.New()

	// gorillaws wants the base URL without /rpc; it appends it itself.
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			ws := gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			})
			return ws, nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	log.Info("connecting to remote store", zap.String("url", cfg.URL))
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	if _, err = db.SignIn(ctx, surrealdb.Auth{
		Username: cfg.Username,
		Password: cfg.Password,
	}); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}

	log.Info("remote store connected",
		zap.String("namespace", cfg.Namespace),
		zap.String("database", cfg.Database))
	return &Store{conn: conn, db: db, cfg: cfg, logger: log}, nil
}

// Close closes the connection.
func (s *Store) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Get returns a single document or model.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (model.Document, error) {
	sql := fmt.Sprintf("SELECT * OMIT id FROM %s WHERE docId = $docId", collection)
	rows, err := s.query(ctx, sql, map[string]any{"docId": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, model.ErrNotFound
	}
	doc := rows[0]
	delete(doc, "docId")
	return doc, nil
}

// Select returns all documents matching the query.
func (s *Store) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Record, error) {
	sql, vars := buildSelect(collection, q)
	rows, err := s.query(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

// Create inserts a document; model.ErrAlreadyExists if the id is taken.
func (s *Store) Create(ctx context.Context, collection, id string, doc model.Document) error {
	content := make(model.Document, len(doc)+1)
	for k, v := range doc {
		content[k] = v
	}
	content["docId"] = id
	_, err := surrealdb.Query[any](ctx, s.db,
		"CREATE type::thing($tb, $id) CONTENT $content",
		map[string]any{"tb": collection, "id": id, "content": content})
	return wrapErr(err)
}

// Update merges fields into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields model.Document) error {
	// Probe first: UPDATE on a missing record must surface NotFound, not
	// silently create it.
	if _, err := s.Get(ctx, collection, id); err != nil {
		return err
	}
	_, err := surrealdb.Query[any](ctx, s.db,
		"UPDATE type::thing($tb, $id) MERGE $fields",
		map[string]any{"tb": collection, "id": id, "fields": fields})
	return wrapErr(err)
}

// Delete removes a document. Deleting a missing id is a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := surrealdb.Query[any](ctx, s.db,
		"DELETE type::thing($tb, $id)",
		map[string]any{"tb": collection, "id": id})
	return wrapErr(err)
}

// Watch polls the query and invokes fn with a fresh snapshot whenever the
// results change. The initial snapshot fires on the first poll.
func (s *Store) Watch(ctx context.Context, collection string, q remote.Query, fn func([]remote.Record)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(ctx)

	var callMu sync.Mutex
	closed := false

	go func() {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		var lastHash uint64
		seen := false
		for {
			records, err := s.Select(ctx, collection, q)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("watch poll failed",
					zap.String("collection", collection), zap.Error(err))
			} else {
				h := fingerprint(records)
				if !seen || h != lastHash {
					seen = true
					lastHash = h
					callMu.Lock()
					if !closed {
						fn(records)
					}
					callMu.Unlock()
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			callMu.Lock()
			closed = true
			callMu.Unlock()
		})
	}
	return cancel, nil
}

func (s *Store) query(ctx context.Context, sql string, vars map[string]any) ([]map[string]any, error) {
	results, err := surrealdb.Query[[]map[string]any](ctx, s.db, sql, vars)
	if err != nil {
		return nil, wrapErr(err)
	}
	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return nil, nil
}

func buildSelect(collection string, q remote.Query) (string, map[string]any) {
	var sb strings.Builder
	sb.WriteString("SELECT * OMIT id FROM ")
	sb.WriteString(collection)

	vars := make(map[string]any)
	for i, c := range q.Conds {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		p := fmt.Sprintf("p%d", i)
		switch c.Op {
		case remote.OpContains:
			fmt.Fprintf(&sb, "%s CONTAINS $%s", c.Field, p)
		default:
			fmt.Fprintf(&sb, "%s = $%s", c.Field, p)
		}
		vars[p] = c.Value
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", q.OrderBy)
		if q.Desc {
			sb.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), vars
}

func toRecords(rows []map[string]any) []remote.Record {
	records := make([]remote.Record, 0, len(rows))
	for _, row := range rows {
		id, _ := row["docId"].(string)
		delete(row, "docId")
		records = append(records, remote.Record{ID: id, Data: row})
	}
	return records
}

// fingerprint hashes a snapshot so unchanged polls stay silent.
func fingerprint(records []remote.Record) uint64 {
	h := fnv.New64a()
	for _, r := range records {
		fmt.Fprintf(h, "%s=%v;", r.ID, r.Data)
	}
	return h.Sum64()
}

// wrapErr maps engine errors onto the core taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		if strings.Contains(queryErr.Message, "already exists") {
			return fmt.Errorf("%w: %s", model.ErrAlreadyExists, queryErr.Message)
		}
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
}
