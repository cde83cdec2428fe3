// Package localcache is the durable bootstrap cache: roster and session
// snapshots persisted to SQLite so the client has data before the first
// remote snapshot arrives, and something to show offline. The core
// tolerates its absence; every caller treats a nil *Cache as "no cache".
package localcache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/comtalk/comtalk/internal/localcache/migrations"
	"github.com/comtalk/comtalk/internal/model"
)

// Cache wraps the SQLite cache database.
type Cache struct {
	db *sql.DB
}

// Open creates the cache database with WAL mode and runs migrations.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(c.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// SaveContacts replaces the cached contact snapshot for an owner.
func (c *Cache) SaveContacts(ownerID string, contacts []model.Contact) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM contacts WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, ct := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (owner_id, contact_id, name, email, user_id, photo_url, added_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ownerID, ct.ID, ct.DisplayName, ct.Handle, ct.LinkedUserID, ct.AvatarRef, ct.AddedAt, now); err != nil {
			return fmt.Errorf("insert contact %q: %w", ct.ID, err)
		}
	}
	return tx.Commit()
}

// LoadContacts returns the cached contact snapshot for an owner.
func (c *Cache) LoadContacts(ownerID string) ([]model.Contact, error) {
	rows, err := c.db.Query(`
		SELECT contact_id, name, email, user_id, photo_url, added_at
		FROM contacts WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []model.Contact
	for rows.Next() {
		ct := model.Contact{OwnerID: ownerID}
		if err := rows.Scan(&ct.ID, &ct.DisplayName, &ct.Handle, &ct.LinkedUserID, &ct.AvatarRef, &ct.AddedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, ct)
	}
	return contacts, rows.Err()
}

// SaveGroups replaces the cached group snapshot for an owner.
func (c *Cache) SaveGroups(ownerID string, groups []model.Group) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM groups WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, g := range groups {
		members, err := json.Marshal(g.Members)
		if err != nil {
			return fmt.Errorf("encode members: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO groups (owner_id, group_id, name, created_by, members, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ownerID, g.ID, g.Name, g.CreatedBy, string(members), g.CreatedAt, now); err != nil {
			return fmt.Errorf("insert group %q: %w", g.ID, err)
		}
	}
	return tx.Commit()
}

// LoadGroups returns the cached group snapshot for an owner.
func (c *Cache) LoadGroups(ownerID string) ([]model.Group, error) {
	rows, err := c.db.Query(`
		SELECT group_id, name, created_by, members, created_at
		FROM groups WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []model.Group
	for rows.Next() {
		g := model.Group{Kind: model.KindGroup}
		var members string
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &members, &g.CreatedAt); err != nil {
			return nil, err
		}
		// A corrupt membership blob degrades to an empty member list
		// rather than failing the whole snapshot.
		_ = json.Unmarshal([]byte(members), &g.Members)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SaveUser persists the signed-in user snapshot.
func (c *Cache) SaveUser(u model.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT INTO session (key, value, updated_at) VALUES ('user', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(data), time.Now().UnixMilli())
	return err
}

// LoadUser returns the cached user or model.ErrNotFound.
func (c *Cache) LoadUser() (model.User, error) {
	var data string
	err := c.db.QueryRow(`SELECT value FROM session WHERE key = 'user'`).Scan(&data)
	if err == sql.ErrNoRows {
		return model.User{}, model.ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return model.User{}, fmt.Errorf("%w: corrupt user snapshot", model.ErrNotFound)
	}
	return u, nil
}

// ClearUser removes the cached user snapshot.
func (c *Cache) ClearUser() error {
	_, err := c.db.Exec(`DELETE FROM session WHERE key = 'user'`)
	return err
}
