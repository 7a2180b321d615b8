// Package credcache persists cacheable form values across debug sessions in
// a SQLite database, so a user is not re-asked for settings they already
// made. Only elements flagged cacheable may be stored, and secret-flagged
// elements are never stored.
package credcache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
)

// Cache stores form values keyed by (plugin, element ID).
type Cache struct {
	db *sql.DB
}

// Open creates or opens a cache database file using a single non-pooled
// connection.
func Open(filename string) (*Cache, error) {
	connector, err := (&driver.SQLite{}).OpenConnector(
		"file:" + filepath.Clean(filename) + "?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := Init(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Init ensures the schema exists. Open calls it implicitly; it is exposed
// for alternative SQLite connections.
func Init(db *sql.DB) error {
	_, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS form_values
			( plugin TEXT NOT NULL
			, elem TEXT NOT NULL
			, value TEXT NOT NULL
			, updated INTEGER NOT NULL
			, PRIMARY KEY(plugin, elem)
			)`)
	if err != nil {
		return fmt.Errorf("error creating form_values table: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached value for an element, or ok=false when none is
// stored.
func (c *Cache) Get(plugin, elem string) (value string, ok bool, err error) {
	row := c.db.QueryRow(
		`SELECT value FROM form_values WHERE plugin = ? AND elem = ?`,
		plugin, elem)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("error querying cached value: %w", err)
	}
	return value, true, nil
}

// Put stores or replaces the value for an element.
func (c *Cache) Put(plugin, elem, value string) error {
	_, err := c.db.Exec(
		`INSERT INTO form_values (plugin, elem, value, updated)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(plugin, elem) DO UPDATE SET value = excluded.value, updated = excluded.updated`,
		plugin, elem, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("error storing cached value: %w", err)
	}
	return nil
}

// Delete removes the value for an element, if any.
func (c *Cache) Delete(plugin, elem string) error {
	_, err := c.db.Exec(
		`DELETE FROM form_values WHERE plugin = ? AND elem = ?`,
		plugin, elem)
	if err != nil {
		return fmt.Errorf("error deleting cached value: %w", err)
	}
	return nil
}

// cacheable reports whether an element's value may be persisted at all.
func cacheable(e *form.Element) bool {
	return e.Flags&form.FlagCacheable != 0 && e.Flags&form.FlagSecret == 0
}

// Prefill populates a form's output slots from cached values before
// presentation. Non-cacheable elements are left untouched.
func (c *Cache) Prefill(plugin string, f *form.Form) error {
	for i := range f.Elements {
		e := &f.Elements[i]
		if !cacheable(e) {
			continue
		}
		v, ok, err := c.Get(plugin, e.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch e.Kind {
		case form.TextField, form.PathSelect:
			// A cached value that outgrew the declared capacity is stale;
			// skip it rather than prefill a clipped string.
			if len(v) <= e.MaxLen {
				_ = e.SetText(v)
			}
		case form.Checkbox:
			var state int
			if _, perr := fmt.Sscanf(v, "%d", &state); perr == nil && state >= 0 && state <= int(form.Indeterminate) {
				e.State = form.CheckState(state)
			}
		case form.Choice:
			var idx int
			if _, perr := fmt.Sscanf(v, "%d", &idx); perr == nil {
				_ = e.SetSelected(idx)
			}
		}
	}
	return nil
}

// Store persists a completed form's cacheable values.
func (c *Cache) Store(plugin string, f *form.Form) error {
	for i := range f.Elements {
		e := &f.Elements[i]
		if !cacheable(e) {
			continue
		}
		var v string
		switch e.Kind {
		case form.TextField, form.PathSelect:
			v = e.Text
		case form.Checkbox:
			v = fmt.Sprintf("%d", e.State)
		case form.Choice:
			v = fmt.Sprintf("%d", e.Selected)
		default:
			continue
		}
		if err := c.Put(plugin, e.ID, v); err != nil {
			return err
		}
	}
	return nil
}
