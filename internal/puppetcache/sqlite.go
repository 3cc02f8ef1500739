// Package puppetcache persists the puppet registry's "already registered
// on the homeserver" and "last set displayname" facts to a local sqlite
// database, so a bridge restart does not re-run lazy registration and
// displayname PUTs for every puppet it has ever minted (§4.D).
package puppetcache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open puppet cache: %w", err)
	}

	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) initSchema() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS puppets (
	mxid TEXT PRIMARY KEY,
	registered INTEGER NOT NULL DEFAULT 0,
	displayname TEXT NOT NULL DEFAULT ''
);
`)
	if err != nil {
		return fmt.Errorf("init puppet cache schema: %w", err)
	}
	return nil
}

// LoadAll returns every cached puppet's registered flag and displayname,
// keyed by mxid, for puppet.NewRegistryWithCache to seed its in-memory maps
// at startup.
func (c *Cache) LoadAll() (registered map[string]bool, displaynames map[string]string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT mxid, registered, displayname FROM puppets`)
	if err != nil {
		return nil, nil, fmt.Errorf("load puppet cache: %w", err)
	}
	defer rows.Close()

	registered = map[string]bool{}
	displaynames = map[string]string{}

	for rows.Next() {
		var mxid, displayname string
		var reg int
		if err := rows.Scan(&mxid, &reg, &displayname); err != nil {
			return nil, nil, fmt.Errorf("scan puppet cache row: %w", err)
		}
		registered[mxid] = reg == 1
		if displayname != "" {
			displaynames[mxid] = displayname
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate puppet cache: %w", err)
	}

	return registered, displaynames, nil
}

// MarkRegistered records that mxid has been successfully registered (or
// already existed) on the homeserver.
func (c *Cache) MarkRegistered(mxid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
INSERT INTO puppets (mxid, registered) VALUES (?, 1)
ON CONFLICT(mxid) DO UPDATE SET registered = 1
`, mxid)
	if err != nil {
		return fmt.Errorf("mark puppet registered: %w", err)
	}
	return nil
}

// SetDisplayname records the last displayname successfully set for mxid.
func (c *Cache) SetDisplayname(mxid, displayname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
INSERT INTO puppets (mxid, registered, displayname) VALUES (?, 1, ?)
ON CONFLICT(mxid) DO UPDATE SET displayname = excluded.displayname, registered = 1
`, mxid, displayname)
	if err != nil {
		return fmt.Errorf("set puppet displayname: %w", err)
	}
	return nil
}
