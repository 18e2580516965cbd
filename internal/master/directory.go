// Package master implements the directory service servers register with
// and clients list servers from.
package master

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

const initSQL = `CREATE TABLE IF NOT EXISTS servers (
	addr TEXT NOT NULL PRIMARY KEY,
	version TEXT NOT NULL,
	description TEXT NOT NULL,
	state INTEGER NOT NULL,
	num_players INTEGER NOT NULL,
	max_players INTEGER NOT NULL,
	game_mode INTEGER NOT NULL,
	game_mission INTEGER NOT NULL,
	added INTEGER NOT NULL,
	seen INTEGER NOT NULL
);`

// Record is one registered server.
type Record struct {
	Addr     string
	Data     protocol.QueryData
	Added    time.Time
	LastSeen time.Time
}

// Directory stores registered servers in SQLite.
type Directory struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenDirectory opens or creates the database at path. ":memory:" keeps
// everything in memory.
func OpenDirectory(path string, clk clock.Clock) (*Directory, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(initSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init directory: %w", err)
	}
	return &Directory{db: db, clock: clk}, nil
}

func (d *Directory) Close() error { return d.db.Close() }

// Add registers a server or refreshes its entry.
func (d *Directory) Add(addr string, q protocol.QueryData) error {
	now := d.clock.Now().UnixNano()
	_, err := d.db.Exec(`INSERT INTO servers (
		addr, version, description, state, num_players, max_players,
		game_mode, game_mission, added, seen
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(addr) DO UPDATE SET
		version = excluded.version,
		description = excluded.description,
		state = excluded.state,
		num_players = excluded.num_players,
		max_players = excluded.max_players,
		game_mode = excluded.game_mode,
		game_mission = excluded.game_mission,
		seen = excluded.seen;`,
		addr, q.Version, q.Description, q.State, q.NumPlayers, q.MaxPlayers,
		q.GameMode, q.GameMission, now, now)
	return err
}

// Has reports whether addr is registered and fresher than maxAge.
func (d *Directory) Has(addr string, maxAge time.Duration) (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM servers WHERE addr = ? AND seen >= ?;`,
		addr, d.cutoff(maxAge)).Scan(&n)
	return n > 0, err
}

// List returns servers seen within maxAge, oldest registration first.
func (d *Directory) List(maxAge time.Duration) ([]Record, error) {
	rows, err := d.db.Query(`SELECT addr, version, description, state, num_players,
		max_players, game_mode, game_mission, added, seen
		FROM servers WHERE seen >= ? ORDER BY added, addr;`, d.cutoff(maxAge))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var added, seen int64
		if err := rows.Scan(&r.Addr, &r.Data.Version, &r.Data.Description, &r.Data.State,
			&r.Data.NumPlayers, &r.Data.MaxPlayers, &r.Data.GameMode, &r.Data.GameMission,
			&added, &seen); err != nil {
			return nil, err
		}
		r.Added = time.Unix(0, added)
		r.LastSeen = time.Unix(0, seen)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes servers not seen within maxAge.
func (d *Directory) Prune(maxAge time.Duration) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM servers WHERE seen < ?;`, d.cutoff(maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *Directory) cutoff(maxAge time.Duration) int64 {
	return d.clock.Now().Add(-maxAge).UnixNano()
}
