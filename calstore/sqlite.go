package calstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS datasets (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	dir    TEXT NOT NULL,
	name   TEXT NOT NULL,
	nrows  INTEGER NOT NULL,
	ncols  INTEGER NOT NULL,
	data   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS datasets_dir ON datasets (dir);
CREATE TABLE IF NOT EXISTS params (
	dataset INTEGER NOT NULL REFERENCES datasets (id),
	key     TEXT NOT NULL,
	kind    TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (dataset, key)
);`

// SQLite is a store in a SQLite database.  Datasets are listed in the order
// they were inserted.
type SQLite struct {
	db       *sql.DB
	readOnly bool
}

// OpenSQLite opens (creating if needed) the database at dsn
func OpenSQLite(dsn string, readOnly bool) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite store")
	}
	// one writer at a time, and ":memory:" databases are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating sqlite schema")
	}
	return &SQLite{db: db, readOnly: readOnly}, nil
}

// Dial returns a connection to the store.  Connections share the database
// handle; closing one does not close the database.
func (s *SQLite) Dial(ctx context.Context) (Conn, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "dialing sqlite store")
	}
	return &sqliteConn{s: s, ids: make(map[string]int64)}, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteConn struct {
	s      *SQLite
	ids    map[string]int64
	closed bool
}

func (c *sqliteConn) check(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func handleKey(dir Path, name string) string {
	return dir.String() + "\x00" + name
}

func (c *sqliteConn) List(ctx context.Context, dir Path) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	rows, err := c.s.db.QueryContext(ctx, `SELECT name FROM datasets WHERE dir = ? ORDER BY id`, dir.String())
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *sqliteConn) Open(ctx context.Context, dir Path, name string) (Handle, error) {
	if err := c.check(ctx); err != nil {
		return Handle{}, err
	}
	var (
		id           int64
		nrows, ncols int
		data         []byte
	)
	// the newest dataset of a name shadows older ones
	err := c.s.db.QueryRowContext(ctx,
		`SELECT id, nrows, ncols, data FROM datasets WHERE dir = ? AND name = ? ORDER BY id DESC LIMIT 1`,
		dir.String(), name).Scan(&id, &nrows, &ncols, &data)
	if err == sql.ErrNoRows {
		return Handle{}, errors.Wrapf(ErrNoSuchDataset, "%s/%s", dir, name)
	}
	if err != nil {
		return Handle{}, errors.Wrapf(err, "opening %s/%s", dir, name)
	}
	rows, err := decodeRows(data, nrows, ncols)
	if err != nil {
		return Handle{}, errors.Wrapf(err, "%s/%s", dir, name)
	}
	c.ids[handleKey(dir, name)] = id
	return Handle{Path: dir, Name: name, Digest: Digest(rows)}, nil
}

func (c *sqliteConn) id(h Handle) (int64, error) {
	id, ok := c.ids[handleKey(h.Path, h.Name)]
	if !ok {
		return 0, errors.Errorf("dataset %s/%s is not open", h.Path, h.Name)
	}
	return id, nil
}

func (c *sqliteConn) Read(ctx context.Context, h Handle) ([][]float64, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	id, err := c.id(h)
	if err != nil {
		return nil, err
	}
	var (
		nrows, ncols int
		data         []byte
	)
	err = c.s.db.QueryRowContext(ctx, `SELECT nrows, ncols, data FROM datasets WHERE id = ?`, id).Scan(&nrows, &ncols, &data)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", h.Name)
	}
	return decodeRows(data, nrows, ncols)
}

func (c *sqliteConn) Param(ctx context.Context, h Handle, key string) (interface{}, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	id, err := c.id(h)
	if err != nil {
		return nil, err
	}
	var kind, value string
	err = c.s.db.QueryRowContext(ctx, `SELECT kind, value FROM params WHERE dataset = ? AND key = ?`, id, key).Scan(&kind, &value)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNoSuchParam, "%q of %s", key, h.Name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q of %s", key, h.Name)
	}
	return decodeParam(kind, value)
}

func (c *sqliteConn) Append(ctx context.Context, dir Path, suffix string, rows [][]float64, params map[string]interface{}) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if c.s.readOnly {
		return "", ErrReadOnly
	}
	if err := checkRect(rows); err != nil {
		return "", err
	}
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE dir = ?`, dir.String()).Scan(&n); err != nil {
		return "", err
	}
	name := DatasetName(n+1, suffix)
	res, err := tx.ExecContext(ctx, `INSERT INTO datasets (dir, name, nrows, ncols, data) VALUES (?, ?, ?, ?, ?)`,
		dir.String(), name, len(rows), len(rows[0]), encodeRows(rows))
	if err != nil {
		return "", errors.Wrapf(err, "inserting %s", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	for k, v := range params {
		kind, value, err := encodeParam(v)
		if err != nil {
			return "", errors.Wrapf(err, "parameter %q", k)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO params (dataset, key, kind, value) VALUES (?, ?, ?, ?)`, id, k, kind, value); err != nil {
			return "", errors.Wrapf(err, "inserting parameter %q", k)
		}
	}
	return name, tx.Commit()
}

func (c *sqliteConn) Close() error {
	c.closed = true
	return nil
}

func encodeRows(rows [][]float64) []byte {
	buf := make([]byte, 0, 8*len(rows)*len(rows[0]))
	var b [8]byte
	for _, r := range rows {
		for _, v := range r {
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

func decodeRows(data []byte, nrows, ncols int) ([][]float64, error) {
	if len(data) != 8*nrows*ncols {
		return nil, errors.Errorf("%d bytes of data for %d x %d values", len(data), nrows, ncols)
	}
	rows := make([][]float64, nrows)
	for i := range rows {
		rows[i] = make([]float64, ncols)
		for j := range rows[i] {
			off := 8 * (i*ncols + j)
			rows[i][j] = math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
		}
	}
	return rows, nil
}

func encodeParam(v interface{}) (string, string, error) {
	switch t := normalizeParam(v).(type) {
	case float64:
		return "float", strconv.FormatFloat(t, 'g', -1, 64), nil
	case int64:
		return "int", strconv.FormatInt(t, 10), nil
	case bool:
		return "bool", strconv.FormatBool(t), nil
	case string:
		return "string", t, nil
	}
	return "", "", errors.Errorf("unsupported parameter type %T", v)
}

func decodeParam(kind, value string) (interface{}, error) {
	switch kind {
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		return f, err
	case "int":
		i, err := strconv.ParseInt(value, 10, 64)
		return i, err
	case "bool":
		b, err := strconv.ParseBool(value)
		return b, err
	case "string":
		return value, nil
	}
	return nil, errors.Errorf("unknown parameter kind %q", kind)
}
