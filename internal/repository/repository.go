/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package repository implements mail repositories: named stores for mail
// that needs operator attention, such as the dead-letter repository used
// for fragments the router could not deliver.
//
// Envelope, header and attributes are kept in an SQL table, message bodies
// in a BlobStore. Several repositories may share one database.
package repository

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/storage/blob/fs"
	"github.com/foxcpp/mailflow/internal/storage/blob/s3"
	"github.com/foxcpp/mailflow/internal/storage/sqldb"
	"github.com/google/uuid"
)

const schema = `CREATE TABLE IF NOT EXISTS mailflow_mail (
	repo VARCHAR(255) NOT NULL,
	mkey VARCHAR(255) NOT NULL,
	mname TEXT NOT NULL,
	sender TEXT NOT NULL,
	rcpts TEXT NOT NULL,
	state TEXT NOT NULL,
	error TEXT NOT NULL,
	header TEXT NOT NULL,
	attrs TEXT NOT NULL,
	remote_addr TEXT NOT NULL,
	received BIGINT NOT NULL,
	stored_at BIGINT NOT NULL,
	PRIMARY KEY (repo, mkey)
)`

// Repository is a module.Repository backed by an SQL database and a blob
// store.
type Repository struct {
	name  string
	db    *sqldb.DB
	blobs module.BlobStore
	log   log.Logger

	ownDB bool
}

// New opens the repository described by cfg. Bodies are stored in
// stateDir/repository/<name> unless cfg.Blob says otherwise.
func New(cfg config.Repository, stateDir string, logger log.Logger) (*Repository, error) {
	logger = logger.Sublogger("repository/" + cfg.Name)

	db, err := sqldb.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", cfg.Name, err)
	}
	blobs, err := newBlobStore(cfg, stateDir, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("repository %s: %w", cfg.Name, err)
	}
	r, err := NewWithDB(cfg.Name, db, blobs, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.ownDB = true
	return r, nil
}

func newBlobStore(cfg config.Repository, stateDir string, logger log.Logger) (module.BlobStore, error) {
	switch cfg.Blob.Type {
	case "", "fs":
		root := cfg.Blob.Root
		if root == "" {
			root = filepath.Join(stateDir, "repository", cfg.Name)
		}
		return fs.New(root)
	case "s3":
		return s3.New(cfg.Blob, logger.Sublogger("s3"))
	}
	return nil, fmt.Errorf("unknown blob store type: %s", cfg.Blob.Type)
}

// NewWithDB creates a repository using an already opened database. The
// schema is created if needed.
func NewWithDB(name string, db *sqldb.DB, blobs module.BlobStore, logger log.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("repository %s: schema: %w", name, err)
	}
	return &Repository{
		name:  name,
		db:    db,
		blobs: blobs,
		log:   logger,
	}, nil
}

func (r *Repository) Name() string {
	return r.name
}

func (r *Repository) Close() error {
	if r.ownDB {
		return r.db.Close()
	}
	return nil
}

func encodeHeader(h textproto.Header) (string, error) {
	var b bytes.Buffer
	if err := textproto.WriteHeader(&b, h); err != nil {
		return "", err
	}
	return b.String(), nil
}

func decodeHeader(s string) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(strings.NewReader(s)))
}

// encodeAttrs serializes attributes to JSON. Values that cannot be
// serialized are stored as their string representation.
func encodeAttrs(attrs map[string]interface{}) ([]byte, error) {
	safe := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if _, err := json.Marshal(v); err != nil {
			safe[k] = fmt.Sprint(v)
			continue
		}
		safe[k] = v
	}
	return json.Marshal(safe)
}

// Store saves m and returns its key.
func (r *Repository) Store(ctx context.Context, m *mail.Mail) (string, error) {
	key := uuid.NewString()

	hdr, err := encodeHeader(m.Header)
	if err != nil {
		return "", fmt.Errorf("repository %s: %w", r.name, err)
	}
	rcpts, err := json.Marshal(m.Rcpts)
	if err != nil {
		return "", fmt.Errorf("repository %s: %w", r.name, err)
	}
	attrs, err := encodeAttrs(m.Attrs)
	if err != nil {
		return "", fmt.Errorf("repository %s: attributes: %w", r.name, err)
	}
	errText := ""
	if m.Err != nil {
		errText = m.Err.Error()
	}

	if err := r.storeBody(ctx, key, m.Body); err != nil {
		return "", fmt.Errorf("repository %s: %w", r.name, err)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO mailflow_mail
		(repo, mkey, mname, sender, rcpts, state, error, header, attrs, remote_addr, received, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.name, key, m.Name, m.Sender, string(rcpts), m.State, errText, hdr, string(attrs), m.RemoteAddr,
		m.Received.UnixNano(), time.Now().UnixNano())
	if err != nil {
		if err := r.blobs.Delete(ctx, []string{key}); err != nil {
			r.log.Error("failed to remove orphaned body", err, "key", key)
		}
		return "", fmt.Errorf("repository %s: %w", r.name, err)
	}

	r.log.DebugMsg("stored", "msg_name", m.Name, "key", key, "state", m.State)
	return key, nil
}

func (r *Repository) storeBody(ctx context.Context, key string, body buffer.Buffer) error {
	var (
		rd   io.ReadCloser = io.NopCloser(bytes.NewReader(nil))
		size int64
	)
	if body != nil {
		var err error
		rd, err = body.Open()
		if err != nil {
			return err
		}
		size = int64(body.Len())
	}
	defer rd.Close()

	b, err := r.blobs.Create(ctx, key, size)
	if err != nil {
		return err
	}
	defer b.Close()
	if _, err := io.Copy(b, rd); err != nil {
		return err
	}
	return b.Sync()
}

const listQuery = `SELECT mkey, mname, sender, rcpts, state, error, stored_at
	FROM mailflow_mail WHERE repo = ? ORDER BY stored_at, mkey`

func (r *Repository) List(ctx context.Context) ([]module.StoredMail, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(listQuery), r.name)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", r.name, err)
	}
	defer rows.Close()

	var res []module.StoredMail
	for rows.Next() {
		var (
			sm       = module.StoredMail{Repository: r.name}
			rcpts    string
			storedAt int64
		)
		if err := rows.Scan(&sm.Key, &sm.Name, &sm.Sender, &rcpts, &sm.State, &sm.Error, &storedAt); err != nil {
			return nil, fmt.Errorf("repository %s: %w", r.name, err)
		}
		if err := json.Unmarshal([]byte(rcpts), &sm.Rcpts); err != nil {
			return nil, fmt.Errorf("repository %s: %s: malformed recipients: %w", r.name, sm.Key, err)
		}
		sm.StoredAt = time.Unix(0, storedAt)
		res = append(res, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository %s: %w", r.name, err)
	}
	return res, nil
}

// Retrieve loads the stored mail. The body is read into memory.
func (r *Repository) Retrieve(ctx context.Context, key string) (*mail.Mail, error) {
	var (
		m                         = &mail.Mail{}
		rcpts, errText, hdr, atts string
		received                  int64
	)
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT mname, sender, rcpts, state, error, header, attrs, remote_addr, received
		FROM mailflow_mail WHERE repo = ? AND mkey = ?`), r.name, key)
	err := row.Scan(&m.Name, &m.Sender, &rcpts, &m.State, &errText, &hdr, &atts, &m.RemoteAddr, &received)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, module.ErrNoSuchMail
		}
		return nil, fmt.Errorf("repository %s: %w", r.name, err)
	}

	if err := json.Unmarshal([]byte(rcpts), &m.Rcpts); err != nil {
		return nil, fmt.Errorf("repository %s: %s: malformed recipients: %w", r.name, key, err)
	}
	if err := json.Unmarshal([]byte(atts), &m.Attrs); err != nil {
		return nil, fmt.Errorf("repository %s: %s: malformed attributes: %w", r.name, key, err)
	}
	if m.Attrs == nil {
		m.Attrs = make(map[string]interface{})
	}
	m.Header, err = decodeHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %s: malformed header: %w", r.name, key, err)
	}
	if errText != "" {
		m.Err = errors.New(errText)
	}
	m.Received = time.Unix(0, received)

	body, err := r.blobs.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %s: %w", r.name, key, err)
	}
	defer body.Close()
	m.Body, err = buffer.InMemory(body)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %s: %w", r.name, key, err)
	}
	return m, nil
}

func (r *Repository) Remove(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM mailflow_mail WHERE repo = ? AND mkey = ?`), r.name, key)
	if err != nil {
		return fmt.Errorf("repository %s: %w", r.name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository %s: %w", r.name, err)
	}
	if affected == 0 {
		return module.ErrNoSuchMail
	}

	if err := r.blobs.Delete(ctx, []string{key}); err != nil {
		// The index entry is gone, the body is garbage now.
		r.log.Error("failed to remove body", err, "key", key)
	}
	return nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM mailflow_mail WHERE repo = ?`), r.name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository %s: %w", r.name, err)
	}
	return count, nil
}

var _ module.Repository = &Repository{}
