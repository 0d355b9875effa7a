package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "wagate/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id          BIGSERIAL PRIMARY KEY,
	at          TIMESTAMPTZ NOT NULL,
	tenant      TEXT        NOT NULL,
	recipient   TEXT        NOT NULL,
	success     BOOLEAN     NOT NULL,
	attempts    INTEGER     NOT NULL,
	attachments INTEGER     NOT NULL,
	detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_deliveries_tenant_at ON deliveries(tenant, at);
`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, tenant, recipient, success, attempts, attachments, detail)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.At, e.Tenant, e.Recipient, e.Success, e.Attempts, e.Attachments, nullStr(e.Detail),
	)
	return err
}

func (s *postgresStore) RecentDeliveries(ctx context.Context, tenant string, limit int) ([]DeliveryEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if tenant != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT at, tenant, recipient, success, attempts, attachments, COALESCE(detail, '')
			 FROM deliveries WHERE tenant = $1 ORDER BY id DESC LIMIT $2`, tenant, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT at, tenant, recipient, success, attempts, attachments, COALESCE(detail, '')
			 FROM deliveries ORDER BY id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var e DeliveryEntry
		if err := rows.Scan(&e.At, &e.Tenant, &e.Recipient, &e.Success, &e.Attempts, &e.Attachments, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
