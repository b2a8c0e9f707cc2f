package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	_ "modernc.org/sqlite"
)

const sqliteTicketDDL = `
CREATE TABLE IF NOT EXISTS cas_tickets (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	granting_ticket_id TEXT NOT NULL DEFAULT '',
	body BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cas_tickets_kind ON cas_tickets(kind);
`

const sqliteUpsertTicket = `
INSERT INTO cas_tickets (id, kind, granting_ticket_id, body, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kind = excluded.kind,
	granting_ticket_id = excluded.granting_ticket_id,
	body = excluded.body,
	updated_at = excluded.updated_at`

// SQLiteTicketStore 单文件 SQLite 票据存储
type SQLiteTicketStore struct {
	db *sql.DB
}

// NewSQLiteTicketStore 打开数据库并建表，path 为 ":memory:" 时使用内存库
func NewSQLiteTicketStore(path string) (*SQLiteTicketStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// 内存库每个连接互相独立，写入串行化
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteTicketDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化票据表失败: %w", err)
	}
	return &SQLiteTicketStore{db: db}, nil
}

// Close 关闭数据库
func (s *SQLiteTicketStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTicketStore) Put(ctx context.Context, ticket model.Ticket) error {
	data, err := model.MarshalTicket(ticket)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertTicket,
		ticket.ID(), string(ticket.Kind()), ticket.GrantingTicketID(), data, model.Now().Unix())
	if err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

func (s *SQLiteTicketStore) Get(ctx context.Context, id string) (model.Ticket, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM cas_tickets WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}
	return model.UnmarshalTicket(data)
}

func (s *SQLiteTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cas_tickets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("删除票据失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteTicketStore) List(ctx context.Context) ([]model.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM cas_tickets ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("查询票据失败: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := model.UnmarshalTicket(data)
		if err != nil {
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteTicketStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cas_tickets`)
	if err != nil {
		return 0, fmt.Errorf("清空票据失败: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
