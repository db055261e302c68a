package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/chat-magnifier/chat"
)

// ChatPersister stores the message and hidden-id sets in Postgres. Each save
// replaces the whole set in one transaction.
type ChatPersister struct{ DB *sql.DB }

var _ chat.Persister = (*ChatPersister)(nil)

func (p *ChatPersister) LoadMessages(ctx context.Context) ([]chat.ChatMessage, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, author, text, raw_text, received_at, is_male, show FROM chat_messages ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.ChatMessage
	for rows.Next() {
		var m chat.ChatMessage
		if err := rows.Scan(&m.ID, &m.Author, &m.Text, &m.RawText, &m.ReceivedAt, &m.IsMale, &m.Show); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *ChatPersister) SaveMessages(ctx context.Context, msgs []chat.ChatMessage) error {
	return p.replace(ctx, "chat_messages", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chat_messages(id, author, text, raw_text, received_at, is_male, show) VALUES($1,$2,$3,$4,$5,$6,$7)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range msgs {
			if _, err := stmt.ExecContext(ctx, m.ID, m.Author, m.Text, m.RawText, m.ReceivedAt, m.IsMale, m.Show); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (p *ChatPersister) LoadHidden(ctx context.Context) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id FROM hidden_messages ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *ChatPersister) SaveHidden(ctx context.Context, ids []string) error {
	return p.replace(ctx, "hidden_messages", func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO hidden_messages(id) VALUES($1) ON CONFLICT DO NOTHING`, id); err != nil {
				return fmt.Errorf("insert hidden id: %w", err)
			}
		}
		return nil
	})
}

// replace empties table and runs fill in the same transaction.
func (p *ChatPersister) replace(ctx context.Context, table string, fill func(*sql.Tx) error) (err error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	//nolint:gosec // G202: table is one of two package constants
	if _, err = tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return err
	}
	if err = fill(tx); err != nil {
		return err
	}
	return tx.Commit()
}
