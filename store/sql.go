package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	insertMessageSQL = "INSERT INTO messages (id, author, icon, text, image, create_time) VALUES (?,?,?,?,?,?)"
	getMessageSQL    = "SELECT seq, id, author, icon, text, image, create_time, edited_text, edit_time " +
		"FROM messages WHERE id = ?"
	pageSQL = "SELECT seq, id, author, icon, text, image, create_time, edited_text, edit_time FROM (" +
		"SELECT * FROM messages ORDER BY seq DESC LIMIT ?) AS recent ORDER BY seq ASC"
	lockAuthorSQL  = "SELECT author FROM messages WHERE id = ? FOR UPDATE"
	setEditSQL     = "UPDATE messages SET edited_text = ?, edit_time = ? WHERE id = ?"
	lockMessageSQL = "SELECT 1 FROM messages WHERE id = ? LOCK IN SHARE MODE"
	upsertReadSQL  = "INSERT INTO read_receipts (message_id, reader, read_time) VALUES (?,?,?) " +
		"ON DUPLICATE KEY UPDATE read_time = VALUES(read_time)"
	getReceiptsSQL = "SELECT message_id, reader, read_time FROM read_receipts WHERE message_id = ? ORDER BY reader ASC"
	existsSQL      = "SELECT 1 FROM messages WHERE id = ?"
)

// max attempts to insert a message when the random id collides.
const maxInsertAttempts = 3

// SQLStore implements `IHistoryStore` on MySQL.
type SQLStore struct {
	*sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var editedText sql.NullString
	var editTime sql.NullTime
	if err := row.Scan(&m.Seq, &m.ID, &m.Author, &m.Icon, &m.Text, &m.Image, &m.CreateTime, &editedText, &editTime); err != nil {
		return nil, err
	}
	m.CreateTime = m.CreateTime.UTC()
	if editedText.Valid {
		v := editedText.String
		m.EditedText = &v
	}
	if editTime.Valid {
		v := editTime.Time.UTC()
		m.EditTime = &v
	}
	return &m, nil
}

func (s *SQLStore) Append(ctx context.Context, nm NewMessage) (*Message, error) {
	m := &Message{
		Author:     nm.Author,
		Icon:       nm.Icon,
		Text:       nm.Text,
		Image:      nm.Image,
		CreateTime: now(),
	}

	for attempt := 1; ; attempt++ {
		m.ID = NewID()
		res, err := s.ExecContext(ctx, insertMessageSQL, m.ID, m.Author, m.Icon, m.Text, m.Image, m.CreateTime)
		if err != nil {
			if s.IsDupKeyError(err) && attempt < maxInsertAttempts {
				glog.Warningf("store: message id collision: %s, retry", m.ID)
				continue
			}
			return nil, fmt.Errorf("insert message: %w", err)
		}
		if m.Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert message: last insert id: %w", err)
		}
		return m, nil
	}
}

func (s *SQLStore) Page(ctx context.Context, limit int) ([]*Message, error) {
	out := []*Message{}
	if limit <= 0 {
		return out, nil
	}

	rows, err := s.QueryContext(ctx, pageSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("page query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("page scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SetEdit(ctx context.Context, messageID, editor, text string) (*Message, EditResult, error) {
	var out *Message
	result := EditOK

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var author string
		if err := tx.QueryRowContext(ctx, lockAuthorSQL, messageID).Scan(&author); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = EditNotFound
				return nil
			}
			return err
		}
		if author != editor {
			result = EditForbidden
			return nil
		}

		if _, err := tx.ExecContext(ctx, setEditSQL, text, now(), messageID); err != nil {
			return err
		}

		m, err := scanMessage(tx.QueryRowContext(ctx, getMessageSQL, messageID))
		if err != nil {
			return err
		}
		out = m
		return nil
	}); err != nil {
		return nil, EditOK, fmt.Errorf("set edit: %w", err)
	}

	return out, result, nil
}

func (s *SQLStore) RecordRead(ctx context.Context, messageID, reader string) (*ReadReceipt, ReadResult, error) {
	receipt := &ReadReceipt{MessageID: messageID, Reader: reader, ReadTime: now()}
	result := ReadOK

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, lockMessageSQL, messageID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = ReadNotFound
				return nil
			}
			return err
		}
		_, err := tx.ExecContext(ctx, upsertReadSQL, receipt.MessageID, receipt.Reader, receipt.ReadTime)
		return err
	}); err != nil {
		return nil, ReadOK, fmt.Errorf("record read: %w", err)
	}

	if result != ReadOK {
		return nil, result, nil
	}
	return receipt, ReadOK, nil
}

func (s *SQLStore) Receipts(ctx context.Context, messageID string) ([]*ReadReceipt, error) {
	var one int
	if err := s.QueryRowContext(ctx, existsSQL, messageID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receipts: %w", err)
	}

	rows, err := s.QueryContext(ctx, getReceiptsSQL, messageID)
	if err != nil {
		return nil, fmt.Errorf("receipts query: %w", err)
	}
	defer rows.Close()

	out := []*ReadReceipt{}
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.Reader, &r.ReadTime); err != nil {
			return nil, fmt.Errorf("receipts scan: %w", err)
		}
		r.ReadTime = r.ReadTime.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}
