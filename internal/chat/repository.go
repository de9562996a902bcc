package chat

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
)

type Repository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

func NewRepository(db *sql.DB, builder sq.StatementBuilderType) *Repository {
	return &Repository{db: db, builder: builder}
}

// SaveMessage inserts msg and fills in its id. The timestamp column is
// assigned by the store.
func (r *Repository) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	query, args, err := r.builder.
		Insert("chat_messages").
		Columns("sender_id", "receiver_id", "content").
		Values(msg.SenderID, msg.ReceiverID, msg.Content).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	return r.db.QueryRowContext(ctx, query, args...).Scan(&msg.ID)
}
