package user

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

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query, args, err := r.builder.
		Insert("users").
		Columns("username", "password_hash").
		Values(user.Username, user.PasswordHash).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, err
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return nil, err
	}

	user.ID = id
	return user, nil
}
