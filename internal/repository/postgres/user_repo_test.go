package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var userColumns = []string{"id", "email", "name", "image", "username", "created_at"}

func TestUserRepo_Create_OK_and_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	now := time.Now()
	u := &model.User{
		ID:       uuid.Must(uuid.NewV4()),
		Email:    "alice@example.org",
		Name:     "Alice",
		Username: "@alice@example.social",
	}

	mock.ExpectQuery(`INSERT INTO users \(id, email, name, image, username\) VALUES \(\$1, \$2, \$3, \$4, \$5\) RETURNING created_at`).
		WithArgs(u.ID, u.Email, u.Name, u.Image, u.Username).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))
	require.NoError(t, r.Create(ctx, u))
	require.Equal(t, now, u.CreatedAt)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(u.ID, u.Email, u.Name, u.Image, u.Username).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, u), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT id, email, name, image, username, created_at FROM users WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(userColumns).
			AddRow(id, "a@b.c", "A", "", "@a@b.c", time.Now()))
	u, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, u.ID)
	require.Equal(t, "a@b.c", u.Email)

	mock.ExpectQuery(`FROM users WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUserRepo_GetByEmail_PropagatesDBError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)

	mock.ExpectQuery(`FROM users WHERE email=\$1`).
		WithArgs("x@y.z").
		WillReturnError(context.DeadlineExceeded)
	_, err := r.GetByEmail(context.Background(), "x@y.z")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, errs.ErrNotFound)
}

func TestUserRepo_UpdateProfile(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`UPDATE users SET name=\$2, image=\$3 WHERE id=\$1`).
		WithArgs(id, "Alice", "https://img").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.UpdateProfile(ctx, id, "Alice", "https://img"))

	mock.ExpectExec(`UPDATE users`).
		WithArgs(id, "Alice", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.UpdateProfile(ctx, id, "Alice", ""), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
