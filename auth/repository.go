package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateAccount signals that the email or identity is already registered.
	ErrDuplicateAccount = errors.New("auth: email or identity already registered")
)

type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
}

type CreateAccountParams struct {
	Identity     string
	Email        string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (identity, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, identity, email, password_hash, role, created_at
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Identity, strings.ToLower(params.Email), params.PasswordHash, string(params.Role)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return account, nil
}

func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	const selectSQL = `
		SELECT id::text, identity, email, password_hash, role, created_at
		FROM accounts
		WHERE email = $1
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		account Account
		role    string
	)
	if err := row.Scan(&account.ID, &account.Identity, &account.Email, &account.PasswordHash, &role, &account.CreatedAt); err != nil {
		return Account{}, err
	}
	account.Role = Role(role)
	return account, nil
}
