package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/toastodon/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Save は認証情報をUPSERTする。再認可時はcreated_atを保持したまま他の列を置き換える。
func (r *PostgresCredentialRepo) Save(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (domain, account_handle, client_id, client_secret, access_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (domain, account_handle) DO UPDATE SET
		   client_id = EXCLUDED.client_id,
		   client_secret = EXCLUDED.client_secret,
		   access_token = EXCLUDED.access_token,
		   updated_at = EXCLUDED.updated_at`,
		cred.Domain, cred.AccountHandle, cred.ClientID, cred.ClientSecret, cred.AccessToken,
		cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Find は指定キーの認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) Find(ctx context.Context, key model.AccountKey) (*model.Credential, error) {
	cred := &model.Credential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT domain, account_handle, client_id, client_secret, access_token, created_at, updated_at
		 FROM credentials WHERE domain = $1 AND account_handle = $2`,
		key.Domain, key.AccountHandle,
	).Scan(&cred.Domain, &cred.AccountHandle, &cred.ClientID, &cred.ClientSecret, &cred.AccessToken,
		&cred.CreatedAt, &cred.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	return cred, nil
}

// List は保存されているすべての認証情報を返す。
func (r *PostgresCredentialRepo) List(ctx context.Context) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT domain, account_handle, client_id, client_secret, access_token, created_at, updated_at
		 FROM credentials ORDER BY domain, account_handle`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		cred := &model.Credential{}
		if err := rows.Scan(&cred.Domain, &cred.AccountHandle, &cred.ClientID, &cred.ClientSecret,
			&cred.AccessToken, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return creds, nil
}

// Delete は指定キーの認証情報を削除する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, key model.AccountKey) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE domain = $1 AND account_handle = $2`,
		key.Domain, key.AccountHandle,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
