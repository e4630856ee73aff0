// Package repository は認証情報の永続化インターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/toastodon/internal/model"
)

// CredentialRepository は認証情報の永続化インターフェース。
// キーは (domain, account_handle)。保存は常に丸ごと置き換える。
type CredentialRepository interface {
	// Save は認証情報を保存する。同じキーの既存レコードは置き換える。
	Save(ctx context.Context, cred *model.Credential) error

	// Find は指定キーの認証情報を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, key model.AccountKey) (*model.Credential, error)

	// List は保存されているすべての認証情報をドメイン、ハンドル順に返す。
	List(ctx context.Context) ([]*model.Credential, error)

	// Delete は指定キーの認証情報を削除する。存在しなければfalseを返す。
	Delete(ctx context.Context, key model.AccountKey) (bool, error)
}
