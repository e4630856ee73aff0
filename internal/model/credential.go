// Package model はドメインモデルを定義する。
package model

import "time"

// AccountKey はドメインとアカウントハンドルの組でアカウントを一意に識別する。
type AccountKey struct {
	Domain        string `json:"domain"`
	AccountHandle string `json:"account_handle"`
}

// String は "handle@domain" 形式の表現を返す。ログ出力用。
func (k AccountKey) String() string {
	return k.AccountHandle + "@" + k.Domain
}

// Credential は認可済みアカウントの永続化された認証情報を表す。
// OAuth認可完了時に生成され、以後は読み取り専用。
// 再認可時には丸ごと置き換えられる。
type Credential struct {
	Domain        string
	AccountHandle string
	ClientID      string
	ClientSecret  string
	AccessToken   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key はCredentialの識別キーを返す。
func (c *Credential) Key() AccountKey {
	return AccountKey{Domain: c.Domain, AccountHandle: c.AccountHandle}
}

// StreamSession は1本のストリーミング購読の実行時状態を表す。永続化されない。
type StreamSession struct {
	ID            string
	Domain        string
	AccountHandle string
	StreamingURL  string
	StartedAt     time.Time
}
