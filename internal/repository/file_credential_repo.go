package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/toastodon/internal/model"
)

// fileCredential は config.json 内の1アカウント分のレコード。
// アクセストークンは "secret" キーに保存する。
type fileCredential struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	Secret       string    `json:"secret"`
	CreatedAt    time.Time `json:"createdAt,omitzero"`
	UpdatedAt    time.Time `json:"updatedAt,omitzero"`
}

// credentialFile は domain → accountHandle → レコード の形のファイル全体。
type credentialFile map[string]map[string]fileCredential

// FileCredentialRepo はJSONファイルを使用した認証情報リポジトリ。
// 書き込みは一時ファイルからのrenameで行い、パーミッションは0600にする。
type FileCredentialRepo struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialRepo はFileCredentialRepoを生成する。ファイルは最初の保存時に作られる。
func NewFileCredentialRepo(path string) *FileCredentialRepo {
	return &FileCredentialRepo{path: path}
}

// Save は認証情報を保存する。同じキーの既存レコードは置き換える。
func (r *FileCredentialRepo) Save(ctx context.Context, cred *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return err
	}

	accounts, ok := file[cred.Domain]
	if !ok {
		accounts = make(map[string]fileCredential)
		file[cred.Domain] = accounts
	}
	createdAt := cred.CreatedAt
	if prev, ok := accounts[cred.AccountHandle]; ok && !prev.CreatedAt.IsZero() {
		createdAt = prev.CreatedAt
	}
	accounts[cred.AccountHandle] = fileCredential{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Secret:       cred.AccessToken,
		CreatedAt:    createdAt,
		UpdatedAt:    cred.UpdatedAt,
	}

	return r.store(file)
}

// Find は指定キーの認証情報を取得する。見つからない場合はnilを返す。
func (r *FileCredentialRepo) Find(ctx context.Context, key model.AccountKey) (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := file[key.Domain][key.AccountHandle]
	if !ok {
		return nil, nil
	}
	return toCredential(key.Domain, key.AccountHandle, rec), nil
}

// List は保存されているすべての認証情報をドメイン、ハンドル順に返す。
func (r *FileCredentialRepo) List(ctx context.Context) ([]*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}

	var creds []*model.Credential
	for domain, accounts := range file {
		for handle, rec := range accounts {
			creds = append(creds, toCredential(domain, handle, rec))
		}
	}
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].Domain != creds[j].Domain {
			return creds[i].Domain < creds[j].Domain
		}
		return creds[i].AccountHandle < creds[j].AccountHandle
	})
	return creds, nil
}

// Delete は指定キーの認証情報を削除する。ドメインにアカウントが残らなければドメインごと消す。
func (r *FileCredentialRepo) Delete(ctx context.Context, key model.AccountKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return false, err
	}
	if _, ok := file[key.Domain][key.AccountHandle]; !ok {
		return false, nil
	}
	delete(file[key.Domain], key.AccountHandle)
	if len(file[key.Domain]) == 0 {
		delete(file, key.Domain)
	}
	return true, r.store(file)
}

func (r *FileCredentialRepo) load() (credentialFile, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return credentialFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(data) == 0 {
		return credentialFile{}, nil
	}

	file := credentialFile{}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", r.path, err)
	}
	return file, nil
}

func (r *FileCredentialRepo) store(file credentialFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential file: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func toCredential(domain, handle string, rec fileCredential) *model.Credential {
	return &model.Credential{
		Domain:        domain,
		AccountHandle: handle,
		ClientID:      rec.ClientID,
		ClientSecret:  rec.ClientSecret,
		AccessToken:   rec.Secret,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// compile-time interface check
var _ CredentialRepository = (*FileCredentialRepo)(nil)
