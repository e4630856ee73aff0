// Package transform はストリームの update イベントを表示用の通知レコードに変換する。
package transform

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/toastodon/internal/mastodon"
	"github.com/hitoshi/toastodon/internal/model"
)

// Sanitizer は投稿本文HTMLのサニタイズを行う。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// MediaMaterializer はURLをバイト列に解決する。並行呼び出しに対応している必要がある。
type MediaMaterializer interface {
	Materialize(ctx context.Context, rawURL string) (model.MaterializedMedia, error)
}

// Transformer はイベントのペイロードからPostを組み立てる。
type Transformer struct {
	sanitizer    Sanitizer
	materializer MediaMaterializer
	logger       *slog.Logger
}

// NewTransformer はTransformerを生成する。
func NewTransformer(sanitizer Sanitizer, materializer MediaMaterializer, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{
		sanitizer:    sanitizer,
		materializer: materializer,
		logger:       logger,
	}
}

// Transform は update イベントのペイロードをPostに変換する。
//
// 投稿者アバター、各添付メディア、ブーストされた投稿の一式は互いに独立しているため並行に取得する。
//   - デコード失敗、投稿者アバターの取得失敗はTransformErrorを返す。
//   - 添付メディアの取得失敗はその添付だけを除外する。
//   - ブースト側の取得がひとつでも失敗した場合、OriginalPostはnilとなり本体の内容で表示する。
func (t *Transformer) Transform(ctx context.Context, payload json.RawMessage) (*model.Post, error) {
	status, err := mastodon.DecodeStatus(payload)
	if err != nil {
		return nil, model.NewTransformError("ペイロードを解析できません", err)
	}

	post := &model.Post{
		ID:        status.ID,
		CreatedAt: status.CreatedAt,
		URL:       status.URL,
		Body:      t.sanitizer.Sanitize(status.Content),
		Account:   newAccount(status.Account),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		avatar, err := t.materializer.Materialize(gctx, status.Account.Avatar)
		if err != nil {
			return model.NewTransformError("アバターを取得できません", err)
		}
		post.Account.Avatar = avatar
		return nil
	})

	attachments := make([]*model.MaterializedMedia, len(status.MediaAttachments))
	for i, a := range status.MediaAttachments {
		g.Go(func() error {
			media, err := t.materializer.Materialize(gctx, a.ThumbnailURL())
			if err != nil {
				t.logger.Warn("添付メディアを除外します",
					slog.String("status_id", status.ID),
					slog.String("attachment_id", a.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			attachments[i] = &media
			return nil
		})
	}

	if status.Reblog != nil {
		g.Go(func() error {
			post.OriginalPost = t.buildReblog(gctx, status.Reblog)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	post.MediaAttachments = compact(attachments)
	return post, nil
}

// buildReblog はブーストされた投稿を1階層だけ組み立てる。
// 一部でも取得に失敗した場合はnilを返し、中途半端なPostは作らない。
// 本文が空のブースト元も採用しない。
func (t *Transformer) buildReblog(ctx context.Context, status *mastodon.Status) *model.Post {
	body := t.sanitizer.Sanitize(status.Content)
	if strings.TrimSpace(body) == "" {
		t.logger.Debug("ブースト元の本文が空のため本体の内容で表示します",
			slog.String("status_id", status.ID),
		)
		return nil
	}

	original := &model.Post{
		ID:        status.ID,
		CreatedAt: status.CreatedAt,
		URL:       status.URL,
		Body:      body,
		Account:   newAccount(status.Account),
	}
	media := make([]model.MaterializedMedia, len(status.MediaAttachments))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		avatar, err := t.materializer.Materialize(gctx, status.Account.Avatar)
		if err != nil {
			return err
		}
		original.Account.Avatar = avatar
		return nil
	})
	for i, a := range status.MediaAttachments {
		g.Go(func() error {
			m, err := t.materializer.Materialize(gctx, a.ThumbnailURL())
			if err != nil {
				return err
			}
			media[i] = m
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.logger.Warn("ブースト元の投稿を組み立てられないため本体の内容で表示します",
			slog.String("status_id", status.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	original.MediaAttachments = media
	return original
}

func newAccount(a mastodon.Account) model.Account {
	return model.Account{
		ID:          a.ID,
		Handle:      a.Acct,
		DisplayName: a.DisplayName,
	}
}

// compact は取得に成功した添付だけを元の順序で返す。結果は常に非nil。
func compact(items []*model.MaterializedMedia) []model.MaterializedMedia {
	out := make([]model.MaterializedMedia, 0, len(items))
	for _, m := range items {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}
