// Package cleanup は通知用に書き出したアバター画像の自動削除ジョブを提供する。
// 通常は通知を閉じた時点で削除されるが、プロセスが異常終了した場合に残ったファイルを
// 保持期間（デフォルト24時間）経過後に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanupJob は保持期間を超過したアイコンファイルの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	dir       string
	pattern   string
	logger    *slog.Logger
	now       func() time.Time
	Retention time.Duration // アイコンの保持期間（デフォルト: 24時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// dir内のpatternに一致するファイルを対象とする。
func NewCleanupJob(dir, pattern string, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		dir:       dir,
		pattern:   pattern,
		logger:    logger,
		now:       time.Now,
		Retention: 24 * time.Hour,
	}
}

// Run は更新時刻がRetentionより古いファイルを削除する。
// 冪等: ディレクトリが存在しない場合や削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	matches, err := filepath.Glob(filepath.Join(j.dir, j.pattern))
	if err != nil {
		return fmt.Errorf("アイコンファイルの列挙に失敗: %w", err)
	}

	cutoff := start.Add(-j.Retention)
	var deleted int
	var errs []error
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	if err := errors.Join(errs...); err != nil {
		j.logger.Error("アイコンクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("deleted_count", deleted),
		)
		return fmt.Errorf("アイコンクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("アイコンクリーンアップジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回Runを実行し、その後intervalごとに繰り返す。ctxがキャンセルされると戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
