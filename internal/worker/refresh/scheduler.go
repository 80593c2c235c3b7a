// Package refresh は連携済みGmailアカウントのアクセストークンを失効前に更新するバックグラウンド処理を提供する。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/clarity/internal/metrics"
	"github.com/hitoshi/clarity/internal/model"
)

const (
	defaultInterval       = 5 * time.Minute
	defaultLookahead      = 10 * time.Minute
	defaultMaxConcurrency = 4
)

// ErrSweepInProgress は前回のスイープが実行中のため、今回のスイープをスキップしたことを示す。
var ErrSweepInProgress = errors.New("refresh sweep already in progress")

// ExpiringAccountLister は更新対象アカウントの取得インターフェース。
type ExpiringAccountLister interface {
	// ListExpiring は before より前に失効し、リフレッシュトークンを持つアカウントを返す。
	ListExpiring(ctx context.Context, before time.Time) ([]*model.GmailAccount, error)
}

// AccountRefresher は1アカウントのトークン更新インターフェース。
// gmail.Serviceが実装する。
type AccountRefresher interface {
	RefreshAccount(ctx context.Context, account *model.GmailAccount) error
}

// SweepLocker はプロセスをまたいだスイープの排他インターフェース。
// repository.PostgresAdvisoryLockが実装する。
type SweepLocker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// Config はSchedulerの設定。
type Config struct {
	Interval       time.Duration
	Lookahead      time.Duration
	MaxConcurrency int

	// Locker がnilの場合、重複実行の防止は同一プロセス内に限られる。
	Locker SweepLocker
}

// SweepResult は1回のスイープの集計。
type SweepResult struct {
	Total     int
	Refreshed int
	Failed    int
}

// Scheduler は一定間隔で失効間近のアカウントを抽出し、並列数を制限しながらトークンを更新する。
// 1アカウントの失敗は他のアカウントの処理に影響しない。
type Scheduler struct {
	lister    ExpiringAccountLister
	refresher AccountRefresher
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	cfg       Config
	now       func() time.Time

	running atomic.Bool
}

// NewScheduler はSchedulerを生成する。
// 0以下の設定値はデフォルト値（5分間隔、10分先読み、並列数4）に置き換える。
func NewScheduler(
	lister ExpiringAccountLister,
	refresher AccountRefresher,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	cfg Config,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		lister:    lister,
		refresher: refresher,
		logger:    logger,
		metrics:   collector,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start は起動直後に1回スイープを実行し、以後Interval間隔で繰り返す。
// コンテキストがキャンセルされるまで戻らない。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("トークン更新スケジューラを開始しました",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("lookahead", s.cfg.Lookahead),
		slog.Int("max_concurrency", s.cfg.MaxConcurrency),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("トークン更新スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			s.logger.Warn("他のスイープが実行中のためスキップします")
			return
		}
		s.logger.Error("トークン更新スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は失効間近のアカウントを1回抽出し、並列でトークンを更新する。
// 同一プロセス内、またはLockerを共有する他プロセスでスイープが実行中の場合はErrSweepInProgressを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.cfg.Locker != nil {
		unlock, acquired, err := s.cfg.Locker.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !acquired {
			return nil, ErrSweepInProgress
		}
		defer unlock()
	}

	start := time.Now()
	accounts, err := s.lister.ListExpiring(ctx, s.now().Add(s.cfg.Lookahead))
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Total: len(accounts)}
	if len(accounts) == 0 {
		s.logger.Debug("更新対象のアカウントはありません")
		s.metrics.RecordSweep(time.Since(start), 0, 0)
		return result, nil
	}

	s.logger.Info("トークン更新スイープを開始します",
		slog.Int("account_count", len(accounts)),
	)

	var refreshed, failed atomic.Int64

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(a *model.GmailAccount) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.refresher.RefreshAccount(ctx, a); err != nil {
				failed.Add(1)
				s.logger.Error("アクセストークンの更新に失敗しました",
					slog.String("account_id", a.ID),
					slog.String("user_id", a.UserID),
					slog.String("error", err.Error()),
				)
				return
			}
			refreshed.Add(1)
		}(account)
	}

	wg.Wait()

	result.Refreshed = int(refreshed.Load())
	result.Failed = int(failed.Load())

	duration := time.Since(start)
	s.metrics.RecordSweep(duration, result.Refreshed, result.Failed)
	s.logger.Info("トークン更新スイープが完了しました",
		slog.Int("account_count", result.Total),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return result, ctx.Err()
}
