package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"
)

// GmailRefreshLockKey はGmailトークン更新スイープの排他に使うアドバイザリロックのキー。
// serveとworkerが同時に動いても、スイープを実行するのは常に1プロセスだけになる。
const GmailRefreshLockKey int64 = 0x636c6172697479

// unlockTimeout はロック解放クエリのタイムアウト。
const unlockTimeout = 5 * time.Second

// PostgresAdvisoryLock はPostgreSQLのセッションレベルのアドバイザリロックによるプロセス間排他。
// ロックはセッションに紐づくため、取得から解放まで同じ接続を専有する。
type PostgresAdvisoryLock struct {
	db  *sql.DB
	key int64
}

// NewPostgresAdvisoryLock はPostgresAdvisoryLockを生成する。
func NewPostgresAdvisoryLock(db *sql.DB, key int64) *PostgresAdvisoryLock {
	return &PostgresAdvisoryLock{db: db, key: key}
}

// TryLock は待たずにロックの取得を試みる。
// 他のセッションが保持している場合はacquired=falseを返す。
// 取得できた場合、呼び出し側は必ずunlockを呼ぶこと。
func (l *PostgresAdvisoryLock) TryLock(ctx context.Context) (unlock func(), acquired bool, err error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	unlock = func() {
		// 親コンテキストがキャンセル済みでも解放できるよう独立したコンテキストを使う
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			// ロックを保持したままプールへ戻さないよう接続を破棄する
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}
	return unlock, true, nil
}
