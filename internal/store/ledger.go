package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	target_url   TEXT NOT NULL,
	state        TEXT NOT NULL,
	config       TEXT NOT NULL,
	stats        TEXT,
	error        TEXT,
	output_path  TEXT,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS pages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	url             TEXT NOT NULL,
	page_type       TEXT,
	relevance_score REAL,
	depth           INTEGER NOT NULL,
	error           TEXT,
	visited_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_run ON pages(run_id);

CREATE TABLE IF NOT EXISTS attempts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	page_type  TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	source     TEXT NOT NULL,
	error      TEXT,
	records    INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, page_type);
`

// Ledger 运行台账,记录每次运行访问的页面与合成尝试
type Ledger struct {
	db *sql.DB
}

// OpenLedger 打开(必要时创建)台账数据库
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建台账目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开台账失败: %w", err)
	}
	// SQLite单写者,避免多个连接互相等待
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置pragma失败: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接台账失败: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// InitSchema 创建表结构
func (l *Ledger) InitSchema() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化台账表结构失败: %w", err)
	}
	return nil
}

// RecordRun 插入或更新运行记录
func (l *Ledger) RecordRun(ctx context.Context, run *models.Run, outputPath string) error {
	config, err := jsonText(run.Config)
	if err != nil {
		return err
	}
	stats, err := jsonText(run.Stats)
	if err != nil {
		return err
	}
	var completed any
	if run.CompletedAt != nil {
		completed = run.CompletedAt.Unix()
	}

	_, err = l.execWithRetry(ctx, `
		INSERT INTO runs (id, target_url, state, config, stats, error, output_path, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			stats = excluded.stats,
			error = excluded.error,
			output_path = excluded.output_path,
			completed_at = excluded.completed_at`,
		run.ID, run.TargetURL, string(run.State), config, stats, run.ErrorMessage, outputPath,
		run.CreatedAt.Unix(), completed)
	if err != nil {
		return fmt.Errorf("记录运行失败: %w", err)
	}
	return nil
}

// RecordPage 记录一个已访问页面
func (l *Ledger) RecordPage(ctx context.Context, runID string, page models.VisitedPage) error {
	_, err := l.execWithRetry(ctx, `
		INSERT INTO pages (run_id, url, page_type, relevance_score, depth, error, visited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, page.URL, page.PageType, page.RelevanceScore, page.Depth, page.Error, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("记录页面失败: %w", err)
	}
	return nil
}

// RecordAttempt 记录一次合成尝试
func (l *Ledger) RecordAttempt(ctx context.Context, runID, pageType string, attempt models.AttemptRecord) error {
	_, err := l.execWithRetry(ctx, `
		INSERT INTO attempts (run_id, page_type, attempt, source, error, records, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, pageType, attempt.Attempt, attempt.Source, attempt.Error, attempt.Records, attempt.At.Unix())
	if err != nil {
		return fmt.Errorf("记录合成尝试失败: %w", err)
	}
	return nil
}

// RunSummary 台账中一次运行的概要
type RunSummary struct {
	ID        string
	TargetURL string
	State     string
	Pages     int
	Attempts  int
}

// GetRun 查询运行概要
func (l *Ledger) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	s := &RunSummary{ID: runID}
	err := l.db.QueryRowContext(ctx, `
		SELECT target_url, state,
			(SELECT COUNT(*) FROM pages WHERE run_id = runs.id),
			(SELECT COUNT(*) FROM attempts WHERE run_id = runs.id)
		FROM runs WHERE id = ?`, runID).Scan(&s.TargetURL, &s.State, &s.Pages, &s.Attempts)
	if err != nil {
		return nil, fmt.Errorf("查询运行失败: %w", err)
	}
	return s, nil
}

// Close 关闭台账
func (l *Ledger) Close() error {
	return l.db.Close()
}

// execWithRetry SQLITE_BUSY时重试
func (l *Ledger) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := l.db.ExecContext(ctx, query, args...)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isBusyError(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("重试%d次后仍失败: %w", maxRetries, lastErr)
}

func isBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func jsonText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化失败: %w", err)
	}
	return string(data), nil
}
