package tabs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otagao/raku-raku-notion/internal/internalapi"
	"github.com/otagao/raku-raku-notion/internal/model"
)

// Options はヘルパー管理の動作パラメータ。
type Options struct {
	// PingTimeout はping応答の待ち時間。
	PingTimeout time.Duration
	// SettleDelay はヘルパー起動後に処理可能になるまでの待機時間。
	SettleDelay time.Duration
	// RequestTimeout は内部APIリクエストの受理待ち時間。
	RequestTimeout time.Duration
}

// DefaultOptions は既定のパラメータを返す。
func DefaultOptions() Options {
	return Options{
		PingTimeout:    2 * time.Second,
		SettleDelay:    500 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
	}
}

// Session は稼働中のヘルパーへのハンドル。
// gallery.Migratorなどの内部API利用者から依存として使える。
type Session struct {
	id     string
	helper *helper
	opts   Options
}

// ID はセッション識別子を返す。
func (s *Session) ID() string { return s.id }

// LoadPageChunk はヘルパー経由でページのレコードマップを取得する。
func (s *Session) LoadPageChunk(ctx context.Context, pageID string) (*internalapi.PageChunk, error) {
	resp := s.helper.send(ctx, helperRequest{kind: kindLoadPageChunk, pageID: pageID}, s.opts.RequestTimeout)
	return resp.chunk, resp.err
}

// SaveTransactions はヘルパー経由でトランザクションを適用する。
func (s *Session) SaveTransactions(ctx context.Context, transactions []internalapi.Transaction) error {
	resp := s.helper.send(ctx, helperRequest{kind: kindSaveTransactions, transactions: transactions}, s.opts.RequestTimeout)
	return resp.err
}

// ping はヘルパーの応答を確認する。
func (s *Session) ping(ctx context.Context) error {
	resp := s.helper.send(ctx, helperRequest{kind: kindPing}, s.opts.PingTimeout)
	return resp.err
}

// Manager はヘルパーセッションの検索・起動・後始末を行う。
type Manager struct {
	api    InternalAPI
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// sleep はテストで待機を差し替えるためのフック。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager はManagerを生成する。
func NewManager(api InternalAPI, opts Options, logger *slog.Logger) *Manager {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultOptions().PingTimeout
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultOptions().SettleDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:      api,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
		sleep:    sleepCtx,
	}
}

// Acquire は利用可能なヘルパーセッションを返す。
// 既存セッションがあればpingで確認し、応答しなければ再起動（inject）して
// 安定待ちの後に再確認する。セッションが1つも無い場合は新規作成する。
// 返り値のrelease関数は、Managerがこの呼び出しのために作成した
// セッションだけを閉じる。既存セッションは閉じない。
func (m *Manager) Acquire(ctx context.Context) (*Session, func(), error) {
	m.mu.Lock()
	var existing *Session
	for _, s := range m.sessions {
		existing = s
		break
	}
	m.mu.Unlock()

	if existing != nil {
		if err := existing.ping(ctx); err == nil {
			return existing, func() {}, nil
		}

		// 応答しないヘルパーは起動し直して安定を待つ
		m.logger.Info("ヘルパーが応答しないため再起動", slog.String("session_id", existing.id))
		if err := m.reinject(ctx, existing); err != nil {
			return nil, nil, err
		}
		return existing, func() {}, nil
	}

	// セッションが無ければこの要求のために新規作成する
	session, err := m.createSession(ctx)
	if err != nil {
		return nil, nil, err
	}

	release := func() { m.Close(session.ID()) }
	return session, release, nil
}

// createSession は新しいヘルパーセッションを起動する。
func (m *Manager) createSession(ctx context.Context) (*Session, error) {
	session := &Session{
		id:     uuid.New().String(),
		helper: newHelper(m.api),
		opts:   m.opts,
	}
	session.helper.start(ctx)

	if err := m.sleep(ctx, m.opts.SettleDelay); err != nil {
		session.helper.shutdown()
		return nil, err
	}
	if err := session.ping(ctx); err != nil {
		session.helper.shutdown()
		return nil, model.NewHelperNotReadyError()
	}

	m.mu.Lock()
	m.sessions[session.id] = session
	m.mu.Unlock()

	m.logger.Info("ヘルパーセッションを作成", slog.String("session_id", session.id))
	return session, nil
}

// reinject は停止したヘルパーを起動し直し、安定待ちの後に応答を確認する。
func (m *Manager) reinject(ctx context.Context, session *Session) error {
	session.helper.shutdown()
	session.helper = newHelper(m.api)
	session.helper.start(ctx)

	if err := m.sleep(ctx, m.opts.SettleDelay); err != nil {
		return err
	}
	if err := session.ping(ctx); err != nil {
		return model.NewHelperNotReadyError()
	}
	return nil
}

// Register は外部で起動済みのセッションを登録する。
// Managerはこのセッションを自分の後始末対象にしない。
func (m *Manager) Register(ctx context.Context) *Session {
	session := &Session{
		id:     uuid.New().String(),
		helper: newHelper(m.api),
		opts:   m.opts,
	}
	session.helper.start(ctx)

	m.mu.Lock()
	m.sessions[session.id] = session
	m.mu.Unlock()
	return session
}

// Close は指定したセッションを停止して登録から外す。
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		session.helper.shutdown()
		m.logger.Info("ヘルパーセッションを終了", slog.String("session_id", sessionID))
	}
}

// CloseAll は全セッションを停止する。シャットダウン時に呼ぶ。
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.helper.shutdown()
	}
}

// sessionCount は登録中のセッション数を返す。
func (m *Manager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sleepCtx はコンテキストのキャンセルを尊重して待機する。
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
