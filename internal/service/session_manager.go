package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/model"
	"exam_session_engine/internal/sessionstore"
	"exam_session_engine/internal/util"
	"exam_session_engine/pkg/logger"
	"exam_session_engine/pkg/monitoring"

	"go.uber.org/zap"
)

var (
	_ engine.AttemptLifecycle = (*AttemptService)(nil)
	_ engine.AnswerRecorder   = (*AttemptService)(nil)
	_ engine.Scorer           = (*ScorerService)(nil)
)

type partsSource interface {
	Parts(examID uint) ([]engine.Part, error)
}

type sessionEntry struct {
	ready    chan struct{}
	session  *engine.Session
	err      error
	userID   string
	lastUsed atomic.Int64
}

func (e *sessionEntry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

// SessionManager 进程内的会话注册表：每个 attempt 至多一个 engine.Session，
// 首次访问时从会话存储重建，空闲超时后回收
type SessionManager struct {
	attempts *AttemptService
	exams    partsSource
	scorer   engine.Scorer
	store    sessionstore.Store
	lock     ClientLock
	now      func() time.Time

	cfgMu      sync.RWMutex
	sessionCfg config.SessionConfig
	scorerCfg  config.ScorerConfig
	extraOpts  []engine.SessionOption

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func NewSessionManager(
	cfg *config.Config,
	attempts *AttemptService,
	exams partsSource,
	scorer engine.Scorer,
	store sessionstore.Store,
	lock ClientLock,
) *SessionManager {
	return &SessionManager{
		attempts:   attempts,
		exams:      exams,
		scorer:     scorer,
		store:      store,
		lock:       lock,
		now:        time.Now,
		sessionCfg: cfg.Session,
		scorerCfg:  cfg.Scorer,
		sessions:   make(map[string]*sessionEntry),
	}
}

func (m *SessionManager) config() (config.SessionConfig, config.ScorerConfig) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.sessionCfg, m.scorerCfg
}

func (m *SessionManager) options() []engine.SessionOption {
	sc, scorer := m.config()
	opts := []engine.SessionOption{
		engine.WithLifecycle(m.attempts),
		engine.WithRecorder(m.attempts),
		engine.WithTimeouts(scorer.Timeout, scorer.PersistTimeout),
		engine.WithAutosaveInterval(sc.AutosaveInterval),
		engine.WithTick(sc.TickInterval, nil),
	}
	if sc.TimeoutGrace > 0 {
		opts = append(opts, engine.WithTimeoutGrace(sc.TimeoutGrace))
	}
	if sc.WarningSeconds > 0 {
		opts = append(opts, engine.WithWarningSeconds(sc.WarningSeconds))
	}
	if sc.MinRecordingBytes > 0 {
		opts = append(opts, engine.WithMinRecordingBytes(sc.MinRecordingBytes))
	}
	m.cfgMu.RLock()
	opts = append(opts, m.extraOpts...)
	m.cfgMu.RUnlock()
	return opts
}

// Start 开始或续作考试，并为该客户端加锁
func (m *SessionManager) Start(ctx context.Context, userID string, examID uint, clientID string) (*engine.Session, bool, error) {
	if _, err := m.exams.Parts(examID); err != nil {
		return nil, false, err
	}
	attempt, resumed, err := m.attempts.StartAttempt(ctx, userID, examID)
	if err != nil {
		return nil, false, err
	}
	if err := m.lock.Acquire(ctx, attempt.ID, clientID); err != nil {
		return nil, resumed, err
	}
	sess, err := m.load(ctx, attempt)
	if err != nil {
		return nil, resumed, err
	}
	return sess, resumed, nil
}

// Session 取得会话，只校验归属，不要求持有客户端锁（只读访问）
func (m *SessionManager) Session(ctx context.Context, attemptID, userID string) (*engine.Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[attemptID]
	m.mu.Unlock()
	if ok {
		if e.userID != userID {
			return nil, util.ErrPermissionDenied
		}
		if sess, err := m.await(ctx, e); err == nil && !sess.Closed() {
			return sess, nil
		}
	}

	attempt, err := m.attempts.Get(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != model.AttemptStatusInProgress {
		return nil, util.ErrAttemptEnded
	}
	return m.load(ctx, attempt)
}

// Authorize 取得会话并确认请求来自持锁的客户端
func (m *SessionManager) Authorize(ctx context.Context, attemptID, userID, clientID string) (*engine.Session, error) {
	sess, err := m.Session(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	if err := m.refreshLock(ctx, attemptID, clientID); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *SessionManager) refreshLock(ctx context.Context, attemptID, clientID string) error {
	err := m.lock.Refresh(ctx, attemptID, clientID)
	if errors.Is(err, util.ErrLockLost) {
		// 锁已过期且无人接管，原客户端可以重新持有
		return m.lock.Acquire(ctx, attemptID, clientID)
	}
	return err
}

func (m *SessionManager) Heartbeat(ctx context.Context, attemptID, userID, clientID string) error {
	_, err := m.Authorize(ctx, attemptID, userID, clientID)
	return err
}

func (m *SessionManager) load(ctx context.Context, attempt *model.ExamAttempt) (*engine.Session, error) {
	for {
		m.mu.Lock()
		e, ok := m.sessions[attempt.ID]
		if ok && e.session != nil && e.session.Closed() {
			delete(m.sessions, attempt.ID)
			ok = false
		}
		if !ok {
			e = &sessionEntry{ready: make(chan struct{}), userID: attempt.UserID}
			e.touch(m.now())
			m.sessions[attempt.ID] = e
			m.mu.Unlock()

			e.session, e.err = m.open(ctx, attempt)
			close(e.ready)
			if e.err != nil {
				m.mu.Lock()
				if m.sessions[attempt.ID] == e {
					delete(m.sessions, attempt.ID)
				}
				m.mu.Unlock()
				return nil, e.err
			}
			monitoring.ActiveSessions.Inc()
			return e.session, nil
		}
		m.mu.Unlock()

		sess, err := m.await(ctx, e)
		if err != nil {
			return nil, err
		}
		if !sess.Closed() {
			return sess, nil
		}
	}
}

func (m *SessionManager) await(ctx context.Context, e *sessionEntry) (*engine.Session, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	e.touch(m.now())
	return e.session, nil
}

func (m *SessionManager) open(ctx context.Context, attempt *model.ExamAttempt) (*engine.Session, error) {
	parts, err := m.exams.Parts(attempt.ExamID)
	if err != nil {
		return nil, err
	}
	info := engine.AttemptInfo{
		AttemptID: attempt.ID,
		UserID:    attempt.UserID,
		ExamID:    util.FormatUint(attempt.ExamID),
		StartTime: attempt.StartTime,
	}
	sess := engine.NewSession(info, parts, m.store, m.scorer, m.options()...)
	if err := sess.Open(ctx); err != nil {
		sess.Close(ctx)
		return nil, err
	}
	return sess, nil
}

// remove 从注册表移除并关闭会话
func (m *SessionManager) remove(ctx context.Context, attemptID string) {
	m.mu.Lock()
	e, ok := m.sessions[attemptID]
	if ok {
		delete(m.sessions, attemptID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.session == nil {
		return
	}
	monitoring.ActiveSessions.Dec()
	if err := e.session.Close(ctx); err != nil {
		logger.Log.Warn("failed to close session", zap.String("attemptId", attemptID), zap.Error(err))
	}
}

// Finish 交卷并结算，释放会话与客户端锁
func (m *SessionManager) Finish(ctx context.Context, attemptID, userID, clientID string) (*engine.FinalizeResult, error) {
	sess, err := m.Authorize(ctx, attemptID, userID, clientID)
	if err != nil {
		return nil, err
	}
	res, err := sess.Finish(ctx)
	if err != nil {
		return nil, err
	}
	m.remove(ctx, attemptID)
	m.lock.Release(ctx, attemptID, clientID)
	return res, nil
}

func (m *SessionManager) Abandon(ctx context.Context, attemptID, userID, clientID string) error {
	sess, err := m.Authorize(ctx, attemptID, userID, clientID)
	if err != nil {
		return err
	}
	if err := sess.Abandon(ctx); err != nil {
		return err
	}
	if err := m.attempts.Abandon(ctx, attemptID); err != nil {
		return err
	}
	m.remove(ctx, attemptID)
	m.lock.Release(ctx, attemptID, clientID)
	return nil
}

// Finalize 查询已结束作答的汇总
func (m *SessionManager) Finalize(ctx context.Context, attemptID, userID string) (*engine.FinalizeResult, error) {
	if _, err := m.attempts.Get(ctx, attemptID, userID); err != nil {
		return nil, err
	}
	return m.attempts.Finalize(ctx, attemptID)
}

func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle 回收空闲超时的会话，状态已持久化，下次访问时重建
func (m *SessionManager) EvictIdle(ctx context.Context) int {
	sc, scorer := m.config()
	if sc.IdleEvictAfter <= 0 {
		return 0
	}
	cutoff := m.now().Add(-sc.IdleEvictAfter).UnixNano()

	var idle []string
	m.mu.Lock()
	for id, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.lastUsed.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.mu.Lock()
		e := m.sessions[id]
		m.mu.Unlock()
		if e != nil && e.session != nil {
			dctx, cancel := context.WithTimeout(ctx, scorer.Timeout+scorer.PersistTimeout)
			if err := e.session.Drain(dctx); err != nil {
				logger.Log.Warn("evicting session with scoring in flight", zap.String("attemptId", id))
			}
			cancel()
		}
		m.remove(ctx, id)
		logger.Log.Info("idle session evicted", zap.String("attemptId", id))
	}
	return len(idle)
}

// Run 周期性回收空闲会话，ctx 取消后返回
func (m *SessionManager) Run(ctx context.Context) {
	interval := time.Minute
	if sc, _ := m.config(); sc.IdleEvictAfter > 0 && sc.IdleEvictAfter/4 < interval {
		interval = sc.IdleEvictAfter / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(ctx)
		}
	}
}

// ApplyConfig 配置热更新：新参数对之后打开的会话生效，自动保存周期立即生效
func (m *SessionManager) ApplyConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	old := m.sessionCfg.AutosaveInterval
	m.sessionCfg = cfg.Session
	m.scorerCfg = cfg.Scorer
	m.cfgMu.Unlock()

	if cfg.Session.AutosaveInterval == old {
		return
	}
	m.mu.Lock()
	var live []*engine.Session
	for _, e := range m.sessions {
		select {
		case <-e.ready:
			if e.session != nil {
				live = append(live, e.session)
			}
		default:
		}
	}
	m.mu.Unlock()
	for _, s := range live {
		s.SetAutosaveInterval(cfg.Session.AutosaveInterval)
	}
	logger.Log.Info("session config reloaded",
		zap.Duration("autosaveInterval", cfg.Session.AutosaveInterval),
		zap.Int("liveSessions", len(live)))
}

// Shutdown 等待评分结束后保存并关闭全部会话
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		e := m.sessions[id]
		m.mu.Unlock()
		if e == nil {
			continue
		}
		select {
		case <-e.ready:
			if e.session != nil {
				e.session.Drain(ctx)
			}
		case <-ctx.Done():
		}
		m.remove(ctx, id)
	}
}
