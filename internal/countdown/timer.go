// Package countdown 提供按固定间隔递减的倒计时，支持暂停/恢复与重置令牌。
package countdown

import (
	"sync"
	"time"
)

// Ticker 抽象 time.Ticker，便于测试中手动驱动
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type Option func(*Timer)

func WithInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithTickerFactory(f TickerFactory) Option {
	return func(t *Timer) { t.newTicker = f }
}

// OnTick 每次递减后回调剩余秒数
func OnTick(fn func(token string, remaining int)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// OnTimeout 每轮倒计时只回调一次
func OnTimeout(fn func(token string)) Option {
	return func(t *Timer) { t.onTimeout = fn }
}

// OnWarning 剩余时间首次降到 threshold 及以下时回调一次
func OnWarning(threshold int, fn func(token string, remaining int)) Option {
	return func(t *Timer) {
		t.warnAt = threshold
		t.onWarning = fn
	}
}

type Timer struct {
	mu        sync.Mutex
	interval  time.Duration
	newTicker TickerFactory

	onTick    func(token string, remaining int)
	onTimeout func(token string)
	onWarning func(token string, remaining int)
	warnAt    int

	duration  int
	token     string
	remaining int
	armed     bool
	paused    bool
	warned    bool

	gen    uint64
	stopCh chan struct{}
}

func New(opts ...Option) *Timer {
	t := &Timer{
		interval:  time.Second,
		newTicker: NewRealTicker,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start 以 seconds 和 resetToken 启动倒计时。
// 时长与令牌都未变化且倒计时仍有效时不做任何事并返回 false；
// 否则丢弃旧倒计时（不触发 timeout）并从 seconds 重新开始。
func (t *Timer) Start(seconds int, resetToken string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed && t.duration == seconds && t.token == resetToken {
		return false
	}

	t.halt()
	if seconds < 0 {
		seconds = 0
	}
	t.duration = seconds
	t.token = resetToken
	t.remaining = seconds
	t.armed = true
	t.warned = false

	if !t.paused {
		t.launch()
	}
	return true
}

// Restore 用保存的剩余时间继续当前倒计时（刷新后恢复）
func (t *Timer) Restore(remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > t.duration {
		remaining = t.duration
	}
	t.remaining = remaining
	if !t.paused {
		t.halt()
		t.launch()
	}
}

// Pause 冻结剩余时间
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paused {
		return
	}
	t.paused = true
	t.halt()
}

// Resume 从冻结处继续，重新开始一个完整的 tick 周期
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.paused {
		return
	}
	t.paused = false
	if t.armed {
		t.launch()
	}
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.halt()
	t.armed = false
}

func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

func (t *Timer) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Timer) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Running 倒计时有效且未暂停
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed && !t.paused
}

// 调用方需持有 t.mu
func (t *Timer) halt() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	t.gen++
}

// 调用方需持有 t.mu
func (t *Timer) launch() {
	t.gen++
	gen := t.gen
	stop := make(chan struct{})
	t.stopCh = stop
	tk := t.newTicker(t.interval)
	go t.run(gen, tk, stop)
}

func (t *Timer) run(gen uint64, tk Ticker, stop chan struct{}) {
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			ev, ok := t.step(gen)
			if !ok {
				return
			}
			if t.onTick != nil {
				t.onTick(ev.token, ev.remaining)
			}
			if ev.warn && t.onWarning != nil {
				t.onWarning(ev.token, ev.remaining)
			}
			if ev.timeout {
				if t.onTimeout != nil {
					t.onTimeout(ev.token)
				}
				return
			}
		}
	}
}

type tickEvent struct {
	token     string
	remaining int
	warn      bool
	timeout   bool
}

func (t *Timer) step(gen uint64) (tickEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.armed || t.paused {
		return tickEvent{}, false
	}

	if t.remaining > 0 {
		t.remaining--
	}
	ev := tickEvent{token: t.token, remaining: t.remaining}

	if !t.warned && t.warnAt > 0 && t.remaining > 0 && t.remaining <= t.warnAt {
		t.warned = true
		ev.warn = true
	}
	if t.remaining == 0 {
		t.armed = false
		t.stopCh = nil
		ev.timeout = true
	}
	return ev, true
}
