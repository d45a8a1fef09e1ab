package check

import (
	"context"
	"fmt"
	"sync"

	"slotwatch/internal/browser"
	logx "slotwatch/pkg/logx"
)

// ResourceManager acquires the browser and page for one session and tears
// them down on every exit path.
type ResourceManager struct {
	launcher browser.Launcher
	log      logx.Logger
}

func NewResourceManager(l browser.Launcher, log logx.Logger) *ResourceManager {
	return &ResourceManager{launcher: l, log: log}
}

// Resources is the session handle. Release is safe to call repeatedly and on
// a partially acquired handle.
type Resources struct {
	log logx.Logger

	mu      sync.Mutex
	browser browser.Browser
	page    browser.Page
	hooks   []func()

	releaseOnce sync.Once
}

// Acquire launches the browser and opens a page. On error the returned handle
// still holds whatever was acquired and must be released.
func (m *ResourceManager) Acquire(ctx context.Context) (*Resources, error) {
	r := &Resources{log: m.log}
	b, err := m.launcher.Launch(ctx)
	if err != nil {
		return r, fmt.Errorf("%w: launch browser: %w", ErrResourceAcquisition, err)
	}
	r.mu.Lock()
	r.browser = b
	r.mu.Unlock()

	p, err := b.NewPage(ctx)
	if err != nil {
		return r, fmt.Errorf("%w: open page: %w", ErrResourceAcquisition, err)
	}
	r.mu.Lock()
	r.page = p
	r.mu.Unlock()
	return r, nil
}

func (r *Resources) Page() browser.Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page
}

// OnRelease registers fn to run first during Release, in registration order.
func (r *Resources) OnRelease(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Release runs hooks, then closes the page and browser. Close failures and
// hook panics are logged, never returned.
func (r *Resources) Release() {
	r.releaseOnce.Do(func() {
		r.mu.Lock()
		hooks := r.hooks
		page, b := r.page, r.browser
		r.hooks, r.page, r.browser = nil, nil, nil
		r.mu.Unlock()

		for _, fn := range hooks {
			r.runHook(fn)
		}
		if page != nil {
			if err := page.Close(); err != nil {
				r.log.Warn("page close failed", logx.Err(err))
			}
		}
		if b != nil {
			if err := b.Close(); err != nil {
				r.log.Warn("browser close failed", logx.Err(err))
			}
		}
	})
}

func (r *Resources) runHook(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("release hook panicked", logx.Any("panic", rec))
		}
	}()
	fn()
}
