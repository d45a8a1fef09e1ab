// Package browser drives the booking page.
//
// The check engine depends on the Launcher/Browser/Page interfaces; the
// chromedp implementation lives in chromedp.go.
package browser

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("browser: closed")

// Launcher starts a browser process for one check session.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser owns the process. Close is idempotent.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one tab. Every call honours ctx and its own timeout, whichever ends first.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// Screenshot captures the element matched by selector as PNG.
	Screenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error)
	// SubmitText types text into input, clicks submit and waits for the next page load.
	SubmitText(ctx context.Context, input, submit, text string, timeout time.Duration) error
	ContainsText(ctx context.Context, text string) (bool, error)
	// ClickAndWait clicks selector and waits for the resulting page load.
	ClickAndWait(ctx context.Context, selector string, timeout time.Duration) error
	Close() error
}
