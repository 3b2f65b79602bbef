package browser

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chromedp/chromedp"
)

// Page is one long-lived browser tab. It is not safe for concurrent use;
// callers serialize access.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Run executes actions in the tab, bounded by ctx's deadline and cancellation.
// Cancelling ctx aborts the actions without closing the tab.
func (p *Page) Run(ctx context.Context, actions ...chromedp.Action) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("browser closed: %w", err)
	}

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return err
}

// Exists reports whether selector currently matches an element.
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	err := p.Run(ctx, chromedp.Evaluate(
		"document.querySelector("+strconv.Quote(selector)+") !== null", &found,
	))
	return found, err
}

// Alive reports whether the browser behind the tab is still running.
func (p *Page) Alive() bool {
	return p != nil && p.ctx.Err() == nil
}

// Close shuts the browser down.
func (p *Page) Close() {
	if p != nil && p.cancel != nil {
		p.cancel()
	}
}
