package browser

import (
	"context"
	"fmt"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Noop implements monitor.Browser for deployments without Chrome. Every
// session fails to open, so queued tasks finish as failed.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// NewSession always fails.
func (Noop) NewSession(context.Context, string) (monitor.Session, error) {
	return nil, fmt.Errorf("%w: browser not configured", monitor.ErrSession)
}
