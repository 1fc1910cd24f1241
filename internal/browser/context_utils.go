// internal/browser/context_utils.go
package browser

import (
	"context"
)

// CombineContext returns a context derived from primary (so it keeps primary's
// values, such as the chromedp target) that is also cancelled when secondary is.
// Tabs use it to run CDP actions under the caller's deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
