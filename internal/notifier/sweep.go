package notifier

import (
	"errors"
	"time"
)

// StartAgeSweep queues a CapMaxAge sweep with the configured MaxAgeDays
// every interval until done is closed or the notifier is closed.
func (n *Notifier) StartAgeSweep(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.CapMaxAge(0); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				n.log.Warn("age sweep not queued", "error", err)
			}
		case <-done:
			return
		}
	}
}
