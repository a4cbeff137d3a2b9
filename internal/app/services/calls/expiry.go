package calls

import (
	"context"
	"sync"
	"time"

	"github.com/digis-live/callcore/internal/app/storage"
	"github.com/digis-live/callcore/internal/app/system"
	"github.com/digis-live/callcore/pkg/logger"
)

// ExpiryPoller times out pending call requests that were never answered,
// releasing their holds. It runs as a managed background service.
type ExpiryPoller struct {
	store    storage.CallStore
	service  *Service
	window   time.Duration
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*ExpiryPoller)(nil)

// NewExpiryPoller creates a poller that expires requests older than window.
func NewExpiryPoller(store storage.CallStore, service *Service, window time.Duration, log *logger.Logger) *ExpiryPoller {
	if window <= 0 {
		window = 2 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("call-expiry")
	}
	return &ExpiryPoller{
		store:    store,
		service:  service,
		window:   window,
		interval: 15 * time.Second,
		log:      log,
	}
}

func (p *ExpiryPoller) Name() string { return "call-expiry" }

func (p *ExpiryPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Infof("call expiry poller started (window %s)", p.window)
	return nil
}

func (p *ExpiryPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (p *ExpiryPoller) tick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.window)
	stale, err := p.store.ListRequestedBefore(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Warn("list stale requests failed")
		return
	}

	for _, req := range stale {
		if err := p.service.Expire(ctx, req.ID); err != nil {
			// Someone else may have accepted or rejected in the meantime.
			p.log.WithError(err).Debugf("expire request %s skipped", req.ID)
			continue
		}
		p.log.Infof("request %s expired after %s", req.ID, p.window)
	}
}
