package app

import (
	"context"
	"fmt"
	"time"

	"github.com/digis-live/callcore/internal/app/realtime"
	callsvc "github.com/digis-live/callcore/internal/app/services/calls"
	escrowsvc "github.com/digis-live/callcore/internal/app/services/escrow"
	loyaltysvc "github.com/digis-live/callcore/internal/app/services/loyalty"
	"github.com/digis-live/callcore/internal/app/storage"
	"github.com/digis-live/callcore/internal/app/storage/memory"
	"github.com/digis-live/callcore/internal/app/system"
	"github.com/digis-live/callcore/internal/rtc"
	"github.com/digis-live/callcore/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger  storage.LedgerStore
	Calls   storage.CallStore
	Loyalty storage.LoyaltyStore
}

// Options configures optional collaborators.
type Options struct {
	// RTC issues call channel credentials. Nil disables credential issuance.
	RTC rtc.Provider
	// Publisher receives state-change events. Nil defaults to the log sink.
	Publisher realtime.Publisher
	// Subscriptions supplies subscription badges. May be nil.
	Subscriptions loyaltysvc.SubscriptionSource
	// RequestExpiry is how long a pending request may wait for the creator.
	RequestExpiry time.Duration
	// CredentialTTL bounds the lifetime of issued channel tokens.
	CredentialTTL time.Duration
	// MinPricePerMinute rejects requests priced below the floor.
	MinPricePerMinute int64
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Escrow  *escrowsvc.Service
	Calls   *callsvc.Service
	Loyalty *loyaltysvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Calls == nil {
		stores.Calls = mem
	}
	if stores.Loyalty == nil {
		stores.Loyalty = mem
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = realtime.NewLogPublisher(log)
	}

	manager := system.NewManager()

	escrowService := escrowsvc.New(stores.Ledger, log)
	loyaltyService := loyaltysvc.New(stores.Loyalty, opts.Subscriptions, log)
	loyaltyService.AttachPublisher(publisher)
	callService := callsvc.New(stores.Calls, escrowService, loyaltyService, opts.RTC, log)
	callService.AttachPublisher(publisher)
	callService.SetCredentialTTL(opts.CredentialTTL)
	callService.SetMinPricePerMinute(opts.MinPricePerMinute)

	for _, name := range []string{"escrow", "loyalty"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	expiry := callsvc.NewExpiryPoller(stores.Calls, callService, opts.RequestExpiry, log)
	if err := manager.Register(expiry); err != nil {
		return nil, fmt.Errorf("register expiry poller: %w", err)
	}

	return &Application{
		manager: manager,
		log:     log,
		Escrow:  escrowService,
		Calls:   callService,
		Loyalty: loyaltyService,
	}, nil
}

// Start starts all managed services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all managed services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
