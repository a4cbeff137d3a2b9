// Package loyalty maintains per-(fan, creator) badge accrual. Levels only
// ever go up; the spend increment happens atomically at the store so
// simultaneous tips never lose updates.
package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/digis-live/callcore/internal/app/domain/loyalty"
	"github.com/digis-live/callcore/internal/app/metrics"
	"github.com/digis-live/callcore/internal/app/realtime"
	"github.com/digis-live/callcore/internal/app/storage"
	"github.com/digis-live/callcore/pkg/logger"
)

// maxCombinedDiscountPct caps the stacked loyalty + subscription discount.
const maxCombinedDiscountPct = 50

// SubscriptionBadge is the subscription half of a fan's badge view.
type SubscriptionBadge struct {
	Tier        string `json:"tier"`
	DiscountPct int64  `json:"discountPct"`
}

// SubscriptionSource supplies a fan's active subscription with a creator, if
// any. Subscriptions themselves are owned elsewhere.
type SubscriptionSource interface {
	ActiveSubscription(ctx context.Context, fanID, creatorID string) (*SubscriptionBadge, error)
}

// BadgeView is the combined badge response for a fan against one creator.
type BadgeView struct {
	Loyalty      loyalty.Badge      `json:"loyalty"`
	Subscription *SubscriptionBadge `json:"subscription,omitempty"`
}

// Service is the loyalty accrual engine.
type Service struct {
	store     storage.LoyaltyStore
	subs      SubscriptionSource
	publisher realtime.Publisher
	log       *logger.Logger
}

// New constructs a loyalty service. subs may be nil.
func New(store storage.LoyaltyStore, subs SubscriptionSource, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("loyalty")
	}
	return &Service{store: store, subs: subs, log: log}
}

// AttachPublisher sets the realtime sink for upgrade events.
func (s *Service) AttachPublisher(p realtime.Publisher) {
	s.publisher = p
}

// TrackInteraction adds a token-bearing interaction to the fan's badge and
// recomputes the tier. Zero-amount interaction types (e.g. "initial") only
// advance support-duration tracking.
func (s *Service) TrackInteraction(ctx context.Context, fanID, creatorID string, amount int64, interactionType loyalty.InteractionType) (loyalty.Badge, error) {
	fanID = strings.TrimSpace(fanID)
	if fanID == "" {
		return loyalty.Badge{}, fmt.Errorf("fan_id is required")
	}
	if amount < 0 {
		return loyalty.Badge{}, fmt.Errorf("interaction amount cannot be negative")
	}

	// AddSpend upserts, so the first interaction creates the badge row even
	// when two arrive at once.
	badge, err := s.store.AddSpend(ctx, fanID, creatorID, amount)
	if err != nil {
		return loyalty.Badge{}, err
	}

	supportDays := int64(time.Since(badge.FirstInteractionAt).Hours() / 24)
	if supportDays < 0 {
		supportDays = 0
	}

	previous := badge.Level
	computed := loyalty.LevelFor(badge.TotalSpend, supportDays)

	badge, err = s.store.UpdateBadgeLevel(ctx, fanID, creatorID, computed, supportDays)
	if err != nil {
		return loyalty.Badge{}, err
	}

	if loyalty.MaxLevel(previous, badge.Level) != previous {
		metrics.ObserveLoyaltyUpgrade(string(badge.Level))
		s.log.WithField("fan_id", fanID).
			WithField("creator_id", creatorID).
			Infof("loyalty upgraded %s -> %s (%s)", previous, badge.Level, interactionType)
		s.publish(ctx, realtime.Event{
			Type: realtime.EventLoyaltyUpgraded,
			Payload: map[string]interface{}{
				"fanId":     fanID,
				"creatorId": creatorID,
				"level":     badge.Level,
				"emoji":     badge.Emoji,
			},
		})
	}
	return badge, nil
}

// CalculateCombinedDiscount stacks the loyalty bonus with a subscription
// discount, hard-capped at 50% regardless of inputs.
func (s *Service) CalculateCombinedDiscount(level loyalty.Level, subscriptionDiscountPct int64) int64 {
	if subscriptionDiscountPct < 0 {
		subscriptionDiscountPct = 0
	}
	combined := loyalty.Bonus(level) + subscriptionDiscountPct
	if combined > maxCombinedDiscountPct {
		return maxCombinedDiscountPct
	}
	return combined
}

// Perks returns the fixed perk list for a level.
func (s *Service) Perks(level loyalty.Level) []string {
	return loyalty.Perks(level)
}

// GetUserBadges returns the combined loyalty + subscription view for a fan
// against one creator (platform-wide when creatorID is empty). Fans with no
// accrual history get a synthesized bronze badge, never an error.
func (s *Service) GetUserBadges(ctx context.Context, fanID, creatorID string) (BadgeView, error) {
	badge, ok, err := s.store.GetBadge(ctx, fanID, creatorID)
	if err != nil {
		return BadgeView{}, err
	}
	if !ok {
		badge = loyalty.DefaultBadge(fanID, creatorID)
	}

	view := BadgeView{Loyalty: badge}
	if s.subs != nil {
		sub, err := s.subs.ActiveSubscription(ctx, fanID, creatorID)
		if err != nil {
			s.log.WithError(err).Warnf("subscription lookup for %s failed", fanID)
		} else {
			view.Subscription = sub
		}
	}
	return view, nil
}

// ListBadges returns every creator badge a fan holds.
func (s *Service) ListBadges(ctx context.Context, fanID string) ([]loyalty.Badge, error) {
	return s.store.ListBadges(ctx, fanID)
}

func (s *Service) publish(ctx context.Context, event realtime.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithError(err).Warnf("publish %s failed", event.Type)
	}
}
