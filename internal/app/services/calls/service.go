// Package calls implements the private call lifecycle: request, accept,
// reject, expire and end, with token escrow around every transition.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/loyalty"
	"github.com/digis-live/callcore/internal/app/metrics"
	"github.com/digis-live/callcore/internal/app/realtime"
	"github.com/digis-live/callcore/internal/app/services/escrow"
	loyaltysvc "github.com/digis-live/callcore/internal/app/services/loyalty"
	"github.com/digis-live/callcore/internal/app/storage"
	"github.com/digis-live/callcore/internal/rtc"
	"github.com/digis-live/callcore/pkg/logger"
)

// AcceptResult is returned to the creator on accept.
type AcceptResult struct {
	Session     call.Session
	Credentials rtc.Credentials
}

// EndResult reports the final billing split of an ended session.
type EndResult struct {
	TokensCharged  int64
	TokensRefunded int64
}

// Service is the call session controller.
type Service struct {
	store         storage.CallStore
	escrow        *escrow.Service
	loyalty       *loyaltysvc.Service
	provider      rtc.Provider
	publisher     realtime.Publisher
	log           *logger.Logger
	credentialTTL time.Duration
	minPrice      int64
}

// New constructs the controller. loyalty and provider may be nil in tests.
func New(store storage.CallStore, esc *escrow.Service, loy *loyaltysvc.Service, provider rtc.Provider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("calls")
	}
	return &Service{
		store:         store,
		escrow:        esc,
		loyalty:       loy,
		provider:      provider,
		log:           log,
		credentialTTL: 2 * time.Hour,
	}
}

// AttachPublisher sets the realtime sink for state-change events.
func (s *Service) AttachPublisher(p realtime.Publisher) {
	s.publisher = p
}

// SetCredentialTTL bounds the lifetime of issued channel tokens.
func (s *Service) SetCredentialTTL(ttl time.Duration) {
	if ttl > 0 {
		s.credentialTTL = ttl
	}
}

// SetMinPricePerMinute sets the pricing floor for new requests.
func (s *Service) SetMinPricePerMinute(min int64) {
	s.minPrice = min
}

// Request creates a call request and pre-authorizes the worst case
// (price-per-minute times minimum minutes) from the fan's balance. A fan can
// have at most one pending request per stream; a second one is rejected with
// call.ErrRequestPending rather than stacking holds.
func (s *Service) Request(ctx context.Context, fanID, creatorID, streamID string, pricePerMinute, minimumMinutes, estimatedDuration int64) (call.Request, error) {
	fanID = strings.TrimSpace(fanID)
	creatorID = strings.TrimSpace(creatorID)
	streamID = strings.TrimSpace(streamID)

	if fanID == "" || creatorID == "" || streamID == "" {
		return call.Request{}, fmt.Errorf("fan_id, creator_id and stream_id are required")
	}
	if pricePerMinute <= 0 || minimumMinutes <= 0 || estimatedDuration <= 0 {
		return call.Request{}, fmt.Errorf("price_per_minute, minimum_minutes and estimated_duration must be positive")
	}
	if pricePerMinute < s.minPrice {
		return call.Request{}, fmt.Errorf("price_per_minute below the %d token floor", s.minPrice)
	}

	if _, exists, err := s.store.FindPendingRequest(ctx, fanID, streamID); err != nil {
		return call.Request{}, err
	} else if exists {
		return call.Request{}, call.ErrRequestPending
	}

	holdAmount := pricePerMinute * minimumMinutes

	req := call.Request{
		FanID:             fanID,
		CreatorID:         creatorID,
		StreamID:          streamID,
		PricePerMinute:    pricePerMinute,
		MinimumMinutes:    minimumMinutes,
		EstimatedDuration: estimatedDuration,
		Status:            call.StatusRequested,
		HeldTokens:        holdAmount,
	}
	req, err := s.store.CreateRequest(ctx, req)
	if err != nil {
		return call.Request{}, err
	}

	if _, err := s.escrow.Hold(ctx, req.ID, fanID, holdAmount); err != nil {
		// The request row without a hold is unusable; close it out.
		if _, stErr := s.store.UpdateRequestStatus(ctx, req.ID, call.StatusRequested, call.StatusRejected); stErr != nil {
			s.log.WithError(stErr).Warnf("close unfunded request %s failed", req.ID)
		}
		return call.Request{}, err
	}

	metrics.ObserveCallTransition("requested")
	metrics.AddTokensHeld(holdAmount)
	s.log.WithField("request_id", req.ID).
		WithField("fan_id", fanID).
		WithField("creator_id", creatorID).
		Infof("call requested, %d tokens held", holdAmount)
	s.publish(ctx, realtime.Event{
		Type: realtime.EventCallRequested,
		Payload: map[string]interface{}{
			"requestId":  req.ID,
			"fanId":      fanID,
			"creatorId":  creatorID,
			"streamId":   streamID,
			"heldTokens": holdAmount,
		},
	})
	return req, nil
}

// loadRequestFor fetches a pending request owned by the given creator. Every
// mismatch (unknown id, wrong creator, already processed) reports the same
// not-found error so callers cannot probe request state.
func (s *Service) loadRequestFor(ctx context.Context, requestID, creatorID string) (call.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, call.ErrRequestNotFound) {
			return call.Request{}, call.ErrRequestNotFound
		}
		return call.Request{}, err
	}
	if req.CreatorID != creatorID || req.Status != call.StatusRequested {
		return call.Request{}, call.ErrRequestNotFound
	}
	return req, nil
}

// Accept transitions a pending request into an active session and returns
// channel credentials for the creator.
func (s *Service) Accept(ctx context.Context, requestID, creatorID string) (AcceptResult, error) {
	req, err := s.loadRequestFor(ctx, requestID, creatorID)
	if err != nil {
		return AcceptResult{}, err
	}

	// Credentials are pure computation; issue them before any state moves so
	// a provider failure cannot leave an accepted request behind.
	channel := rtc.NewChannelName()
	var creds rtc.Credentials
	if s.provider != nil {
		creds, err = s.provider.JoinCredentials(channel, creatorID, s.credentialTTL)
		if err != nil {
			return AcceptResult{}, fmt.Errorf("issue channel credentials: %w", err)
		}
	}

	// The guarded transition is the linearization point; a concurrent accept
	// or reject loses here and observes not-found.
	req, err = s.store.UpdateRequestStatus(ctx, req.ID, call.StatusRequested, call.StatusAccepted)
	if err != nil {
		return AcceptResult{}, err
	}

	sess := call.Session{
		RequestID:   req.ID,
		FanID:       req.FanID,
		CreatorID:   req.CreatorID,
		ChannelName: channel,
		StartedAt:   time.Now().UTC(),
	}
	sess, err = s.store.CreateSession(ctx, sess)
	if err != nil {
		// Without a session there is no end-of-call path left; give the
		// tokens back rather than stranding the hold.
		if relErr := s.escrow.Release(ctx, req.ID); relErr != nil {
			s.log.WithError(relErr).Errorf("release hold for request %s failed", req.ID)
		} else {
			metrics.AddTokensHeld(-req.HeldTokens)
		}
		return AcceptResult{}, err
	}

	metrics.ObserveCallTransition("accepted")
	s.log.WithField("request_id", req.ID).
		WithField("session_id", sess.ID).
		Info("call accepted")
	s.publish(ctx, realtime.Event{
		Type: realtime.EventCallAccepted,
		Payload: map[string]interface{}{
			"requestId":   req.ID,
			"sessionId":   sess.ID,
			"fanId":       req.FanID,
			"creatorId":   req.CreatorID,
			"channelName": sess.ChannelName,
		},
	})
	return AcceptResult{Session: sess, Credentials: creds}, nil
}

// Reject declines a pending request and returns the full hold to the fan.
func (s *Service) Reject(ctx context.Context, requestID, creatorID string) error {
	req, err := s.loadRequestFor(ctx, requestID, creatorID)
	if err != nil {
		return err
	}
	return s.closeRequest(ctx, req, call.StatusRejected, realtime.EventCallRejected)
}

// Expire times out a pending request with reject-equivalent semantics. The
// schedule that decides when lives in the expiry poller.
func (s *Service) Expire(ctx context.Context, requestID string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != call.StatusRequested {
		return call.ErrRequestNotFound
	}
	return s.closeRequest(ctx, req, call.StatusExpired, realtime.EventCallExpired)
}

func (s *Service) closeRequest(ctx context.Context, req call.Request, to call.RequestStatus, eventType string) error {
	req, err := s.store.UpdateRequestStatus(ctx, req.ID, call.StatusRequested, to)
	if err != nil {
		return err
	}
	if err := s.escrow.Release(ctx, req.ID); err != nil {
		return err
	}

	metrics.ObserveCallTransition(string(to))
	metrics.AddTokensHeld(-req.HeldTokens)
	s.log.WithField("request_id", req.ID).Infof("call %s, %d tokens released", to, req.HeldTokens)
	s.publish(ctx, realtime.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"requestId": req.ID,
			"fanId":     req.FanID,
			"creatorId": req.CreatorID,
		},
	})
	return nil
}

// Credentials issues join credentials for a participant of an active session.
func (s *Service) Credentials(ctx context.Context, sessionID, userID string) (rtc.Credentials, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return rtc.Credentials{}, err
	}
	if !sess.Active() || (userID != sess.FanID && userID != sess.CreatorID) {
		return rtc.Credentials{}, call.ErrSessionNotFound
	}
	if s.provider == nil {
		return rtc.Credentials{}, fmt.Errorf("no rtc provider configured")
	}
	return s.provider.JoinCredentials(sess.ChannelName, userID, s.credentialTTL)
}

// End terminates an active session and settles the hold. The client-reported
// usage is advisory: the charge is clamped to the pre-authorized hold and to
// duration times price-per-minute before settlement.
func (s *Service) End(ctx context.Context, sessionID string, reason call.EndReason, finalDurationMinutes, finalTokensUsed int64) (EndResult, error) {
	if !call.ValidEndReason(reason) {
		return EndResult{}, fmt.Errorf("unknown end reason %q", reason)
	}
	if finalDurationMinutes < 0 {
		finalDurationMinutes = 0
	}
	if finalTokensUsed < 0 {
		finalTokensUsed = 0
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}
	if !sess.Active() {
		return EndResult{}, call.ErrSessionNotFound
	}

	req, err := s.store.GetRequest(ctx, sess.RequestID)
	if err != nil {
		return EndResult{}, err
	}

	charge := finalTokensUsed
	if byDuration := finalDurationMinutes * req.PricePerMinute; charge > byDuration {
		charge = byDuration
	}
	if charge > req.HeldTokens {
		charge = req.HeldTokens
	}

	// Settle before the terminal session write. Settle is idempotent, so if
	// the session write fails the caller can retry End and complete the flow;
	// finishing first would strand the hold with no entry point left to
	// release it.
	settlement, err := s.escrow.Settle(ctx, req.ID, charge)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidSettlement) {
			s.log.WithField("session_id", sess.ID).Error("settlement exceeded hold after clamping")
		}
		return EndResult{}, err
	}

	now := time.Now().UTC()
	sess.EndedAt = &now
	sess.DurationMinutes = finalDurationMinutes
	sess.TokensCharged = settlement.Charged
	sess.EndReason = reason

	// FinishSession only succeeds against an active row; a concurrent End
	// loses here after its settle came back as the recorded split.
	sess, err = s.store.FinishSession(ctx, sess)
	if err != nil {
		return EndResult{}, err
	}

	metrics.ObserveCallTransition("ended")
	metrics.AddTokensHeld(-req.HeldTokens)
	metrics.ObserveSettlement(settlement.Charged, settlement.Refunded)
	metrics.ObserveSessionDuration(finalDurationMinutes)

	if s.loyalty != nil && settlement.Charged > 0 {
		if _, err := s.loyalty.TrackInteraction(ctx, sess.FanID, sess.CreatorID, settlement.Charged, loyalty.InteractionPurchase); err != nil {
			// Accrual is downstream of the money movement; never roll back.
			s.log.WithError(err).Warnf("loyalty accrual for session %s failed", sess.ID)
		}
	}

	s.log.WithField("session_id", sess.ID).
		WithField("request_id", req.ID).
		Infof("call ended (%s): charged %d, refunded %d", reason, settlement.Charged, settlement.Refunded)
	s.publish(ctx, realtime.Event{
		Type: realtime.EventCallEnded,
		Payload: map[string]interface{}{
			"sessionId":      sess.ID,
			"fanId":          sess.FanID,
			"creatorId":      sess.CreatorID,
			"endReason":      reason,
			"tokensCharged":  settlement.Charged,
			"tokensRefunded": settlement.Refunded,
		},
	})
	return EndResult{TokensCharged: settlement.Charged, TokensRefunded: settlement.Refunded}, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (call.Session, error) {
	return s.store.GetSession(ctx, id)
}

// GetRequest returns a request by id.
func (s *Service) GetRequest(ctx context.Context, id string) (call.Request, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) publish(ctx context.Context, event realtime.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithError(err).Warnf("publish %s failed", event.Type)
	}
}
