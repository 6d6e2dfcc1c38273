package service

import (
	"context"
	"time"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/room"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/pubsub"
)

// Start subscribes to the cluster bus and asks peers to re-announce their
// members.
func (s *collabService) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := s.bus.SubscribePattern(subCtx, pubsub.PatternTripEvents)
	if err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	s.wg.Add(1)
	go s.consume(subCtx, events)

	if s.liveness != nil {
		if err := s.liveness.StartHeartbeat(subCtx); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Msg("instance heartbeat unavailable, dead peers will not be reaped")
		} else if s.reapInterval > 0 {
			s.wg.Add(1)
			go s.reapLoop(subCtx)
		}
	}

	s.publish(ctx, pubsub.ClusterTripID, pubsub.EventSyncRequest, nil)

	l := pkglog.L()
	l.Info().Str(pkglog.FieldInstance, s.instanceID).Msg("collab service started")
	return nil
}

// Stop announces member_left for every local membership so that peers do
// not keep stale entries, then stops consuming.
func (s *collabService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var local []room.Membership
	if err := s.hub.Do(ctx, func() {
		local = s.rooms.MembershipsOf(s.instanceID)
	}); err == nil {
		for _, m := range local {
			s.publish(ctx, m.TripID, pubsub.EventMemberLeft, memberPayload(m.Member))
		}
	}

	if s.liveness != nil {
		s.liveness.StopHeartbeat()
	}
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
	return nil
}

func (s *collabService) consume(ctx context.Context, events <-chan *pubsub.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.OriginInstanceID == s.instanceID {
				continue
			}
			s.applyRemote(ctx, ev)
		}
	}
}

func (s *collabService) applyRemote(ctx context.Context, ev *pubsub.Event) {
	l := pkglog.L().With().
		Str(pkglog.FieldInstance, ev.OriginInstanceID).
		Str(pkglog.FieldTripID, ev.TripID).
		Str("bus_event", ev.Type).
		Logger()

	switch ev.Type {
	case pubsub.EventMemberJoined:
		var p pubsub.MemberPayload
		if err := ev.UnmarshalPayload(&p); err != nil {
			l.Warn().Err(err).Msg("invalid member payload")
			return
		}
		m := remoteMember(p, ev.OriginInstanceID)
		_ = s.hub.Do(ctx, func() {
			if c := s.rooms.Join(p.SessionID, ev.TripID, m); c.Applied {
				s.presence.Joined(c)
			}
		})

	case pubsub.EventMemberLeft:
		var p pubsub.MemberPayload
		if err := ev.UnmarshalPayload(&p); err != nil {
			l.Warn().Err(err).Msg("invalid member payload")
			return
		}
		_ = s.hub.Do(ctx, func() {
			if c := s.rooms.Leave(p.SessionID, ev.TripID); c.Applied {
				s.presence.Left(c)
			}
		})

	case pubsub.EventRelay:
		var p pubsub.RelayPayload
		if err := ev.UnmarshalPayload(&p); err != nil {
			l.Warn().Err(err).Msg("invalid relay payload")
			return
		}
		_ = s.hub.Do(ctx, func() {
			s.relay.Deliver(ev.TripID, p.SessionID, p.Data)
		})

	case pubsub.EventSyncRequest:
		// The requester just (re)started: anything held for it is stale.
		var local []room.Membership
		_ = s.hub.Do(ctx, func() {
			for _, c := range s.rooms.RemoveInstance(ev.OriginInstanceID) {
				s.presence.Left(c)
			}
			local = s.rooms.MembershipsOf(s.instanceID)
		})
		for _, m := range local {
			s.publish(ctx, m.TripID, pubsub.EventMemberJoined, memberPayload(m.Member))
		}

	default:
		l.Debug().Msg("ignoring unknown bus event")
	}
}

func (s *collabService) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapDeadInstances(ctx)
		}
	}
}

// reapDeadInstances drops the members of peers that stopped heartbeating
// without announcing their departures.
func (s *collabService) reapDeadInstances(ctx context.Context) {
	var peers []string
	if err := s.hub.Do(ctx, func() {
		peers = s.rooms.Instances(s.instanceID)
	}); err != nil {
		return
	}

	for _, id := range peers {
		l := pkglog.L().With().Str(pkglog.FieldInstance, id).Logger()

		alive, err := s.liveness.Alive(ctx, id)
		if err != nil {
			l.Warn().Err(err).Msg("liveness check failed")
			continue
		}
		if alive {
			continue
		}

		var departed int
		_ = s.hub.Do(ctx, func() {
			affected := s.rooms.RemoveInstance(id)
			for _, c := range affected {
				s.presence.Left(c)
			}
			departed = len(affected)
		})
		l.Warn().Int("memberships", departed).Msg("reaped members of unresponsive instance")
	}
}

func (s *collabService) publish(ctx context.Context, tripID, eventType string, payload interface{}) {
	if s.bus == nil {
		return
	}
	l := pkglog.Ctx(ctx)

	ev, err := pubsub.NewEvent(eventType, tripID, s.instanceID, payload)
	if err != nil {
		l.Error().Err(err).Str("bus_event", eventType).Msg("failed to build bus event")
		return
	}
	if err := s.bus.Publish(ctx, pubsub.TripEventsChannel(tripID), ev); err != nil {
		l.Warn().Err(err).Str(pkglog.FieldTripID, tripID).Str("bus_event", eventType).Msg("failed to publish bus event")
	}
}

func remoteMember(p pubsub.MemberPayload, instanceID string) domain.Member {
	return domain.Member{
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		InstanceID:  instanceID,
	}
}
