package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/audit"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/hub"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/liveness"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/presence"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/relay"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/room"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
	"github.com/weiawesome/wes-trip-collab/pkg/pubsub"
)

type collabService struct {
	hub        *hub.Hub
	rooms      *room.Registry
	presence   *presence.Broadcaster
	relay      *relay.Relay
	bus        pubsub.PubSub
	instanceID string

	liveness     liveness.Registry
	reapInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// Option configures optional collaborators.
type Option func(*collabService)

// WithLiveness enables instance heartbeats and reaps the members of peers
// whose heartbeat has lapsed, checking every interval.
func WithLiveness(reg liveness.Registry, interval time.Duration) Option {
	return func(s *collabService) {
		s.liveness = reg
		s.reapInterval = interval
	}
}

// NewCollabService wires the registry, presence broadcaster and relay to
// the hub. bus may be nil for a standalone instance.
func NewCollabService(h *hub.Hub, bus pubsub.PubSub, instanceID string, opts ...Option) CollabService {
	rooms := room.NewRegistry()
	s := &collabService{
		hub:        h,
		rooms:      rooms,
		presence:   presence.NewBroadcaster(h),
		relay:      relay.New(rooms, h),
		bus:        bus,
		instanceID: instanceID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *collabService) HandleConnect(ctx context.Context, c *hub.Client) error {
	if err := s.hub.Register(ctx, c); err != nil {
		return err
	}
	audit.Log(ctx, audit.ActionConnect, c.Identity.UserID, "connection established")
	return nil
}

func (s *collabService) HandleJoin(ctx context.Context, c *hub.Client, tripID string) error {
	if tripID == "" {
		return c.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeBadRequest, "trip_id is required"))
	}

	member := domain.NewMember(c.ID, s.instanceID, c.Identity)
	var change room.Change
	err := s.hub.Do(ctx, func() {
		// A detached client is on its way out; do not resurrect it.
		if _, ok := s.hub.Client(c.ID); !ok {
			return
		}
		change = s.rooms.Join(c.ID, tripID, member)
		if change.Applied {
			s.presence.Joined(change)
		} else {
			s.presence.Rejoined(change)
		}
	})
	if err != nil {
		return err
	}

	if change.Applied {
		audit.LogTrip(ctx, audit.ActionJoinTrip, c.Identity.UserID, tripID, "joined trip")
		s.publish(ctx, tripID, pubsub.EventMemberJoined, memberPayload(member))
	}
	return nil
}

func (s *collabService) HandleLeave(ctx context.Context, c *hub.Client, tripID string) error {
	if tripID == "" {
		return c.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeBadRequest, "trip_id is required"))
	}

	var change room.Change
	err := s.hub.Do(ctx, func() {
		change = s.rooms.Leave(c.ID, tripID)
		if change.Applied {
			s.presence.Left(change)
		}
	})
	if err != nil {
		return err
	}

	if change.Applied {
		audit.LogTrip(ctx, audit.ActionLeaveTrip, c.Identity.UserID, tripID, "left trip")
		s.publish(ctx, tripID, pubsub.EventMemberLeft, memberPayload(change.Member))
	}
	return nil
}

func (s *collabService) HandleEvent(ctx context.Context, c *hub.Client, name protocol.EventName, tripID string, payload json.RawMessage) error {
	var (
		envelope  []byte
		delivered int
	)
	err := s.hub.Do(ctx, func() {
		envelope, delivered = s.relay.Relay(c.ID, tripID, name, payload)
	})
	if err != nil {
		return err
	}
	if envelope == nil {
		return nil
	}

	l := pkglog.Ctx(ctx)
	l.Debug().
		Str(pkglog.FieldTripID, tripID).
		Str(pkglog.FieldEvent, string(name)).
		Int("delivered", delivered).
		Msg("event relayed")

	s.publish(ctx, tripID, pubsub.EventRelay, pubsub.RelayPayload{
		SessionID: c.ID,
		Name:      string(name),
		Data:      envelope,
	})
	return nil
}

func (s *collabService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	var affected []room.Change
	err := s.hub.Do(ctx, func() {
		affected = s.rooms.RemoveSession(c.ID)
		for _, a := range affected {
			s.presence.Left(a)
		}
		s.hub.Detach(c.ID)
	})
	if err != nil {
		return err
	}

	for _, a := range affected {
		s.publish(ctx, a.TripID, pubsub.EventMemberLeft, memberPayload(a.Member))
	}
	audit.LogWithDetail(ctx, audit.ActionDisconnect, c.Identity.UserID, c.ID, "connection closed")
	return nil
}

func (s *collabService) MembersOf(ctx context.Context, tripID string) ([]domain.Member, error) {
	var members []domain.Member
	err := s.hub.Do(ctx, func() {
		members = s.rooms.MembersOf(tripID)
	})
	return members, err
}

func (s *collabService) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	err := s.hub.Do(ctx, func() {
		stats = s.rooms.Stats(s.instanceID)
		stats.Connections = len(s.hub.ClientIDs())
	})
	return stats, err
}

func memberPayload(m domain.Member) pubsub.MemberPayload {
	return pubsub.MemberPayload{
		SessionID:   m.SessionID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
	}
}
