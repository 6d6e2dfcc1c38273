package service

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/hub"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

// CollabService defines the real-time collaboration operations.
type CollabService interface {
	// HandleConnect registers an authenticated connection.
	HandleConnect(ctx context.Context, c *hub.Client) error

	// HandleJoin adds the connection to a trip room.
	HandleJoin(ctx context.Context, c *hub.Client, tripID string) error

	// HandleLeave removes the connection from a trip room.
	HandleLeave(ctx context.Context, c *hub.Client, tripID string) error

	// HandleEvent relays a domain mutation event to the rest of the room.
	HandleEvent(ctx context.Context, c *hub.Client, name protocol.EventName, tripID string, payload json.RawMessage) error

	// HandleDisconnect removes the connection from every room.
	HandleDisconnect(ctx context.Context, c *hub.Client) error

	// MembersOf returns the members of a trip room.
	MembersOf(ctx context.Context, tripID string) ([]domain.Member, error)

	// Stats returns registry occupancy.
	Stats(ctx context.Context) (domain.Stats, error)

	// Start subscribes to the cluster bus.
	Start(ctx context.Context) error

	// Stop announces local departures and detaches from the bus.
	Stop() error
}
