package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-trip-collab/pkg/collab"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

func newEmitCmd(v *viper.Viper) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "emit <trip_id> <event> [payload_json]",
		Short: "Send one domain event to a trip",
		Example: `  collab-cli emit trip-42 activity:create '{"id":"a1","title":"Louvre"}'
  collab-cli emit trip-42 trip:update`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, name := args[0], protocol.EventName(args[1])
			payload, err := parsePayload(name, args[2:])
			if err != nil {
				return err
			}

			session, mux, err := connect(v, nil)
			if err != nil {
				return err
			}
			defer session.Close()

			// room:members confirms the join before the event goes out
			joined := make(chan struct{}, 1)
			sub := mux.Subscribe(protocol.MsgTypeRoomMembers, func(msg collab.Message) {
				if msg.TripID == tripID {
					select {
					case joined <- struct{}{}:
					default:
					}
				}
			})
			defer sub.Close()
			if err := session.JoinTrip(tripID); err != nil {
				return err
			}

			select {
			case <-joined:
			case <-session.GiveUp():
				return session.Err()
			case <-time.After(timeout):
				return fmt.Errorf("timed out joining %s", tripID)
			}

			if err := mux.Emit(name, payload); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := session.Flush(ctx); err != nil {
				return fmt.Errorf("send %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", name, tripID)
			return session.LeaveTrip()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the connection")
	return cmd
}

// parsePayload validates the event name and the optional JSON payload.
func parsePayload(name protocol.EventName, args []string) (json.RawMessage, error) {
	if !name.IsValid() {
		return nil, fmt.Errorf("%w: %q (see collab-cli events)", collab.ErrUnknownEvent, name)
	}
	if len(args) == 0 || args[0] == "" {
		return json.RawMessage(`{}`), nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}
