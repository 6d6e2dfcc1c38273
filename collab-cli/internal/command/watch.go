package command

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-trip-collab/pkg/collab"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <trip_id>",
		Short: "Join a trip and print presence changes and events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID := args[0]
			out := &lineWriter{w: cmd.OutOrStdout()}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, mux, err := connect(v, func(st collab.Status) {
				out.printf("-- %s\n", st)
			})
			if err != nil {
				return err
			}
			defer session.Close()

			for _, sub := range subscribePrinter(mux, out) {
				defer sub.Close()
			}

			release, err := mux.Watch(tripID)
			if err != nil {
				return err
			}
			defer release()

			select {
			case <-ctx.Done():
				return nil
			case <-session.GiveUp():
				return session.Err()
			}
		},
	}
}

// subscribePrinter prints every frame type the server can send. The caller
// closes the returned subscriptions.
func subscribePrinter(mux *collab.Multiplexer, out *lineWriter) []*collab.Subscription {
	subs := []*collab.Subscription{}
	subs = append(subs, mux.Subscribe(protocol.MsgTypeRoomMembers, func(msg collab.Message) {
		names := make([]string, len(msg.Members))
		for i, m := range msg.Members {
			names[i] = memberLabel(m)
		}
		out.printf("[%s] %s members: %s\n", timestamp(msg.SentAt), msg.TripID, strings.Join(names, ", "))
	}))
	subs = append(subs, mux.Subscribe(protocol.MsgTypeUserJoined, func(msg collab.Message) {
		if msg.Member != nil {
			out.printf("[%s] + %s\n", timestamp(msg.SentAt), memberLabel(*msg.Member))
		}
	}))
	subs = append(subs, mux.Subscribe(protocol.MsgTypeUserLeft, func(msg collab.Message) {
		if msg.Member != nil {
			out.printf("[%s] - %s\n", timestamp(msg.SentAt), memberLabel(*msg.Member))
		}
	}))
	subs = append(subs, mux.Subscribe(protocol.MsgTypeError, func(msg collab.Message) {
		out.printf("[%s] error %s: %s\n", timestamp(msg.SentAt), msg.Code, msg.Message)
	}))
	for _, name := range protocol.EventNames() {
		subs = append(subs, mux.Subscribe(string(name), func(msg collab.Message) {
			out.printf("[%s] %s from %s: %s\n", timestamp(msg.SentAt), msg.Type, msg.From, string(msg.Payload))
		}))
	}
	return subs
}

func memberLabel(m protocol.Member) string {
	if m.DisplayName == "" {
		return m.UserID
	}
	return fmt.Sprintf("%s (%s)", m.DisplayName, m.UserID)
}

// lineWriter serializes output from session callbacks and the command.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
