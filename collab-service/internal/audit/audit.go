package audit

import (
	"context"

	"github.com/weiawesome/wes-trip-collab/pkg/log"
)

// Audit actions for collab-service.
const (
	ActionConnect    = "collab.connect"
	ActionAuthFailed = "collab.auth_failed"
	ActionJoinTrip   = "collab.join_trip"
	ActionLeaveTrip  = "collab.leave_trip"
	ActionDisconnect = "collab.disconnect"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTrip emits an audit entry about a trip room.
func LogTrip(ctx context.Context, action string, userID, tripID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(log.FieldTripID, tripID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, userID string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
