package protocol

// EventName is a domain mutation event name. The set is closed: names
// outside it are never relayed.
type EventName string

const (
	EventTripUpdate EventName = "trip:update"

	EventActivityCreate EventName = "activity:create"
	EventActivityUpdate EventName = "activity:update"
	EventActivityDelete EventName = "activity:delete"

	EventTransportationCreate EventName = "transportation:create"
	EventTransportationUpdate EventName = "transportation:update"
	EventTransportationDelete EventName = "transportation:delete"

	EventLodgingCreate EventName = "lodging:create"
	EventLodgingUpdate EventName = "lodging:update"
	EventLodgingDelete EventName = "lodging:delete"

	EventBudgetUpdate EventName = "budget:update"

	EventExpenseCreate EventName = "expense:create"
	EventExpenseUpdate EventName = "expense:update"
	EventExpenseDelete EventName = "expense:delete"

	EventChecklistCreate EventName = "checklist:create"
	EventChecklistUpdate EventName = "checklist:update"
	EventChecklistDelete EventName = "checklist:delete"

	EventChecklistItemCreate EventName = "checklistItem:create"
	EventChecklistItemUpdate EventName = "checklistItem:update"
	EventChecklistItemToggle EventName = "checklistItem:toggle"
	EventChecklistItemDelete EventName = "checklistItem:delete"

	EventDocumentUpload EventName = "document:upload"
	EventDocumentDelete EventName = "document:delete"

	EventNoteCreate EventName = "note:create"
	EventNoteUpdate EventName = "note:update"
	EventNoteDelete EventName = "note:delete"
)

var eventNames = map[EventName]struct{}{
	EventTripUpdate:           {},
	EventActivityCreate:       {},
	EventActivityUpdate:       {},
	EventActivityDelete:       {},
	EventTransportationCreate: {},
	EventTransportationUpdate: {},
	EventTransportationDelete: {},
	EventLodgingCreate:        {},
	EventLodgingUpdate:        {},
	EventLodgingDelete:        {},
	EventBudgetUpdate:         {},
	EventExpenseCreate:        {},
	EventExpenseUpdate:        {},
	EventExpenseDelete:        {},
	EventChecklistCreate:      {},
	EventChecklistUpdate:      {},
	EventChecklistDelete:      {},
	EventChecklistItemCreate:  {},
	EventChecklistItemUpdate:  {},
	EventChecklistItemToggle:  {},
	EventChecklistItemDelete:  {},
	EventDocumentUpload:       {},
	EventDocumentDelete:       {},
	EventNoteCreate:           {},
	EventNoteUpdate:           {},
	EventNoteDelete:           {},
}

// IsValid reports whether n belongs to the closed event set.
func (n EventName) IsValid() bool {
	_, ok := eventNames[n]
	return ok
}

// EventNames returns every relayable event name.
func EventNames() []EventName {
	names := make([]EventName, 0, len(eventNames))
	for n := range eventNames {
		names = append(names, n)
	}
	return names
}
