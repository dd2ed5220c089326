package audit

import (
	"context"
	"strconv"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/records"
)

// RecordJournal feeds record store mutations into the audit chain.
type RecordJournal struct {
	service *Service
}

var _ records.Journal = (*RecordJournal)(nil)

func NewRecordJournal(service *Service) *RecordJournal {
	return &RecordJournal{service: service}
}

type recordDetails struct {
	Name  string `json:"name,omitempty"`
	Value uint64 `json:"value,omitempty"`
}

func (j *RecordJournal) Record(ctx context.Context, event records.Event) error {
	var details any
	if event.Result == records.ResultSuccess && event.Action != records.ActionDelete {
		details = recordDetails{Name: event.Name, Value: event.Value}
	}
	return j.service.Record(ctx, Event{
		Timestamp:  event.At,
		Action:     event.Action,
		TargetType: TargetTypeRecord,
		TargetID:   strconv.FormatUint(uint64(event.RecordID), 10),
		Result:     event.Result,
		Actor:      event.Caller.String(),
		Details:    details,
	})
}
