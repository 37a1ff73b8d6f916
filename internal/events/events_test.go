package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebuttal/api/internal/logging"
	"rebuttal/api/internal/store"
)

type memOutbox struct {
	rows []store.OutboxMessage
	next int64
}

func (m *memOutbox) InsertOutbox(_ context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.next++
	m.rows = append(m.rows, store.OutboxMessage{ID: m.next, Topic: topic, Payload: body})
	return nil
}

func (m *memOutbox) ListPendingOutbox(_ context.Context, limit int) ([]store.OutboxMessage, error) {
	var out []store.OutboxMessage
	for _, row := range m.rows {
		if row.DispatchedAt == nil && len(out) < limit {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkOutboxDispatched(_ context.Context, id int64) error {
	for i := range m.rows {
		if m.rows[i].ID == id {
			now := m.rows[i].CreatedAt
			m.rows[i].DispatchedAt = &now
		}
	}
	return nil
}

func TestOutboxEmitter(t *testing.T) {
	box := &memOutbox{}
	out := NewOutbox(box)
	require.NoError(t, out.Emit(context.Background(), Event{Topic: TopicDisputeStatus, Payload: DisputeStatus{DisputeID: "dsp_1", Status: "won"}}))
	require.Len(t, box.rows, 1)
	assert.Equal(t, TopicDisputeStatus, box.rows[0].Topic)
	assert.JSONEq(t, `{"orgId":"","disputeId":"dsp_1","providerDisputeId":"","status":"won","source":"","at":"0001-01-01T00:00:00Z"}`, string(box.rows[0].Payload))
}

func TestRelayDispatchesInOrder(t *testing.T) {
	box := &memOutbox{}
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, box.InsertOutbox(ctx, TopicArchiveRecord, ArchiveRecord{SubmissionID: id}))
	}
	require.NoError(t, box.InsertOutbox(ctx, "unhandled.topic", map[string]string{}))

	var seen []string
	relay := NewRelay(box, 10, logging.Discard())
	relay.Handle(TopicArchiveRecord, func(_ context.Context, payload json.RawMessage) error {
		var rec ArchiveRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		seen = append(seen, rec.SubmissionID)
		return nil
	})

	n, err := relay.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	n, err = relay.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayStopsOnHandlerError(t *testing.T) {
	box := &memOutbox{}
	ctx := context.Background()
	require.NoError(t, box.InsertOutbox(ctx, TopicArchiveRecord, ArchiveRecord{SubmissionID: "a"}))
	require.NoError(t, box.InsertOutbox(ctx, TopicArchiveRecord, ArchiveRecord{SubmissionID: "b"}))

	calls := 0
	relay := NewRelay(box, 10, logging.Discard())
	relay.Handle(TopicArchiveRecord, func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("index unavailable")
	})

	n, err := relay.Dispatch(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)

	pending, err := box.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	_ = r.Emit(context.Background(), Event{Topic: TopicSubmissionStatus})
	_ = r.Emit(context.Background(), Event{Topic: TopicArchiveRecord})
	assert.Equal(t, []string{TopicSubmissionStatus, TopicArchiveRecord}, r.Topics())
	assert.Len(t, r.Events(), 2)
}
