package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/conductor/internal/persistence"
)

type fixture struct {
	room   *persistence.Room
	rtc    *persistence.Rtc
	stream *persistence.Stream
}

func seedStream(t *testing.T, store *persistence.Store, backendID string, handleID int64) fixture {
	t.Helper()
	var f fixture
	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		var err error
		if f.room, err = q.InsertRoom(ctx, persistence.Room{Audience: "example.org", OpenedAt: ptr(time.Now().Add(-time.Hour)), BackendID: backendID}); err != nil {
			return err
		}
		if f.rtc, err = q.InsertRtc(ctx, persistence.Rtc{RoomID: f.room.ID, CreatedBy: "web.alice"}); err != nil {
			return err
		}
		f.stream, err = q.InsertStream(ctx, persistence.Stream{HandleID: handleID, RtcID: f.rtc.ID, BackendID: backendID, Label: "cam", SentBy: "web.alice"})
		return err
	})
	return f
}

func TestStreams_StartStopLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	f := seedStream(t, store, "janus-1", 10)
	if f.stream.RoomID != f.room.ID {
		t.Fatalf("stream room = %q, want %q", f.stream.RoomID, f.room.ID)
	}

	start := time.Now()
	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		s, err := q.FindLatestUnstartedStream(ctx, "janus-1", 10)
		if err != nil {
			return err
		}
		if s == nil || s.ID != f.stream.ID {
			t.Fatalf("expected unstarted stream %s, got %+v", f.stream.ID, s)
		}
		started, err := q.StartStream(ctx, s.ID, start)
		if err != nil {
			return err
		}
		if started == nil || started.StartedAt == nil || !started.Active() {
			t.Fatalf("stream not started: %+v", started)
		}
		again, err := q.StartStream(ctx, s.ID, start.Add(time.Second))
		if err != nil {
			return err
		}
		if again != nil {
			t.Fatalf("second start must be a no-op, got %+v", again)
		}
		none, err := q.FindLatestUnstartedStream(ctx, "janus-1", 10)
		if err != nil {
			return err
		}
		if none != nil {
			t.Fatalf("expected no unstarted stream, got %+v", none)
		}

		active, err := q.ListStreams(ctx, persistence.StreamFilter{BackendID: "janus-1", Active: true})
		if err != nil {
			return err
		}
		if len(active) != 1 {
			t.Fatalf("expected one active stream, got %d", len(active))
		}

		stopped, err := q.StopStream(ctx, s.ID, start.Add(time.Minute))
		if err != nil {
			return err
		}
		if stopped == nil || stopped.Active() || stopped.StoppedAt.Before(*stopped.StartedAt) {
			t.Fatalf("unexpected stopped stream %+v", stopped)
		}
		active, err = q.ListStreams(ctx, persistence.StreamFilter{BackendID: "janus-1", Active: true})
		if err != nil {
			return err
		}
		if len(active) != 0 {
			t.Fatalf("expected no active streams, got %d", len(active))
		}
		return nil
	})
}

func TestStreams_ListFilters(t *testing.T) {
	store, _ := openTestStore(t)
	a := seedStream(t, store, "janus-1", 1)
	seedStream(t, store, "janus-1", 2)
	seedStream(t, store, "janus-2", 1)

	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		cases := []struct {
			name   string
			filter persistence.StreamFilter
			want   int
		}{
			{"all", persistence.StreamFilter{}, 3},
			{"backend", persistence.StreamFilter{BackendID: "janus-1"}, 2},
			{"handle", persistence.StreamFilter{BackendID: "janus-1", HandleID: ptr(int64(1))}, 1},
			{"room", persistence.StreamFilter{RoomID: a.room.ID}, 1},
			{"limit", persistence.StreamFilter{Limit: 2}, 2},
			{"active", persistence.StreamFilter{Active: true}, 0},
		}
		for _, tc := range cases {
			got, err := q.ListStreams(ctx, tc.filter)
			if err != nil {
				return err
			}
			if len(got) != tc.want {
				t.Fatalf("%s: got %d streams, want %d", tc.name, len(got), tc.want)
			}
		}
		return nil
	})
}

func TestRecordings_TransitionsOnlyFromInProgress(t *testing.T) {
	store, _ := openTestStore(t)
	f := seedStream(t, store, "janus-1", 1)
	startedAt := time.UnixMilli(1_700_000_000_000)

	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		rec, err := q.InsertRecording(ctx, f.rtc.ID)
		if err != nil {
			return err
		}
		if rec.Status != persistence.RecordingInProgress {
			t.Fatalf("new recording status = %s", rec.Status)
		}

		segments := []persistence.Segment{{0, 1500}, {2000, 4000}}
		changed, err := q.MarkRecordingReady(ctx, f.rtc.ID, startedAt, segments, []string{"s3://dumps/a.mjr"})
		if err != nil || !changed {
			t.Fatalf("mark ready: changed=%v err=%v", changed, err)
		}

		changed, err = q.MarkRecordingReady(ctx, f.rtc.ID, startedAt.Add(time.Hour), nil, nil)
		if err != nil || changed {
			t.Fatalf("second ready must be a no-op: changed=%v err=%v", changed, err)
		}
		changed, err = q.MarkRecordingMissing(ctx, f.rtc.ID)
		if err != nil || changed {
			t.Fatalf("ready -> missing must be a no-op: changed=%v err=%v", changed, err)
		}

		got, err := q.FindRecording(ctx, f.rtc.ID)
		if err != nil {
			return err
		}
		if got.Status != persistence.RecordingReady || !got.StartedAt.Equal(startedAt) {
			t.Fatalf("unexpected recording %+v", got)
		}
		if len(got.Segments) != 2 || got.Segments[1] != (persistence.Segment{2000, 4000}) {
			t.Fatalf("unexpected segments %+v", got.Segments)
		}
		if len(got.MjrDumpsURIs) != 1 {
			t.Fatalf("unexpected dumps %+v", got.MjrDumpsURIs)
		}
		return nil
	})
}

func TestRtcs_ListWithRecording(t *testing.T) {
	store, _ := openTestStore(t)
	f := seedStream(t, store, "janus-1", 1)
	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		second, err := q.InsertRtc(ctx, persistence.Rtc{RoomID: f.room.ID, CreatedBy: "web.bob", CreatedAt: time.Now().Add(time.Second)})
		if err != nil {
			return err
		}
		if _, err := q.InsertRecording(ctx, second.ID); err != nil {
			return err
		}
		list, err := q.ListRtcWithRecording(ctx, f.room.ID)
		if err != nil {
			return err
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 rtcs, got %d", len(list))
		}
		if list[0].Rtc.ID != f.rtc.ID || list[0].Recording != nil {
			t.Fatalf("first rtc should have no recording: %+v", list[0])
		}
		if list[1].Recording == nil || list[1].Recording.Status != persistence.RecordingInProgress {
			t.Fatalf("second rtc should have an in-progress recording: %+v", list[1])
		}
		return nil
	})
}

func TestRooms_FinishedWithInProgressRecordings(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Now()
	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		if _, err := q.UpsertBackend(ctx, persistence.Backend{ID: "janus-eu", SessionID: 1, HandleID: 1, Group: "eu"}); err != nil {
			return err
		}
		if _, err := q.UpsertBackend(ctx, persistence.Backend{ID: "janus-us", SessionID: 1, HandleID: 1, Group: "us"}); err != nil {
			return err
		}
		mk := func(id, backend string, closedAt *time.Time, status string) error {
			if _, err := q.InsertRoom(ctx, persistence.Room{ID: id, Audience: "a", OpenedAt: ptr(now.Add(-2 * time.Hour)), ClosedAt: closedAt, BackendID: backend}); err != nil {
				return err
			}
			rtc, err := q.InsertRtc(ctx, persistence.Rtc{RoomID: id, CreatedBy: "web.alice"})
			if err != nil {
				return err
			}
			if _, err := q.InsertRecording(ctx, rtc.ID); err != nil {
				return err
			}
			if status == "missing" {
				_, err = q.MarkRecordingMissing(ctx, rtc.ID)
			}
			return err
		}
		past := ptr(now.Add(-time.Minute))
		if err := mk("finished-eu", "janus-eu", past, "in_progress"); err != nil {
			return err
		}
		if err := mk("finished-us", "janus-us", past, "in_progress"); err != nil {
			return err
		}
		if err := mk("still-open", "janus-eu", nil, "in_progress"); err != nil {
			return err
		}
		if err := mk("done", "janus-eu", past, "missing"); err != nil {
			return err
		}

		all, err := q.FinishedWithInProgressRecordings(ctx, now, "")
		if err != nil {
			return err
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 items, got %d", len(all))
		}
		eu, err := q.FinishedWithInProgressRecordings(ctx, now, "eu")
		if err != nil {
			return err
		}
		if len(eu) != 1 || eu[0].Room.ID != "finished-eu" || eu[0].Backend.ID != "janus-eu" {
			t.Fatalf("unexpected eu items %+v", eu)
		}
		if eu[0].Recording.Status != persistence.RecordingInProgress {
			t.Fatalf("unexpected recording %+v", eu[0].Recording)
		}
		return nil
	})
}

func TestAgents_BulkDisconnect(t *testing.T) {
	store, _ := openTestStore(t)
	a := seedStream(t, store, "janus-1", 1)
	b := seedStream(t, store, "janus-2", 1)

	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		for _, f := range []fixture{a, b} {
			agent, err := q.UpsertAgent(ctx, "web.alice", f.room.ID, persistence.AgentReady)
			if err != nil {
				return err
			}
			if err := q.InsertAgentConnection(ctx, persistence.AgentConnection{AgentRowID: agent.ID, RtcID: f.rtc.ID, HandleID: 5, BackendID: f.stream.BackendID}); err != nil {
				return err
			}
		}
		again, err := q.UpsertAgent(ctx, "web.alice", a.room.ID, persistence.AgentInProgress)
		if err != nil {
			return err
		}
		agents, err := q.ListAgents(ctx, a.room.ID)
		if err != nil {
			return err
		}
		if len(agents) != 1 || agents[0].ID != again.ID || agents[0].Status != persistence.AgentInProgress {
			t.Fatalf("upsert should keep one row per agent and room: %+v", agents)
		}

		n, err := q.BulkDisconnectByRoom(ctx, a.room.ID)
		if err != nil || n != 1 {
			t.Fatalf("disconnect by room: n=%d err=%v", n, err)
		}
		n, err = q.BulkDisconnectByBackend(ctx, "janus-2")
		if err != nil || n != 1 {
			t.Fatalf("disconnect by backend: n=%d err=%v", n, err)
		}
		conns, err := q.ListAgentConnections(ctx, b.room.ID)
		if err != nil {
			return err
		}
		if len(conns) != 0 {
			t.Fatalf("expected no connections left, got %+v", conns)
		}

		deleted, err := q.DeleteAgentsByRoom(ctx, b.room.ID)
		if err != nil || deleted != 1 {
			t.Fatalf("delete agents: n=%d err=%v", deleted, err)
		}
		return nil
	})
}

func TestOrphans_UpsertListRemove(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Now()
	tx(t, store, func(ctx context.Context, q *persistence.Queries) error {
		for _, id := range []string{"r1", "r2"} {
			if _, err := q.InsertRoom(ctx, persistence.Room{ID: id, Audience: "a"}); err != nil {
				return err
			}
		}
		if err := q.UpsertOrphanedRoom(ctx, "r1", now.Add(-time.Hour)); err != nil {
			return err
		}
		if err := q.UpsertOrphanedRoom(ctx, "r2", now.Add(-time.Hour)); err != nil {
			return err
		}
		// Host came back briefly and left again later.
		if err := q.UpsertOrphanedRoom(ctx, "r2", now); err != nil {
			return err
		}

		due, err := q.ListOrphanedRoomsPast(ctx, now.Add(-time.Minute))
		if err != nil {
			return err
		}
		if len(due) != 1 || due[0].Room.ID != "r1" {
			t.Fatalf("unexpected due rooms %+v", due)
		}

		n, err := q.RemoveOrphanedRooms(ctx, []string{"r1", "missing"})
		if err != nil || n != 1 {
			t.Fatalf("remove orphaned rooms: n=%d err=%v", n, err)
		}
		if n, err := q.RemoveOrphanedRooms(ctx, nil); err != nil || n != 0 {
			t.Fatalf("empty remove: n=%d err=%v", n, err)
		}
		return nil
	})
}
