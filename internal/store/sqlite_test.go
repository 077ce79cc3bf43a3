package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/kernsched/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string) *model.Run {
	return &model.Run{
		ID:        id,
		Scenario:  "mixed.yaml",
		Algorithm: model.AlgorithmMLFQ,
		CPUCount:  2,
		Config:    "algorithm: mlfq\n",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrate_RunsColumns(t *testing.T) {
	st := testStore(t)
	rows, err := st.db.QueryContext(context.Background(), "SELECT name FROM pragma_table_info('runs') ORDER BY cid")
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	want := "id,scenario,algorithm,cpu_count,state,ticks,summary,config,created_at,completed_at"
	if got := strings.Join(cols, ","); got != want {
		t.Errorf("runs columns = %s, want %s", got, want)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Scenario != run.Scenario || got.Algorithm != model.AlgorithmMLFQ || got.CPUCount != 2 {
		t.Errorf("got %+v", got)
	}
	if got.State != model.RunStateRunning {
		t.Errorf("State = %q, want %q", got.State, model.RunStateRunning)
	}
	if got.Config != run.Config {
		t.Errorf("Config = %q, want %q", got.Config, run.Config)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestCreateRun_GeneratesID(t *testing.T) {
	st := testStore(t)
	run := sampleRun("")
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(run.ID, "run_") {
		t.Errorf("ID = %q, want run_ prefix", run.ID)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetRun(context.Background(), "run_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestFinishRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_finish")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.FinishRun(ctx, run.ID, model.RunStateCompleted, 500, `{"tick":500}`); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ := st.GetRun(ctx, run.ID)
	if got.State != model.RunStateCompleted || got.Ticks != 500 || got.Summary != `{"tick":500}` {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	err := st.FinishRun(ctx, "run_missing", model.RunStateFailed, 0, "")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("finish missing run: err = %v, want sql.ErrNoRows", err)
	}
}

func TestListRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		run := sampleRun(id)
		run.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := st.FinishRun(ctx, "run_b", model.RunStateCompleted, 10, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	runs, total, err := st.ListRuns(ctx, model.RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(runs) != 2 || runs[0].ID != "run_c" || runs[1].ID != "run_b" {
		t.Errorf("runs = %v, want newest first [run_c run_b]", runIDs(runs))
	}

	runs, total, err = st.ListRuns(ctx, model.RunFilter{State: model.RunStateCompleted})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if total != 1 || len(runs) != 1 || runs[0].ID != "run_b" {
		t.Errorf("completed runs = %v (total %d), want [run_b]", runIDs(runs), total)
	}
}

func runIDs(runs []*model.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func sampleEvents() []model.Event {
	return []model.Event{
		{Tick: 0, Kind: model.EventThreadCreated, CPU: -1, Process: 1, Thread: 1},
		{Tick: 1, Kind: model.EventDispatch, CPU: 0, Process: 1, Thread: 1, Detail: "quantum 10"},
		{Tick: 4, Kind: model.EventSleep, CPU: 0, Process: 1, Thread: 1},
		{Tick: 4, Kind: model.EventDispatch, CPU: 1, Process: 1, Thread: 2, Detail: "quantum 10"},
		{Tick: 6, Kind: model.EventMigrate, CPU: 1, Process: 1, Thread: 3, Detail: "0->1"},
	}
}

func TestAppendAndListEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_ev")); err != nil {
		t.Fatalf("create: %v", err)
	}

	evs := sampleEvents()
	if err := st.AppendEvents(ctx, "run_ev", evs[:2]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.AppendEvents(ctx, "run_ev", evs[2:]); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, total, err := st.ListEvents(ctx, "run_ev", model.EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != len(evs) || len(got) != len(evs) {
		t.Fatalf("got %d events (total %d), want %d", len(got), total, len(evs))
	}
	for i := range evs {
		if got[i] != evs[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], evs[i])
		}
	}
}

func TestListEvents_Filters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_f")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.AppendEvents(ctx, "run_f", sampleEvents()); err != nil {
		t.Fatalf("append: %v", err)
	}

	cpu1 := model.CPUID(1)
	tests := []struct {
		name   string
		filter model.EventFilter
		want   int
	}{
		{"all", model.EventFilter{}, 5},
		{"kind", model.EventFilter{Kind: model.EventDispatch}, 2},
		{"thread", model.EventFilter{Thread: 1}, 3},
		{"cpu", model.EventFilter{CPU: &cpu1}, 2},
		{"kind and thread", model.EventFilter{Kind: model.EventDispatch, Thread: 2}, 1},
		{"limit", model.EventFilter{Limit: 2}, 2},
		{"offset", model.EventFilter{Offset: 4}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := st.ListEvents(ctx, "run_f", tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("got %d events, want %d", len(got), tc.want)
			}
		})
	}
}

func TestAppendEvents_UnknownRun(t *testing.T) {
	st := testStore(t)
	err := st.AppendEvents(context.Background(), "run_missing", sampleEvents())
	if err == nil {
		t.Fatal("expected foreign key error")
	}
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_d")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.AppendEvents(ctx, "run_d", sampleEvents()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.DeleteRun(ctx, "run_d"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, total, err := st.ListEvents(ctx, "run_d", model.EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0 after delete", total)
	}
}
