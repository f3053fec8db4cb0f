package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/internal/backend/memory"
	"github.com/tracegrid/tracegrid/internal/backend/sqlstore"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type storesFactory func(t *testing.T, opts ...Option) *Stores

var testBackends = []struct {
	name string
	open func(t *testing.T) backend.Backend
}{
	{"memory", func(*testing.T) backend.Backend { return memory.New() }},
	{"sqlite", func(t *testing.T) backend.Backend {
		be, err := sqlstore.Open(context.Background(), sqlstore.SQLite,
			sqlstore.Config{DSN: filepath.Join(t.TempDir(), "tracegrid.db")})
		require.NoError(t, err)
		require.NoError(t, be.Migrate(context.Background()))
		return be
	}},
}

func storesOver(open func(t *testing.T) backend.Backend) storesFactory {
	return func(t *testing.T, opts ...Option) *Stores {
		t.Helper()
		opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
		s := newStores(open(t), opts...)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
}

// eachBackend runs fn as a subtest against every backend.
func eachBackend(t *testing.T, fn func(t *testing.T, open storesFactory)) {
	for _, tb := range testBackends {
		t.Run(tb.name, func(t *testing.T) {
			fn(t, storesOver(tb.open))
		})
	}
}

func newTestStores(t *testing.T, opts ...Option) *Stores {
	t.Helper()
	return storesOver(testBackends[0].open)(t, opts...)
}

func role(org, name, desc string) *model.Role {
	return &model.Role{OrgID: org, Name: name, Description: desc, Active: true}
}

func product(id, owner string) *model.Product {
	return &model.Product{
		ProductID: id,
		Namespace: "GS1",
		Owner:     owner,
		Properties: []model.PropertyValue{
			model.NumberProperty("weight", decimal.RequireFromString("1.25")),
		},
	}
}

func commit(svc, id, prev string) model.Commit {
	return model.Commit{ServiceID: svc, CommitID: id, PreviousCommitID: prev}
}

func mustApply(t *testing.T, s *Stores, c model.Commit, changes ...model.StateChange) model.CommitPosition {
	t.Helper()
	pos, err := s.Coordinator.Apply(context.Background(), c, changes)
	require.NoError(t, err)
	return pos
}

func TestApplyThenGetRespectsTenant(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		pos := mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "first")))
		assert.Equal(t, model.CommitPosition{ServiceID: "s1", CommitNum: 1, CommitID: "c1"}, pos)

		got, err := s.Roles.Get(ctx, model.ForService("s1"), model.RoleKey("o1", "admin"))
		require.NoError(t, err)
		assert.Equal(t, "first", got.Description)
		assert.Equal(t, "s1", got.ServiceID)
		assert.EqualValues(t, 1, got.LastCommitNum)

		_, err = s.Roles.Get(ctx, model.ForService("s2"), model.RoleKey("o1", "admin"))
		assert.True(t, model.IsNotFound(err))

		_, err = s.Roles.Get(ctx, model.GlobalScope(), model.RoleKey("o1", "admin"))
		assert.True(t, model.IsNotFound(err))
	})
}

func TestRollbackRestoresEarlierValue(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()
		key := model.RoleKey("o1", "admin")

		mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "v1")))
		mustApply(t, s, commit("s1", "c2", "c1"), model.UpdateChange(role("o1", "admin", "v2")))

		got, err := s.Roles.Get(ctx, model.ForService("s1"), key)
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Description)
		assert.EqualValues(t, 2, got.LastCommitNum)

		require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 1))

		got, err = s.Roles.Get(ctx, model.ForService("s1"), key)
		require.NoError(t, err)
		assert.Equal(t, "v1", got.Description)
		assert.EqualValues(t, 1, got.LastCommitNum)

		head, err := s.Commits.Current(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.EqualValues(t, 1, head.CommitNum)
		assert.Equal(t, "c1", head.CommitID)
	})
}

func TestApplyRejectsForkAndLeavesStateUnchanged(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "v1")))

		_, err := s.Coordinator.Apply(ctx, commit("s1", "x2", "not-c1"),
			[]model.StateChange{model.AddChange(role("o1", "viewer", ""))})
		require.Error(t, err)
		assert.True(t, model.IsConflict(err))

		_, err = s.Roles.Get(ctx, model.ForService("s1"), model.RoleKey("o1", "viewer"))
		assert.True(t, model.IsNotFound(err))

		head, err := s.Commits.Current(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "c1", head.CommitID)
	})
}

func TestApplyRejectsWrongCommitNumber(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)

		c := commit("s1", "c1", "")
		c.CommitNum = 2
		_, err := s.Coordinator.Apply(context.Background(), c, nil)
		assert.True(t, model.IsConflict(err))

		c.CommitNum = 1
		pos, err := s.Coordinator.Apply(context.Background(), c, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pos.CommitNum)
	})
}

func TestApplyIsAllOrNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "v1")))

		_, err := s.Coordinator.Apply(ctx, commit("s1", "c2", "c1"), []model.StateChange{
			model.AddChange(role("o1", "viewer", "")),
			model.AddChange(role("o1", "admin", "duplicate")),
		})
		require.Error(t, err)
		assert.True(t, model.IsConflict(err))

		_, err = s.Roles.Get(ctx, model.ForService("s1"), model.RoleKey("o1", "viewer"))
		assert.True(t, model.IsNotFound(err), "partial writes must not survive")

		head, err := s.Commits.Current(ctx, "s1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, head.CommitNum)
	})
}

func TestApplyUpdateAndDeleteOfMissingKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		_, err := s.Coordinator.Apply(ctx, commit("s1", "c1", ""),
			[]model.StateChange{model.UpdateChange(role("o1", "ghost", ""))})
		assert.True(t, model.IsNotFound(err))

		_, err = s.Coordinator.Apply(ctx, commit("s1", "c1", ""),
			[]model.StateChange{model.DeleteChange(model.EntityRole, model.RoleKey("o1", "ghost"))})
		assert.True(t, model.IsNotFound(err))
	})
}

func TestApplyValidatesInput(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		_, err := s.Coordinator.Apply(ctx, commit("s1", "", ""), nil)
		assert.True(t, model.IsInvalidArgument(err))

		_, err = s.Coordinator.Apply(ctx, commit("", "c1", ""),
			[]model.StateChange{model.AddChange(product("p1", "o1"))})
		assert.True(t, model.IsInvalidArgument(err), "products cannot live in the Global scope")

		_, err = s.Coordinator.Apply(ctx, commit("s1", "c1", ""),
			[]model.StateChange{model.AddChange(&model.Role{OrgID: "o1"})})
		assert.True(t, model.IsInvalidArgument(err))
	})
}

func TestCommitMonotonicity(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		prev := ""
		for i := 1; i <= 5; i++ {
			id := fmt.Sprintf("c%d", i)
			pos := mustApply(t, s, commit("s1", id, prev),
				model.AddChange(role("o1", fmt.Sprintf("r%d", i), "")))
			assert.EqualValues(t, i, pos.CommitNum)
			prev = id
		}

		head, err := s.Commits.Current(ctx, "s1")
		require.NoError(t, err)
		assert.EqualValues(t, 5, head.CommitNum)

		page, err := s.Commits.List(ctx, "s1", model.Paging{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Items, 2)
		assert.EqualValues(t, 5, page.Items[0].CommitNum)
		assert.EqualValues(t, 4, page.Items[1].CommitNum)
		assert.Equal(t, fixedNow, page.Items[0].AppliedAt)

		c3, err := s.Commits.Get(ctx, "s1", 3)
		require.NoError(t, err)
		assert.Equal(t, "c3", c3.CommitID)
		assert.Equal(t, "c2", c3.PreviousCommitID)

		byID, err := s.Commits.FindByID(ctx, "s1", "c4")
		require.NoError(t, err)
		assert.EqualValues(t, 4, byID.CommitNum)

		_, err = s.Commits.Get(ctx, "s1", 0)
		assert.True(t, model.IsInvalidArgument(err))

		none, err := s.Commits.Current(ctx, "other")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestRollbackInverseLaw(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		build := func(t *testing.T, rollback bool) *Stores {
			s := open(t)
			mustApply(t, s, commit("s1", "c1", ""),
				model.AddChange(role("o1", "admin", "v1")),
				model.AddChange(role("o1", "viewer", "v1")))
			mustApply(t, s, commit("s1", "c2", "c1"),
				model.UpdateChange(role("o1", "admin", "v2")),
				model.AddChange(role("o1", "auditor", "v2")))
			c3 := commit("s1", "c3", "c2")
			changes := []model.StateChange{
				model.DeleteChange(model.EntityRole, model.RoleKey("o1", "viewer")),
				model.UpdateChange(role("o1", "admin", "v3")),
				model.AddChange(role("o2", "admin", "v3")),
			}
			mustApply(t, s, c3, changes...)
			if rollback {
				require.NoError(t, s.Coordinator.RollbackTo(context.Background(), "s1", 2))
				mustApply(t, s, c3, changes...)
			}
			return s
		}

		straight := build(t, false)
		replayed := build(t, true)

		want, err := straight.Roles.List(context.Background(), model.ForService("s1"), ListFilter{}, model.DefaultPaging())
		require.NoError(t, err)
		got, err := replayed.Roles.List(context.Background(), model.ForService("s1"), ListFilter{}, model.DefaultPaging())
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, 3, got.Total)
	})
}

func TestRollbackSemantics(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 3), "rollback without history is a no-op")

		mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "v1")))
		mustApply(t, s, commit("s1", "c2", "c1"), model.DeleteChange(model.EntityRole, model.RoleKey("o1", "admin")))

		require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 2), "rollback to head is a no-op")
		require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 9), "rollback above head is a no-op")

		err := s.Coordinator.RollbackTo(ctx, "s1", -1)
		assert.True(t, model.IsInvalidState(err))

		require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 1))
		_, err = s.Roles.Get(ctx, model.ForService("s1"), model.RoleKey("o1", "admin"))
		require.NoError(t, err, "deleted record comes back")

		require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 0))
		_, err = s.Roles.Get(ctx, model.ForService("s1"), model.RoleKey("o1", "admin"))
		assert.True(t, model.IsNotFound(err))
		head, err := s.Commits.Current(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, head)

		mustApply(t, s, commit("s1", "n1", "anything"), model.AddChange(role("o1", "admin", "fresh")))
	})
}

func TestTenantIsolation(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		mustApply(t, s, commit("s1", "a1", ""), model.AddChange(product("p1", "o1")), model.AddChange(product("p2", "o1")))
		mustApply(t, s, commit("s2", "b1", ""), model.AddChange(product("p1", "o9")))
		mustApply(t, s, commit("", "g1", ""), model.AddChange(role("o1", "admin", "global")))

		page, err := s.Products.List(ctx, model.ForService("s1"), ListFilter{}, model.DefaultPaging())
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		for _, p := range page.Items {
			assert.Equal(t, "s1", p.ServiceID)
			assert.Equal(t, "o1", p.Owner)
		}

		p1, err := s.Products.Get(ctx, model.ForService("s2"), model.JoinKey("p1"))
		require.NoError(t, err)
		assert.Equal(t, "o9", p1.Owner)
		assert.True(t, p1.Properties[0].NumberValue.Equal(decimal.RequireFromString("1.25")))

		_, err = s.Products.List(ctx, model.GlobalScope(), ListFilter{}, model.DefaultPaging())
		assert.True(t, model.IsInvalidArgument(err))

		roles, err := s.Roles.List(ctx, model.ForService("s1"), ListFilter{}, model.DefaultPaging())
		require.NoError(t, err)
		assert.Zero(t, roles.Total)

		global, err := s.Roles.Get(ctx, model.GlobalScope(), model.RoleKey("o1", "admin"))
		require.NoError(t, err)
		assert.Equal(t, "global", global.Description)
		assert.Empty(t, global.ServiceID)
	})
}

func TestPaginationCompleteness(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		const k = 23
		var changes []model.StateChange
		for i := k - 1; i >= 0; i-- {
			changes = append(changes, model.AddChange(role("o1", fmt.Sprintf("role-%02d", i), "")))
		}
		mustApply(t, s, commit("s1", "c1", ""), changes...)

		seen := map[string]bool{}
		var order []string
		for offset := 0; offset < k; offset += 5 {
			page, err := s.Roles.List(ctx, model.ForService("s1"), ListFilter{Group: "o1"}, model.Paging{Offset: offset, Limit: 5})
			require.NoError(t, err)
			assert.Equal(t, k, page.Total)
			assert.Equal(t, offset, page.Offset)
			assert.Equal(t, 5, page.Limit)
			for _, r := range page.Items {
				assert.False(t, seen[r.Name], "duplicate %s", r.Name)
				seen[r.Name] = true
				order = append(order, r.Name)
			}
		}
		assert.Len(t, seen, k)
		assert.IsIncreasing(t, order)

		empty, err := s.Roles.List(ctx, model.ForService("s1"), ListFilter{Group: "o2"}, model.DefaultPaging())
		require.NoError(t, err)
		assert.NotNil(t, empty.Items)
		assert.Zero(t, empty.Total)

		_, err = s.Roles.List(ctx, model.ForService("s1"), ListFilter{}, model.Paging{Offset: -1})
		assert.True(t, model.IsInvalidArgument(err))
	})
}

func TestConcurrentServicesApplyIndependently(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for svc := 0; svc < 4; svc++ {
			wg.Add(1)
			go func(svc int) {
				defer wg.Done()
				serviceID := fmt.Sprintf("svc-%d", svc)
				prev := ""
				for i := 1; i <= 10; i++ {
					id := fmt.Sprintf("%s-c%d", serviceID, i)
					_, err := s.Coordinator.Apply(ctx, commit(serviceID, id, prev),
						[]model.StateChange{model.AddChange(role("o1", fmt.Sprintf("r%d", i), ""))})
					if err != nil {
						errs <- err
						return
					}
					prev = id
				}
			}(svc)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}

		for svc := 0; svc < 4; svc++ {
			head, err := s.Commits.Current(ctx, fmt.Sprintf("svc-%d", svc))
			require.NoError(t, err)
			assert.EqualValues(t, 10, head.CommitNum)
		}
	})
}

func TestSameServiceWritersAreSerialized(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()
		mustApply(t, s, commit("s1", "c1", ""))

		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Coordinator.Apply(ctx, commit("s1", fmt.Sprintf("fork-%d", i), "c1"), nil)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		ok, conflicts := 0, 0
		for err := range results {
			switch {
			case err == nil:
				ok++
			case model.IsConflict(err):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 7, conflicts)
	})
}

func TestCanceledApplyLeavesNoTrace(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Coordinator.Apply(ctx, commit("s1", "c1", ""),
			[]model.StateChange{model.AddChange(role("o1", "admin", ""))})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled) || model.IsStorageUnavailable(err))

		head, err := s.Commits.Current(context.Background(), "s1")
		require.NoError(t, err)
		assert.Nil(t, head)
	})
}

func TestBatchSubmitIdempotence(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()
		b := model.Batch{BatchID: "b1", HeaderSignature: "x", Submitter: "agent-1"}

		first, err := s.Batches.Submit(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, model.BatchPending, first.Status)
		assert.Equal(t, fixedNow, first.SubmittedAt)

		second, err := s.Batches.Submit(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)

		status, err := s.Batches.GetStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.BatchPending, status)

		pending, err := s.Batches.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1, "no duplicate row")

		b.HeaderSignature = "y"
		_, err = s.Batches.Submit(ctx, b)
		assert.True(t, model.IsConflict(err))

		_, err = s.Batches.Submit(ctx, model.Batch{BatchID: "b2"})
		assert.True(t, model.IsInvalidArgument(err))
	})
}

func TestBatchResubmitRefreshesUnknown(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()
		b := model.Batch{BatchID: "b1", HeaderSignature: "x", Submitter: "agent-1"}

		_, err := s.Batches.Submit(ctx, b)
		require.NoError(t, err)
		require.NoError(t, s.Batches.UpdateStatus(ctx, "b1", model.BatchUnknown))

		again, err := s.Batches.Submit(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, model.BatchPending, again.Status)

		status, err := s.Batches.GetStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.BatchPending, status)
	})
}

func TestBatchStatusMachine(t *testing.T) {
	eachBackend(t, func(t *testing.T, open storesFactory) {
		s := open(t)
		ctx := context.Background()

		err := s.Batches.UpdateStatus(ctx, "missing", model.BatchValid)
		assert.True(t, model.IsNotFound(err))

		_, err = s.Batches.Submit(ctx, model.Batch{BatchID: "b1", HeaderSignature: "x", Submitter: "a"})
		require.NoError(t, err)

		assert.True(t, model.IsInvalidState(s.Batches.UpdateStatus(ctx, "b1", model.BatchCommitted)))
		require.NoError(t, s.Batches.UpdateStatus(ctx, "b1", model.BatchValid))
		require.NoError(t, s.Batches.UpdateStatus(ctx, "b1", model.BatchValid), "self transition")
		require.NoError(t, s.Batches.UpdateStatus(ctx, "b1", model.BatchCommitted))

		assert.True(t, model.IsInvalidState(s.Batches.UpdateStatus(ctx, "b1", model.BatchPending)))
		assert.True(t, model.IsInvalidState(s.Batches.UpdateStatus(ctx, "b1", model.BatchUnknown)))
		assert.True(t, model.IsInvalidArgument(s.Batches.UpdateStatus(ctx, "b1", "bogus")))

		pending, err := s.Batches.ListPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestInstrumentationIsWired(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	}, nil)

	s := newTestStores(t, WithMetrics(metrics), WithEvents(events), WithLogger(telemetry.NewNopLogger()))
	ctx := context.Background()

	mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "")))
	mustApply(t, s, commit("s1", "c2", "c1"))
	require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 1))
	_, err = s.Batches.Submit(ctx, model.Batch{BatchID: "b1", HeaderSignature: "x", Submitter: "a"})
	require.NoError(t, err)
	require.NoError(t, s.Batches.UpdateStatus(ctx, "b1", model.BatchValid))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		telemetry.EventTypeCommitApplied,
		telemetry.EventTypeCommitApplied,
		telemetry.EventTypeCommitRolledBack,
		telemetry.EventTypeBatchSubmitted,
		telemetry.EventTypeBatchStatusChanged,
	}, seen)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"})
	require.Error(t, err)
	assert.True(t, model.IsInvalidArgument(err))
}

func TestOpenSQLiteRollbackAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "tracegrid.db")}

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, s.Driver())
	require.NoError(t, s.Ping(ctx))
	mustApply(t, s, commit("s1", "c1", ""), model.AddChange(role("o1", "admin", "v1")))
	mustApply(t, s, commit("s1", "c2", "c1"), model.UpdateChange(role("o1", "admin", "v2")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Coordinator.RollbackTo(ctx, "s1", 1))
	got, err := s.Roles.Get(ctx, model.ForService("s1"), model.RoleKey("o1", "admin"))
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Description)
	assert.EqualValues(t, 1, got.LastCommitNum)
}

func TestViewCannotWriteCommits(t *testing.T) {
	writer := reflect.TypeOf((*Coordinator)(nil))
	view := reflect.TypeOf(View{})
	for i := 0; i < view.NumField(); i++ {
		f := view.Field(i)
		if !f.IsExported() {
			continue
		}
		assert.NotEqual(t, writer, f.Type, "View.%s exposes the coordinator", f.Name)
		for _, m := range []string{"Apply", "RollbackTo"} {
			_, ok := f.Type.MethodByName(m)
			assert.False(t, ok, "View.%s has %s", f.Name, m)
		}
	}
	for _, m := range []string{"Apply", "RollbackTo", "Migrate", "Close"} {
		_, ok := reflect.TypeOf(&View{}).MethodByName(m)
		assert.False(t, ok, "View has %s", m)
	}

	s := newTestStores(t)
	assert.Same(t, s.View.Commits, s.Commits)
	assert.Equal(t, DriverMemory, s.View.Driver())
	require.NoError(t, s.View.Ping(context.Background()))
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: DriverMemory})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DriverMemory, s.Driver())
}
