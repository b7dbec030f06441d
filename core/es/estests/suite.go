// Package estests holds behaviour tests shared by every EventLog backend.
package estests

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc/core/command"
	"github.com/codewandler/esrc/core/es"
	"github.com/codewandler/esrc/core/es/estests/domain"
)

// LogFactory returns an empty event log, or one whose streams do not
// overlap with other calls.
type LogFactory func(t *testing.T) es.EventLog

type fixture struct {
	log    es.EventLog
	prefix string
	repo   *es.Repository[*domain.Account]
	bus    *command.Bus
}

func newFixture(t *testing.T, newLog LogFactory) *fixture {
	t.Helper()
	var (
		log    = newLog(t)
		prefix = "t" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8)
		repo   = es.NewRepository(log, domain.NewAccountType(slog.Default()), es.WithPrefix(prefix), es.WithPageSize(3))
	)
	bus, err := command.NewBus(slog.Default(), domain.Commands(repo)...)
	require.NoError(t, err)
	return &fixture{log: log, prefix: prefix, repo: repo, bus: bus}
}

// RunLogSuite runs the backend independent scenarios against newLog.
func RunLogSuite(t *testing.T, newLog LogFactory) {
	t.Run("account scenario", func(t *testing.T) { testAccountScenario(t, newLog) })
	t.Run("stale append", func(t *testing.T) { testStaleAppend(t, newLog) })
	t.Run("read paging", func(t *testing.T) { testReadPaging(t, newLog) })
	t.Run("derived streams", func(t *testing.T) { testDerivedStreams(t, newLog) })
	t.Run("subscribe before stream exists", func(t *testing.T) { testSubscribeNotExisting(t, newLog) })
	t.Run("projection", func(t *testing.T) { testProjection(t, newLog) })
}

func testAccountScenario(t *testing.T, newLog LogFactory) {
	var (
		ctx = t.Context()
		f   = newFixture(t, newLog)
	)

	res, err := f.bus.Execute(ctx, domain.CreateAccount{
		MessageMeta: es.MessageMeta{ID: "cmd-1"},
		AccountID:   "acc-1",
		Owner:       "ada",
	})
	require.NoError(t, err)
	require.Equal(t, es.Version(0), res.Version)
	require.Equal(t, []any{domain.AccountCreated{ID: "acc-1", Owner: "ada"}}, res.Events)

	res, err = f.bus.Execute(ctx, domain.AddFunds{
		MessageMeta: es.MessageMeta{ID: "cmd-2", CorrelationID: "cmd-1", CausationID: "cmd-1"},
		AccountID:   "acc-1",
		Amount:      100,
	})
	require.NoError(t, err)
	require.Equal(t, es.Version(1), res.Version)
	require.Equal(t, []any{domain.FundsAdded{Amount: 100}}, res.Events)

	acc, err := f.repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), acc.Version())
	require.Equal(t, int64(100), acc.Entity().Balance)
	require.Equal(t, "ada", acc.Entity().Owner)

	rr, err := f.log.Read(ctx, f.repo.Stream("acc-1"), 1, 1)
	require.NoError(t, err)
	require.Len(t, rr.Events, 1)
	require.Equal(t, "FundsAdded", rr.Events[0].Type)
	require.Equal(t, es.Version(1), rr.Events[0].Revision)
	meta, err := rr.Events[0].Meta()
	require.NoError(t, err)
	require.Equal(t, res.CommitID, meta.CommitID)
	require.Equal(t, "cmd-1", meta.CorrelationID)
	require.Equal(t, "cmd-2", meta.CausationID)

	_, err = f.bus.Execute(ctx, domain.AddFunds{AccountID: "acc-2", Amount: 0})
	var ve *command.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Violations, 2)
	require.ErrorIs(t, err, domain.ErrNoAccount)

	_, err = f.repo.GetByID(ctx, "acc-2")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func testStaleAppend(t *testing.T, newLog LogFactory) {
	var (
		ctx = t.Context()
		f   = newFixture(t, newLog)
	)

	_, err := f.bus.Execute(ctx, domain.CreateAccount{AccountID: "acc-1", Owner: "bob"})
	require.NoError(t, err)

	a, err := f.repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	b, err := f.repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, a.Raise(domain.FundsAdded{Amount: 1}))
	_, err = f.repo.Save(ctx, a)
	require.NoError(t, err)

	require.NoError(t, b.Raise(domain.FundsAdded{Amount: 2}))
	_, err = f.repo.Save(ctx, b)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	_, err = f.bus.Execute(ctx, domain.CreateAccount{AccountID: "acc-1", Owner: "eve"})
	require.ErrorIs(t, err, domain.ErrAccountExists)

	// concurrent writers: exactly the winners are persisted
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bus.Execute(ctx, domain.AddFunds{AccountID: "acc-1", Amount: 10})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, es.ErrConcurrencyConflict)
		}()
	}
	wg.Wait()

	acc, err := f.repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, 1+10*succeeded, acc.Entity().Balance)
	require.Equal(t, es.Version(1+succeeded), acc.Version())
}

func testReadPaging(t *testing.T, newLog LogFactory) {
	var (
		ctx = t.Context()
		f   = newFixture(t, newLog)
	)

	_, err := f.bus.Execute(ctx, domain.CreateAccount{AccountID: "acc-1", Owner: "ada"})
	require.NoError(t, err)
	for i := range 7 {
		_, err := f.bus.Execute(ctx, domain.AddFunds{AccountID: "acc-1", Amount: int64(i + 1)})
		require.NoError(t, err)
	}

	acc, err := f.repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(7), acc.Version())
	require.Equal(t, int64(28), acc.Entity().Balance)

	acc, err = f.repo.GetByID(ctx, "acc-1", es.WithMaxVersion(3))
	require.NoError(t, err)
	require.Equal(t, es.Version(3), acc.Version())
	require.Equal(t, int64(6), acc.Entity().Balance)

	var revisions []es.Version
	cur, err := es.NewReader(f.log, es.WithPageSize(2)).Read(
		ctx,
		f.repo.Stream("acc-1").WithDirection(es.Backward),
		es.HeadPosition,
		5,
		func(page []es.ReadEnvelope) error {
			for _, env := range page {
				revisions = append(revisions, env.Revision)
			}
			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, []es.Version{7, 6, 5, 4, 3}, revisions)
	require.Equal(t, 5, cur.Read)

	cur, err = es.NewReader(f.log).Read(ctx, f.repo.Stream("missing"), 0, 0, func([]es.ReadEnvelope) error {
		return errors.New("no pages expected")
	})
	require.NoError(t, err)
	require.True(t, cur.NoStream)
}

func testDerivedStreams(t *testing.T, newLog LogFactory) {
	var (
		ctx = t.Context()
		f   = newFixture(t, newLog)
	)

	for i := range 3 {
		id := fmt.Sprintf("acc-%d", i)
		_, err := f.bus.Execute(ctx, domain.CreateAccount{AccountID: id, Owner: "o"})
		require.NoError(t, err)
		_, err = f.bus.Execute(ctx, domain.AddFunds{AccountID: id, Amount: 5})
		require.NoError(t, err)
	}

	var events []es.ReadEnvelope
	cur, err := es.NewReader(f.log, es.WithPageSize(4)).Read(ctx, f.repo.Category(), 0, 0, func(page []es.ReadEnvelope) error {
		events = append(events, page...)
		return nil
	})
	require.NoError(t, err)
	require.False(t, cur.NoStream)
	require.Len(t, events, 6)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Position, events[i-1].Position, "positions increase")
	}
	require.Equal(t, f.repo.Stream("acc-0").Name(), events[0].Stream)
	require.Equal(t, es.Version(1), events[1].Revision)

	// resume in the middle
	rr, err := f.log.Read(ctx, f.repo.Category(), events[3].Position, 10)
	require.NoError(t, err)
	require.Equal(t, events[3].ID, rr.Events[0].ID)
	require.Len(t, rr.Events, 3)

	// event type streams span categories; only ours are checked
	var funds int
	_, err = es.NewReader(f.log).Read(ctx, f.repo.Naming().EventType("FundsAdded"), 0, 0, func(page []es.ReadEnvelope) error {
		for _, env := range page {
			if env.Stream == f.repo.Stream("acc-0").Name() ||
				env.Stream == f.repo.Stream("acc-1").Name() ||
				env.Stream == f.repo.Stream("acc-2").Name() {
				require.Equal(t, "FundsAdded", env.Type)
				funds++
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, funds)
}

func testSubscribeNotExisting(t *testing.T, newLog LogFactory) {
	var (
		ctx = t.Context()
		f   = newFixture(t, newLog)
		sb  = es.NewSubscriber(f.log, es.WithPrefix(f.prefix), es.WithProbeInterval(50*time.Millisecond))

		mu   sync.Mutex
		seen = map[string][]string{}
	)
	t.Cleanup(sb.Close)

	record := func(handler, entry string) {
		mu.Lock()
		defer mu.Unlock()
		seen[handler] = append(seen[handler], entry)
	}
	snapshot := func() map[string][]string {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string][]string, len(seen))
		for k, v := range seen {
			out[k] = slices.Clone(v)
		}
		return out
	}

	sub, err := sb.Category(domain.AccountType)
	require.NoError(t, err)
	for _, name := range []string{"first", "second"} {
		es.On(sub, func(_ es.MsgCtx, e domain.AccountCreated) error {
			record(name, "created:"+e.ID)
			return nil
		})
		sub.On(es.EventTypeFor[domain.FundsAdded](), es.HandleFunc(func(msg es.MsgCtx) error {
			var e domain.FundsAdded
			if err := json.Unmarshal(msg.Data(), &e); err != nil {
				return err
			}
			record(name, fmt.Sprintf("funds:%d", e.Amount))
			return nil
		}))
	}
	require.NoError(t, sub.Start(ctx))

	time.Sleep(120 * time.Millisecond)
	select {
	case <-sub.Live():
		t.Fatal("live before the stream exists")
	default:
	}

	_, err = f.bus.Execute(ctx, domain.CreateAccount{AccountID: "late", Owner: "ada"})
	require.NoError(t, err)
	for amount := int64(1); amount <= 3; amount++ {
		_, err = f.bus.Execute(ctx, domain.AddFunds{AccountID: "late", Amount: amount})
		require.NoError(t, err)
	}

	want := []string{"created:late", "funds:1", "funds:2", "funds:3"}
	require.Eventually(t, func() bool {
		got := snapshot()
		return len(got["first"]) >= len(want) && len(got["second"]) >= len(want)
	}, 10*time.Second, 10*time.Millisecond)

	// nothing is delivered twice
	time.Sleep(200 * time.Millisecond)
	got := snapshot()
	assert.Equal(t, want, got["first"])
	assert.Equal(t, want, got["second"])

	select {
	case <-sub.Live():
	case <-time.After(time.Second):
		t.Fatal("not live")
	}
}

func testProjection(t *testing.T, newLog LogFactory) {
	var (
		ctx      = t.Context()
		f        = newFixture(t, newLog)
		cps      = es.NewMemoryCheckpoints()
		sb       = es.NewSubscriber(f.log, es.WithPrefix(f.prefix), es.WithCheckpoints(cps), es.WithProbeInterval(50*time.Millisecond))
		balances = domain.NewBalances("balances")
	)
	t.Cleanup(sb.Close)

	_, err := f.bus.Execute(ctx, domain.CreateAccount{AccountID: "acc-1", Owner: "ada"})
	require.NoError(t, err)
	_, err = f.bus.Execute(ctx, domain.AddFunds{AccountID: "acc-1", Amount: 100})
	require.NoError(t, err)

	sub, err := sb.Project(ctx, f.repo.Category(), balances)
	require.NoError(t, err)

	_, err = f.bus.Execute(ctx, domain.WithdrawFunds{AccountID: "acc-1", Amount: 30})
	require.NoError(t, err)

	stream := f.repo.Stream("acc-1").Name()
	require.Eventually(t, func() bool {
		return balances.Balance(stream) == 70 && balances.Applied() == 3
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, "ada", balances.Owner(stream))
	require.Eventually(t, func() bool {
		pos, err := cps.Load(ctx, "balances")
		return err == nil && pos == sub.Position()
	}, 10*time.Second, 10*time.Millisecond)

	// a restarted projection resumes after its checkpoint
	time.Sleep(50 * time.Millisecond)
	sub.Stop()
	pos, err := cps.Load(ctx, "balances")
	require.NoError(t, err)
	require.Equal(t, sub.Position(), pos)

	again := domain.NewBalances("balances")
	_, err = sb.Project(ctx, f.repo.Category(), again)
	require.NoError(t, err)

	_, err = f.bus.Execute(ctx, domain.AddFunds{AccountID: "acc-1", Amount: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return again.Applied() == 1 }, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(5), again.Balance(stream))
}
