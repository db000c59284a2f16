package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
)

func intPtr(v int) *int { return &v }

func customer() model.Actor {
	id := uuid.New()
	return model.Actor{CustomerID: &id}
}

func newRepo(t *testing.T, codes ...model.RedeemableCode) *repository.MemoryRepository {
	t.Helper()

	repo := repository.NewMemoryRepository()
	repo.PutBusiness(model.Business{ID: "b1", Name: "Coffee Point"})
	repo.PutBusiness(model.Business{ID: "b2", Name: "Book Corner"})
	for _, c := range codes {
		repo.PutCode(c)
	}
	return repo
}

func getCode(t *testing.T, repo *repository.MemoryRepository, id string) *model.RedeemableCode {
	t.Helper()
	c, err := repo.GetCode(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestRedeem_EndToEnd(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{
		ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true, ScanLimit: intPtr(5), CurrentScans: 4,
	})
	svc := NewService(repo, Options{})
	u1 := customer()
	ctx := context.Background()

	res := svc.Redeem(ctx, Request{Payload: `{"qrCodeId":"c1"}`}, u1)
	require.True(t, res.Succeeded(), "unexpected failure: %v", res.Err)
	assert.Equal(t, "Coffee Point", res.BusinessName)
	assert.Equal(t, int64(10), res.PointsAwarded)
	require.NotNil(t, res.Balance)
	assert.Equal(t, int64(10), *res.Balance)

	assert.Equal(t, 5, getCode(t, repo, "c1").CurrentScans)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "c1", events[0].CodeID)
	require.NotNil(t, events[0].CustomerID)
	assert.Equal(t, *u1.CustomerID, *events[0].CustomerID)
	assert.Equal(t, int64(10), events[0].PointsAwarded)

	b, err := svc.Balance(ctx, *u1.CustomerID, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Points)

	res = svc.Redeem(ctx, Request{Payload: "c1"}, customer())
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonScanLimitExceeded, res.Reason)
	assert.ErrorIs(t, res.Err, model.ErrScanLimitExceeded)
}

func TestRedeem_LimitBoundary(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{
		ID: "c1", BusinessID: "b1", PointsValue: 5, IsActive: true, ScanLimit: intPtr(3), CurrentScans: 2,
	})
	svc := NewService(repo, Options{})
	u := customer()

	res := svc.Redeem(context.Background(), Request{Payload: "c1"}, u)
	require.True(t, res.Succeeded())
	assert.Equal(t, 3, getCode(t, repo, "c1").CurrentScans)

	res = svc.Redeem(context.Background(), Request{Payload: "c1"}, u)
	assert.Equal(t, ReasonScanLimitExceeded, res.Reason)
	assert.Equal(t, 3, getCode(t, repo, "c1").CurrentScans)

	b, err := svc.Balance(context.Background(), *u.CustomerID, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Points)
}

func TestRedeem_BalanceEqualsSumOfEvents(t *testing.T) {
	repo := newRepo(t,
		model.RedeemableCode{ID: "a", BusinessID: "b1", PointsValue: 3, IsActive: true},
		model.RedeemableCode{ID: "b", BusinessID: "b1", PointsValue: 7, IsActive: true},
		model.RedeemableCode{ID: "c", BusinessID: "b1", PointsValue: 11, IsActive: true, ScanLimit: intPtr(1)},
	)
	svc := NewService(repo, Options{})
	u := customer()
	ctx := context.Background()

	for _, p := range []string{"a", "b", "a", "c", "c", "https://x/qr/b?src=poster", "missing"} {
		svc.Redeem(ctx, Request{Payload: p}, u)
	}

	var sum int64
	for _, ev := range repo.Events() {
		sum += ev.PointsAwarded
	}

	b, err := svc.Balance(ctx, *u.CustomerID, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3+7+3+11+7), b.Points)
	assert.Equal(t, sum, b.Points)

	mismatches, err := NewReconciler(repo, "", nil, nil).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestRedeem_ConcurrentSingleUse(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{
		ID: "once", BusinessID: "b1", PointsValue: 50, IsActive: true, ScanLimit: intPtr(1),
	})
	svc := NewService(repo, Options{})

	const attempts = 8
	results := make([]Result, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.Redeem(context.Background(), Request{Payload: "once"}, customer())
		}()
	}
	wg.Wait()

	var succeeded, limited int
	for _, res := range results {
		switch {
		case res.Succeeded():
			succeeded++
		case res.Reason == ReasonScanLimitExceeded:
			limited++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, limited)
	assert.Len(t, repo.Events(), 1)
	assert.Equal(t, 1, getCode(t, repo, "once").CurrentScans)
}

func TestRedeem_AnonymousSkipsCrediting(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})

	var states []State
	svc := NewService(repo, Options{Observer: func(_, to State) { states = append(states, to) }})

	res := svc.Redeem(context.Background(), Request{Payload: "https://app.example/qr/c1"}, model.Actor{})
	require.True(t, res.Succeeded())
	assert.Nil(t, res.Balance)
	assert.Equal(t, []State{StateResolving, StateValidating, StateRecording, StateSucceeded}, states)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].CustomerID)

	mismatches, err := repo.FindMismatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestRedeem_StateTransitions(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})

	type transition struct{ from, to State }
	var got []transition
	svc := NewService(repo, Options{Observer: func(from, to State) { got = append(got, transition{from, to}) }})

	res := svc.Redeem(context.Background(), Request{Payload: "c1"}, customer())
	require.True(t, res.Succeeded())
	assert.Equal(t, []transition{
		{StateIdle, StateResolving},
		{StateResolving, StateValidating},
		{StateValidating, StateCrediting},
		{StateCrediting, StateRecording},
		{StateRecording, StateSucceeded},
	}, got)

	got = nil
	res = svc.Redeem(context.Background(), Request{Payload: "  "}, customer())
	assert.Equal(t, ReasonInvalidPayload, res.Reason)
	assert.Equal(t, []transition{
		{StateIdle, StateResolving},
		{StateResolving, StateFailed},
	}, got)
}

func TestRedeem_Failures(t *testing.T) {
	repo := newRepo(t,
		model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true},
		model.RedeemableCode{ID: "off", BusinessID: "b1", PointsValue: 10, IsActive: false},
		model.RedeemableCode{ID: "full", BusinessID: "b1", PointsValue: 10, IsActive: true, ScanLimit: intPtr(2), CurrentScans: 2},
	)
	svc := NewService(repo, Options{})

	tests := []struct {
		name         string
		payload      string
		want         Reason
		wantErr      error
		wantCode     string
		wantBusiness string
	}{
		{name: "empty", payload: "", want: ReasonInvalidPayload, wantErr: model.ErrInvalidPayload},
		{name: "json without ids", payload: `{"foo":"bar"}`, want: ReasonInvalidPayload, wantErr: model.ErrInvalidPayload},
		{name: "not valid text", payload: "\xff\xfe", want: ReasonInvalidPayload, wantErr: model.ErrInvalidPayload},
		{name: "unknown code", payload: "nope", want: ReasonCodeNotFound, wantErr: model.ErrCodeNotFound, wantCode: "nope"},
		{name: "inactive", payload: "off", want: ReasonCodeInactive, wantErr: model.ErrCodeInactive, wantCode: "off", wantBusiness: "b1"},
		{name: "limit reached", payload: "full", want: ReasonScanLimitExceeded, wantErr: model.ErrScanLimitExceeded, wantCode: "full", wantBusiness: "b1"},
		{
			name: "business mismatch", payload: `{"qrCodeId":"c1","businessId":"b2"}`,
			want: ReasonCodeNotFound, wantErr: model.ErrCodeNotFound, wantCode: "c1", wantBusiness: "b2",
		},
		{
			name: "unknown business", payload: "https://x/business/ghost",
			want: ReasonCodeNotFound, wantErr: model.ErrCodeNotFound, wantBusiness: "ghost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := svc.Redeem(context.Background(), Request{Payload: tt.payload}, customer())
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tt.want, res.Reason)
			assert.ErrorIs(t, res.Err, tt.wantErr)
			assert.Equal(t, tt.wantCode, res.CodeID)
			assert.Equal(t, tt.wantBusiness, res.BusinessID)
		})
	}

	assert.Empty(t, repo.Events())
}

func TestRedeem_BusinessFallback(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, Options{BusinessFallback: true, FallbackPoints: 15})
	u := customer()

	res := svc.Redeem(context.Background(), Request{Payload: "https://x/business/b1?x=1"}, u)
	require.True(t, res.Succeeded(), "unexpected failure: %v", res.Err)
	assert.Equal(t, model.DefaultCodeID("b1"), res.CodeID)
	assert.Equal(t, int64(15), res.PointsAwarded)

	code := getCode(t, repo, model.DefaultCodeID("b1"))
	assert.Equal(t, 1, code.CurrentScans)
	assert.Nil(t, code.ScanLimit)

	res = svc.Redeem(context.Background(), Request{Payload: `{"businessId":"b1"}`}, u)
	require.True(t, res.Succeeded())
	assert.Equal(t, 2, getCode(t, repo, model.DefaultCodeID("b1")).CurrentScans)
	require.NotNil(t, res.Balance)
	assert.Equal(t, int64(30), *res.Balance)

	strict := NewService(newRepo(t), Options{BusinessFallback: false})
	res = strict.Redeem(context.Background(), Request{Payload: "https://x/business/b1"}, u)
	assert.Equal(t, ReasonCodeNotFound, res.Reason)
}

func TestRedeem_CustomerLimit(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	svc := NewService(repo, Options{MaxRedemptionsPerCustomer: 1})
	u := customer()

	require.True(t, svc.Redeem(context.Background(), Request{Payload: "c1"}, u).Succeeded())

	res := svc.Redeem(context.Background(), Request{Payload: "c1"}, u)
	assert.Equal(t, ReasonCustomerLimitExceeded, res.Reason)
	assert.ErrorIs(t, res.Err, model.ErrCustomerLimitExceeded)

	// Отклонённая попытка не должна ни увеличить счётчик, ни начислить баллы.
	assert.Equal(t, 1, getCode(t, repo, "c1").CurrentScans)
	b, err := svc.Balance(context.Background(), *u.CustomerID, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Points)

	assert.True(t, svc.Redeem(context.Background(), Request{Payload: "c1"}, customer()).Succeeded())
	assert.True(t, svc.Redeem(context.Background(), Request{Payload: "c1"}, model.Actor{}).Succeeded())
	assert.True(t, svc.Redeem(context.Background(), Request{Payload: "c1"}, model.Actor{}).Succeeded())
}

func TestRedeem_RejectionLogCarriesReference(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "off", BusinessID: "b1", PointsValue: 10, IsActive: false})
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(repo, Options{Logger: zap.New(core)})

	res := svc.Redeem(context.Background(), Request{Payload: "https://x/qr/off"}, customer())
	require.Equal(t, ReasonCodeInactive, res.Reason)

	entries := logs.FilterMessage("redemption rejected").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "off", fields["code_id"])
	assert.Equal(t, "b1", fields["business_id"])
	assert.Equal(t, string(ReasonCodeInactive), fields["reason"])
}

func TestRedeem_ConcurrentSameCustomerCap(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	svc := NewService(repo, Options{MaxRedemptionsPerCustomer: 1})
	u := customer()

	const attempts = 16
	results := make([]Result, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.Redeem(context.Background(), Request{Payload: "c1"}, u)
		}()
	}
	wg.Wait()

	var succeeded, capped int
	for _, res := range results {
		switch {
		case res.Succeeded():
			succeeded++
		case res.Reason == ReasonCustomerLimitExceeded:
			capped++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, capped)
	assert.Len(t, repo.Events(), 1)
	assert.Equal(t, 1, getCode(t, repo, "c1").CurrentScans)

	b, err := svc.Balance(context.Background(), *u.CustomerID, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Points)
}

func TestRedeem_ConcurrentSameIdempotencyKey(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	svc := NewService(repo, Options{})
	u := customer()
	req := Request{Payload: "c1", IdempotencyKey: "tap-42"}

	const attempts = 16
	results := make([]Result, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.Redeem(context.Background(), req, u)
		}()
	}
	wg.Wait()

	var replayed int
	eventIDs := make(map[uuid.UUID]struct{})
	for _, res := range results {
		require.True(t, res.Succeeded(), "unexpected failure: %v", res.Err)
		if res.Replayed {
			replayed++
		}
		eventIDs[res.Event.ID] = struct{}{}
	}
	assert.Equal(t, attempts-1, replayed)
	assert.Len(t, eventIDs, 1)
	assert.Len(t, repo.Events(), 1)
	assert.Equal(t, 1, getCode(t, repo, "c1").CurrentScans)

	b, err := svc.Balance(context.Background(), *u.CustomerID, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Points)
}

func TestRedeem_IdempotentReplay(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	svc := NewService(repo, Options{})
	u := customer()
	req := Request{Payload: "c1", IdempotencyKey: "tap-1"}

	first := svc.Redeem(context.Background(), req, u)
	require.True(t, first.Succeeded())
	assert.False(t, first.Replayed)

	second := svc.Redeem(context.Background(), req, u)
	require.True(t, second.Succeeded())
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, "Coffee Point", second.BusinessName)
	require.NotNil(t, second.Balance)
	assert.Equal(t, int64(10), *second.Balance)

	assert.Len(t, repo.Events(), 1)
	assert.Equal(t, 1, getCode(t, repo, "c1").CurrentScans)

	other := svc.Redeem(context.Background(), req, customer())
	assert.Equal(t, ReasonPersistenceFailure, other.Reason)
	assert.ErrorIs(t, other.Err, model.ErrPersistence)
}

// cancellingRepo отменяет контекст вызывающего после проверки кода, до начала транзакции.
type cancellingRepo struct {
	*repository.MemoryRepository
	cancel context.CancelFunc
}

func (r *cancellingRepo) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	r.cancel()
	return r.MemoryRepository.GetBusiness(ctx, id)
}

func TestRedeem_CancelledMidFlight(t *testing.T) {
	mem := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(&cancellingRepo{MemoryRepository: mem, cancel: cancel}, Options{})
	u := customer()

	res := svc.Redeem(ctx, Request{Payload: "c1"}, u)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonPersistenceFailure, res.Reason)
	assert.ErrorIs(t, res.Err, model.ErrPersistence)
	assert.ErrorIs(t, res.Err, context.Canceled)

	assert.Empty(t, mem.Events())
	assert.Equal(t, 0, getCode(t, mem, "c1").CurrentScans)
	_, err := mem.GetBalance(context.Background(), *u.CustomerID, "b1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// blockingRepo не отвечает на GetCode до истечения контекста.
type blockingRepo struct {
	*repository.MemoryRepository
}

func (r *blockingRepo) GetCode(ctx context.Context, _ string) (*model.RedeemableCode, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRedeem_StepTimeout(t *testing.T) {
	svc := NewService(&blockingRepo{MemoryRepository: newRepo(t)}, Options{StepTimeout: 20 * time.Millisecond})

	start := time.Now()
	res := svc.Redeem(context.Background(), Request{Payload: "c1"}, customer())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ReasonPersistenceFailure, res.Reason)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

type stubCapture struct {
	raw string
	err error
}

func (c stubCapture) Capture(context.Context) (string, error) { return c.raw, c.err }

func TestRedeemFrom(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	o := NewService(repo, Options{}).Orchestrator()

	res := o.RedeemFrom(context.Background(), stubCapture{raw: `{"id":"c1"}`}, customer())
	assert.True(t, res.Succeeded())

	res = o.RedeemFrom(context.Background(), stubCapture{err: model.ErrPermissionDenied}, customer())
	assert.Equal(t, ReasonPermissionDenied, res.Reason)
	assert.ErrorIs(t, res.Err, model.ErrPermissionDenied)

	res = o.RedeemFrom(context.Background(), stubCapture{err: errors.New("camera busy")}, customer())
	assert.Equal(t, ReasonInvalidPayload, res.Reason)
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (n *recordingNotifier) Notify(res Result, _ time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
}

func TestRedeem_NotifiesEveryAttempt(t *testing.T) {
	repo := newRepo(t, model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true})
	n := &recordingNotifier{}
	svc := NewService(repo, Options{Notifier: n})

	svc.Redeem(context.Background(), Request{Payload: "c1"}, customer())
	svc.Redeem(context.Background(), Request{Payload: "missing"}, customer())

	require.Len(t, n.results, 2)
	assert.True(t, n.results[0].Succeeded())
	assert.Equal(t, ReasonCodeNotFound, n.results[1].Reason)
}

func TestRecentScans(t *testing.T) {
	repo := newRepo(t,
		model.RedeemableCode{ID: "c1", BusinessID: "b1", PointsValue: 10, IsActive: true},
		model.RedeemableCode{ID: "c2", BusinessID: "b2", PointsValue: 4, IsActive: true},
	)
	svc := NewService(repo, Options{})
	u := customer()

	for i := 0; i < 6; i++ {
		require.True(t, svc.Redeem(context.Background(), Request{Payload: "c1"}, u).Succeeded())
		require.True(t, svc.Redeem(context.Background(), Request{Payload: "c2"}, u).Succeeded())
	}
	svc.Redeem(context.Background(), Request{Payload: "c1"}, customer())

	recs, err := svc.RecentScans(context.Background(), *u.CustomerID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
	assert.Equal(t, "Book Corner", recs[0].BusinessName)
	assert.Equal(t, int64(4), recs[0].PointsEarned)

	recs, err = svc.RecentScans(context.Background(), *u.CustomerID, 3)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestBalance_ZeroWhenAbsent(t *testing.T) {
	svc := NewService(newRepo(t), Options{})
	id := uuid.New()

	b, err := svc.Balance(context.Background(), id, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Points)
	assert.Equal(t, id, b.CustomerID)
}

func TestResolve(t *testing.T) {
	svc := NewService(newRepo(t), Options{})

	ref, kind, err := svc.Resolve("https://x/business/biz42?x=1")
	require.NoError(t, err)
	assert.Equal(t, "biz42", ref.BusinessID)
	assert.Equal(t, "path", kind)

	_, _, err = svc.Resolve("")
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

type stubReporter struct{ n int }

func (r *stubReporter) SetLedgerMismatches(n int) { r.n = n }

func TestReconciler_ReportsMismatches(t *testing.T) {
	repo := newRepo(t)
	u := uuid.New()
	err := repo.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.CreditBalance(ctx, u, "b1", 25)
		return err
	})
	require.NoError(t, err)

	reporter := &stubReporter{}
	mismatches, err := NewReconciler(repo, "", reporter, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, u, mismatches[0].CustomerID)
	assert.Equal(t, int64(25), mismatches[0].Balance)
	assert.Equal(t, int64(0), mismatches[0].EventsTotal)
	assert.Equal(t, 1, reporter.n)
}

func TestReconciler_StartRejectsBadSchedule(t *testing.T) {
	r := NewReconciler(newRepo(t), "not a schedule", nil, nil)
	assert.Error(t, r.Start())

	disabled := NewReconciler(newRepo(t), "", nil, nil)
	assert.NoError(t, disabled.Start())
	disabled.Stop()
}
