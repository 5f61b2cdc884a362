package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/outbox"
	"example.com/topup-engine/services/recharge/internal/alert"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/operator"
	"example.com/topup-engine/services/recharge/internal/service"
	"example.com/topup-engine/services/recharge/internal/testutil"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

type recordingReports struct {
	reports []*domain.DailyReport
	err     error
}

func (w *recordingReports) Write(r *domain.DailyReport) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	w.reports = append(w.reports, r)
	return "/tmp/" + r.From.Format(time.DateOnly) + ".xlsx", nil
}

type recordingEvents struct {
	records []*outbox.Outbox
}

func (e *recordingEvents) Create(_ context.Context, record *outbox.Outbox) error {
	e.records = append(e.records, record)
	return nil
}

type fixture struct {
	sched    *Scheduler
	repo     *testutil.MemoryOrderRepository
	adapter  *testutil.MockAdapter
	notifier *recordingNotifier
	reports  *recordingReports
	events   *recordingEvents
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     testutil.NewMemoryOrderRepository(),
		adapter:  new(testutil.MockAdapter),
		notifier: &recordingNotifier{},
		reports:  &recordingReports{},
		events:   &recordingEvents{},
		now:      time.Now(),
	}

	svc := service.NewOrderService(f.repo, new(testutil.MockUserRepository), operator.NewRegistry(f.adapter),
		new(testutil.MockRateService), &testutil.SequenceNumbers{}, service.Config{
			RatePair:        "MNT_TO_CNY",
			RecoveryWindow:  10 * time.Minute,
			OperatorTimeout: time.Second,
		})

	cfg := DefaultConfig()
	cfg.Location = time.UTC
	f.sched = New(f.repo, svc, f.notifier, f.reports, f.events, cfg)
	f.sched.now = func() time.Time { return f.now }

	return f
}

// order кладёт в репозиторий оплаченный заказ.
func (f *fixture) order(number string, paidAgo time.Duration, mutate func(o *domain.Order)) {
	paidAt := f.now.Add(-paidAgo)
	o := &domain.Order{
		OrderNumber: number,
		OwnerID:     "user-1",
		Product: domain.ProductInfo{
			Operator:     domain.OperatorUnitel,
			RechargeType: domain.RechargeVoice,
			Code:         "SD1500",
			Price:        decimal.NewFromInt(1500),
		},
		PhoneNumber:     "88001122",
		PriceSettlement: decimal.RequireFromString("3.33"),
		ExchangeRate:    decimal.NewFromInt(450),
		PaymentStatus:   domain.PaymentPaid,
		PaidAt:          &paidAt,
		RechargeStatus:  domain.RechargePending,
		CreatedAt:       paidAt.Add(-time.Minute),
	}
	if mutate != nil {
		mutate(o)
	}
	f.repo.Put(o)
}

func claimedWithSeq(at time.Time, seq string) func(o *domain.Order) {
	return func(o *domain.Order) {
		o.RechargeClaimedAt = &at
		o.OperatorSequenceID = &seq
	}
}

func withStatus(status domain.RechargeStatus) func(o *domain.Order) {
	return func(o *domain.Order) { o.RechargeStatus = status }
}

func TestScheduler_SweepStuckPending(t *testing.T) {
	f := newFixture(t)
	f.order("ORD-STUCK", 5*time.Minute, nil)
	f.order("ORD-FRESH", 10*time.Second, nil)
	abandoned := f.now.Add(-15 * time.Minute)
	f.order("ORD-ABANDONED", 20*time.Minute, func(o *domain.Order) { o.RechargeClaimedAt = &abandoned })

	f.adapter.On("DispatchRecharge", mock.Anything, mock.MatchedBy(func(o *domain.Order) bool {
		return o.OrderNumber == "ORD-STUCK" || o.OrderNumber == "ORD-ABANDONED"
	})).Return(&domain.RechargeOutcome{Result: domain.ResultSuccess, Code: "200", SequenceID: "seq-1"}, nil)

	require.NoError(t, f.sched.SweepStuckPending(context.Background()))

	assert.Equal(t, domain.RechargeSuccess, f.repo.Get("ORD-STUCK").RechargeStatus)
	assert.Equal(t, domain.RechargeSuccess, f.repo.Get("ORD-ABANDONED").RechargeStatus)
	assert.Equal(t, domain.RechargePending, f.repo.Get("ORD-FRESH").RechargeStatus)
	assert.Nil(t, f.repo.Get("ORD-FRESH").RechargeClaimedAt, "свежий заказ не должен захватываться")
	f.adapter.AssertNumberOfCalls(t, "DispatchRecharge", 2)
}

func TestScheduler_SweepStuckPending_SkipsClaimedWithSequence(t *testing.T) {
	f := newFixture(t)
	f.order("ORD1", 30*time.Minute, claimedWithSeq(f.now.Add(-20*time.Minute), "seq-1"))

	require.NoError(t, f.sched.SweepStuckPending(context.Background()))

	f.adapter.AssertNotCalled(t, "DispatchRecharge", mock.Anything, mock.Anything)
}

func TestScheduler_SweepStuckPending_SkipsTerminalFailures(t *testing.T) {
	stale := func(status domain.RechargeStatus, claimedAgo time.Duration) func(o *domain.Order) {
		return func(o *domain.Order) {
			withStatus(status)(o)
			at := time.Now().Add(-claimedAgo)
			o.RechargeClaimedAt = &at
		}
	}

	tests := []struct {
		name   string
		mutate func(o *domain.Order)
		want   domain.RechargeStatus
	}{
		{"timeout с брошенным захватом", stale(domain.RechargeTimeout, 20*time.Minute), domain.RechargeTimeout},
		{"failed E01 с брошенным захватом", stale(domain.RechargeFailed, 20*time.Minute), domain.RechargeFailed},
		{"timeout без захвата", withStatus(domain.RechargeTimeout), domain.RechargeTimeout},
		{"failed без захвата", withStatus(domain.RechargeFailed), domain.RechargeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.order("ORD1", 30*time.Minute, tt.mutate)
			before := f.repo.Get("ORD1").RechargeClaimedAt

			require.NoError(t, f.sched.SweepStuckPending(context.Background()))

			got := f.repo.Get("ORD1")
			assert.Equal(t, tt.want, got.RechargeStatus)
			assert.Equal(t, before, got.RechargeClaimedAt, "захват не должен обновляться")
			assert.Nil(t, got.OperatorSequenceID)
			f.adapter.AssertNotCalled(t, "DispatchRecharge", mock.Anything, mock.Anything)
		})
	}
}

func TestScheduler_ReconcileResults(t *testing.T) {
	f := newFixture(t)
	f.order("ORD-OK", time.Hour, claimedWithSeq(f.now.Add(-30*time.Minute), "seq-ok"))
	f.order("ORD-REJECTED", time.Hour, claimedWithSeq(f.now.Add(-30*time.Minute), "seq-rej"))
	f.order("ORD-WAIT", time.Hour, claimedWithSeq(f.now.Add(-30*time.Minute), "seq-wait"))
	f.order("ORD-RECENT", time.Hour, claimedWithSeq(f.now.Add(-time.Minute), "seq-recent"))
	f.order("ORD-OLD", 24*time.Hour, claimedWithSeq(f.now.Add(-13*time.Hour), "seq-old"))

	f.adapter.On("QueryDispatchResult", mock.Anything, "seq-ok").
		Return(&domain.DispatchResult{Result: domain.ResultSuccess, Code: "200"}, nil)
	f.adapter.On("QueryDispatchResult", mock.Anything, "seq-rej").
		Return(&domain.DispatchResult{Result: domain.ResultFailed, Code: "400", Message: "invalid msisdn"}, nil)
	f.adapter.On("QueryDispatchResult", mock.Anything, "seq-wait").
		Return(&domain.DispatchResult{Result: domain.ResultPending}, nil)

	require.NoError(t, f.sched.ReconcileResults(context.Background()))

	assert.Equal(t, domain.RechargeSuccess, f.repo.Get("ORD-OK").RechargeStatus)
	assert.Equal(t, domain.RechargeFailed, f.repo.Get("ORD-REJECTED").RechargeStatus)
	assert.Equal(t, domain.RechargePending, f.repo.Get("ORD-WAIT").RechargeStatus)
	assert.Equal(t, domain.RechargePending, f.repo.Get("ORD-RECENT").RechargeStatus)
	assert.Equal(t, domain.RechargePending, f.repo.Get("ORD-OLD").RechargeStatus)

	f.adapter.AssertNotCalled(t, "QueryDispatchResult", mock.Anything, "seq-recent")
	f.adapter.AssertNotCalled(t, "QueryDispatchResult", mock.Anything, "seq-old")
	f.adapter.AssertNotCalled(t, "DispatchRecharge", mock.Anything, mock.Anything)
}

func TestScheduler_ReconcileResults_OperatorErrorLeavesOrder(t *testing.T) {
	f := newFixture(t)
	f.order("ORD1", time.Hour, claimedWithSeq(f.now.Add(-30*time.Minute), "seq-1"))
	f.adapter.On("QueryDispatchResult", mock.Anything, "seq-1").Return(nil, errors.New("connection reset"))

	require.NoError(t, f.sched.ReconcileResults(context.Background()))

	assert.Equal(t, domain.RechargePending, f.repo.Get("ORD1").RechargeStatus)
}

func TestScheduler_QuarantineAndAudit(t *testing.T) {
	f := newFixture(t)
	f.order("ORD-TIMEOUT", time.Hour, withStatus(domain.RechargeTimeout))
	f.order("ORD-FAILED", time.Hour, withStatus(domain.RechargeFailed))
	f.order("ORD-OLD-TIMEOUT", 48*time.Hour, withStatus(domain.RechargeTimeout))
	f.order("ORD-SUCCESS", time.Hour, withStatus(domain.RechargeSuccess))

	require.NoError(t, f.sched.QuarantineTimeouts(context.Background()))
	require.NoError(t, f.sched.AuditFailures(context.Background()))

	require.Len(t, f.notifier.alerts, 2)
	assert.Equal(t, alert.ReasonTimeoutQuarantine, f.notifier.alerts[0].Reason)
	assert.Equal(t, "ORD-TIMEOUT", f.notifier.alerts[0].OrderNumber)
	assert.Equal(t, alert.ReasonFailedAudit, f.notifier.alerts[1].Reason)
	assert.Equal(t, "ORD-FAILED", f.notifier.alerts[1].OrderNumber)

	// Только чтение: статусы не меняются, оператор не вызывается.
	assert.Equal(t, domain.RechargeTimeout, f.repo.Get("ORD-TIMEOUT").RechargeStatus)
	assert.Equal(t, domain.RechargeFailed, f.repo.Get("ORD-FAILED").RechargeStatus)
	f.adapter.AssertNotCalled(t, "DispatchRecharge", mock.Anything, mock.Anything)
}

func TestScheduler_QuarantineTimeouts_NotifierError(t *testing.T) {
	f := newFixture(t)
	f.order("ORD1", time.Hour, withStatus(domain.RechargeTimeout))
	f.notifier.err = errors.New("sqs unavailable")

	err := f.sched.QuarantineTimeouts(context.Background())
	assert.Error(t, err)
}

func TestScheduler_DailyReport(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2024, 5, 11, 2, 0, 0, 0, time.UTC)
	f.order("ORD-A", 10*time.Hour, withStatus(domain.RechargeSuccess))
	f.order("ORD-B", 12*time.Hour, withStatus(domain.RechargeSuccess))
	f.order("ORD-C", 20*time.Hour, withStatus(domain.RechargeFailed))
	f.order("ORD-TODAY", time.Hour, withStatus(domain.RechargeSuccess))
	f.order("ORD-BEFORE", 30*time.Hour, withStatus(domain.RechargeSuccess))

	report, err := f.sched.DailyReport(context.Background(), f.now.AddDate(0, 0, -1))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), report.From)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), report.To)
	total, sum := report.Total()
	assert.Equal(t, int64(3), total)
	assert.True(t, decimal.NewFromInt(4500).Equal(sum))

	require.Len(t, f.reports.reports, 1)

	require.Len(t, f.events.records, 1)
	record := f.events.records[0]
	assert.Equal(t, outbox.AggregateReport, record.AggregateType)
	assert.Equal(t, "2024-05-10", record.AggregateID)
	assert.Equal(t, service.EventDailyReport, record.EventType)
	assert.Equal(t, kafka.TopicReports, record.Topic)

	var ev ReportEvent
	require.NoError(t, json.Unmarshal(record.Payload, &ev))
	assert.Equal(t, int64(3), ev.TotalCount)
	assert.Equal(t, "/tmp/2024-05-10.xlsx", ev.File)
	require.Len(t, ev.Stats, 2)
	assert.Equal(t, "failed", ev.Stats[0].Status)
	assert.Equal(t, int64(1), ev.Stats[0].Count)
	assert.Equal(t, "success", ev.Stats[1].Status)
	assert.Equal(t, "6.66", ev.Stats[1].SumSettlement)
}

func TestScheduler_DailyReport_FileErrorStillPublishes(t *testing.T) {
	f := newFixture(t)
	f.reports.err = errors.New("disk full")

	_, err := f.sched.DailyReport(context.Background(), f.now.AddDate(0, 0, -1))
	require.NoError(t, err)

	require.Len(t, f.events.records, 1)
	var ev ReportEvent
	require.NoError(t, json.Unmarshal(f.events.records[0].Payload, &ev))
	assert.Empty(t, ev.File)
	assert.Equal(t, int64(0), ev.TotalCount)
}

func TestScheduler_UntilNextReport(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, Config{DailyReportHour: 2, Location: time.UTC})

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"до запуска сегодня", time.Date(2024, 5, 10, 1, 30, 0, 0, time.UTC), 30 * time.Minute},
		{"ровно в момент запуска — следующие сутки", time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC), 24 * time.Hour},
		{"после запуска", time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC), 12 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.untilNextReport(tt.now))
		})
	}
}

func TestScheduler_Run_StopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("планировщик не остановился после отмены контекста")
	}
}
