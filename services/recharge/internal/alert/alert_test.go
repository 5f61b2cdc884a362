package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/topup-engine/services/recharge/internal/domain"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Alert) error {
	c.calls++
	return c.err
}

func testAlert(at time.Time) Alert {
	return Alert{Reason: ReasonTimeoutQuarantine, OrderNumber: "ORD1", RechargeStatus: "timeout", RaisedAt: at}
}

func TestFromOrder(t *testing.T) {
	seq, code, reason := "S1", "E01", domain.AnomalyDispatchTimeout
	paidAt := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)
	o := &domain.Order{
		OrderNumber:        "ORD1",
		PhoneNumber:        "88001122",
		Product:            domain.ProductInfo{Operator: domain.OperatorUnitel},
		RechargeStatus:     domain.RechargeTimeout,
		PaidAt:             &paidAt,
		OperatorSequenceID: &seq,
		RechargeCode:       &code,
		AnomalyReason:      &reason,
	}

	a := FromOrder(ReasonTimeoutQuarantine, o, paidAt.Add(time.Hour))

	assert.Equal(t, "ORD1", a.OrderNumber)
	assert.Equal(t, "unitel", a.Operator)
	assert.Equal(t, "timeout", a.RechargeStatus)
	assert.Equal(t, "S1", a.SequenceID)
	assert.Equal(t, "E01", a.Code)
	assert.Equal(t, domain.AnomalyDispatchTimeout, a.AnomalyReason)
	assert.Empty(t, a.Message)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), testAlert(time.Now())))
}

func TestSQSNotifier_Notify(t *testing.T) {
	client := &fakeSQS{}
	n := NewSQSNotifierWithClient(client, "https://sqs.ap-east-1.amazonaws.com/123/recharge-alerts")

	require.NoError(t, n.Notify(context.Background(), testAlert(time.Now())))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.ap-east-1.amazonaws.com/123/recharge-alerts", aws.ToString(in.QueueUrl))
	assert.Equal(t, ReasonTimeoutQuarantine, aws.ToString(in.MessageAttributes["reason"].StringValue))
	assert.Equal(t, "ORD1", aws.ToString(in.MessageAttributes["order_number"].StringValue))

	var body Alert
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &body))
	assert.Equal(t, "ORD1", body.OrderNumber)
}

func TestSQSNotifier_Error(t *testing.T) {
	n := NewSQSNotifierWithClient(&fakeSQS{err: errors.New("throttled")}, "q")
	assert.Error(t, n.Notify(context.Background(), testAlert(time.Now())))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDedupeNotifier(t *testing.T) {
	day := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	t.Run("повтор в тот же день пропускается", func(t *testing.T) {
		mr, rdb := newRedis(t)
		next := &countingNotifier{}
		d := NewDedupeNotifier(next, rdb, time.Hour)

		require.NoError(t, d.Notify(context.Background(), testAlert(day)))
		require.NoError(t, d.Notify(context.Background(), testAlert(day.Add(2*time.Hour))))
		assert.Equal(t, 1, next.calls)
		assert.True(t, mr.Exists("alert:timeout_quarantine:ORD1:20240510"))
	})

	t.Run("на следующий день алерт повторяется", func(t *testing.T) {
		_, rdb := newRedis(t)
		next := &countingNotifier{}
		d := NewDedupeNotifier(next, rdb, 48*time.Hour)

		require.NoError(t, d.Notify(context.Background(), testAlert(day)))
		require.NoError(t, d.Notify(context.Background(), testAlert(day.Add(24*time.Hour))))
		assert.Equal(t, 2, next.calls)
	})

	t.Run("другая причина не дедуплицируется", func(t *testing.T) {
		_, rdb := newRedis(t)
		next := &countingNotifier{}
		d := NewDedupeNotifier(next, rdb, time.Hour)

		a := testAlert(day)
		require.NoError(t, d.Notify(context.Background(), a))
		a.Reason = ReasonFailedAudit
		require.NoError(t, d.Notify(context.Background(), a))
		assert.Equal(t, 2, next.calls)
	})

	t.Run("ошибка отправки снимает ключ", func(t *testing.T) {
		mr, rdb := newRedis(t)
		next := &countingNotifier{err: errors.New("sqs down")}
		d := NewDedupeNotifier(next, rdb, time.Hour)

		assert.Error(t, d.Notify(context.Background(), testAlert(day)))
		assert.False(t, mr.Exists("alert:timeout_quarantine:ORD1:20240510"))

		next.err = nil
		require.NoError(t, d.Notify(context.Background(), testAlert(day)))
		assert.Equal(t, 2, next.calls)
	})

	t.Run("недоступный Redis не блокирует алерт", func(t *testing.T) {
		mr, rdb := newRedis(t)
		mr.Close()
		next := &countingNotifier{}
		d := NewDedupeNotifier(next, rdb, time.Hour)

		require.NoError(t, d.Notify(context.Background(), testAlert(day)))
		assert.Equal(t, 1, next.calls)
	})
}
