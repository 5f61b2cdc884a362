package unitel

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/operator"
)

func catalogResponse() map[string]any {
	return map[string]any{
		"result": "success",
		"service": map[string]any{
			"cards": map[string]any{
				"day": []map[string]any{
					{"code": "SD5000", "name": "Карт 5000", "price": 5000, "unit": "MNT", "days": "30"},
				},
				"noday":   []map[string]any{{"code": 1500, "eng_name": "Card 1500", "price": "1500"}},
				"special": []map[string]any{{"code": "BAD", "price": "n/a"}},
			},
			"data": map[string]any{
				"data": []map[string]any{
					{"code": "DATA3GB", "name": "3GB", "price": "3000", "data": "3GB", "days": 7},
				},
			},
		},
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeUnitel) {
	f, srv := newFakeUnitel(t)
	return NewAdapter(NewClient(testConfig(srv.URL))), f
}

func TestAdapter_Name(t *testing.T) {
	a, _ := newTestAdapter(t)
	assert.Equal(t, domain.OperatorUnitel, a.Name())
}

func TestAdapter_ValidateAndPriceProduct(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		rechargeType domain.RechargeType
		wantPrice    string
		wantName     string
		wantErr      error
	}{
		{name: "карта из day", code: "SD5000", rechargeType: domain.RechargeVoice, wantPrice: "5000", wantName: "Карт 5000"},
		{name: "числовой код и eng_name", code: "1500", rechargeType: domain.RechargeVoice, wantPrice: "1500", wantName: "Card 1500"},
		{name: "пакет данных", code: "DATA3GB", rechargeType: domain.RechargeData, wantPrice: "3000", wantName: "3GB"},
		{name: "пакет не ищется среди карт", code: "DATA3GB", rechargeType: domain.RechargeVoice, wantErr: operator.ErrProductNotFound},
		{name: "неизвестный код", code: "NOPE", rechargeType: domain.RechargeVoice, wantErr: operator.ErrProductNotFound},
		{name: "нечисловая цена", code: "BAD", rechargeType: domain.RechargeVoice, wantErr: operator.ErrProductNotFound},
		{name: "неизвестный тип", code: "SD5000", rechargeType: "sms", wantErr: domain.ErrInvalidRechargeType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, f := newTestAdapter(t)
			f.respond(pathServiceType, http.StatusOK, catalogResponse())

			product, err := a.ValidateAndPriceProduct(context.Background(), tt.code, "88001122", tt.rechargeType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.OperatorUnitel, product.Operator)
			assert.Equal(t, tt.rechargeType, product.RechargeType)
			assert.Equal(t, tt.code, product.Code)
			assert.Equal(t, tt.wantName, product.Name)
			assert.True(t, decimal.RequireFromString(tt.wantPrice).Equal(product.Price))

			req := f.lastRequest(pathServiceType)
			assert.Equal(t, "88001122", req["msisdn"])
			assert.Equal(t, "1", req["info"])
		})
	}
}

func TestAdapter_ValidateAndPriceProduct_CatalogFailed(t *testing.T) {
	a, f := newTestAdapter(t)
	f.respond(pathServiceType, http.StatusOK, map[string]any{"result": "failed", "msg": "not unitel number"})

	_, err := a.ValidateAndPriceProduct(context.Background(), "SD5000", "99001122", domain.RechargeVoice)
	assert.ErrorIs(t, err, operator.ErrProductNotFound)
}

func TestAdapter_ListProducts(t *testing.T) {
	t.Run("карты без позиций с некорректной ценой", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathServiceType, http.StatusOK, catalogResponse())

		products, err := a.ListProducts(context.Background(), "88001122", domain.RechargeVoice)
		require.NoError(t, err)
		require.Len(t, products, 2)

		assert.Equal(t, "SD5000", products[0].Code)
		assert.Equal(t, "Карт 5000", products[0].Name)
		assert.Equal(t, "30", products[0].Days)
		assert.Equal(t, "1500", products[1].Code)
		assert.Equal(t, "Card 1500", products[1].Name)
		for _, p := range products {
			assert.Equal(t, domain.OperatorUnitel, p.Operator)
			assert.Equal(t, domain.RechargeVoice, p.RechargeType)
		}
		assert.Equal(t, "88001122", f.lastRequest(pathServiceType)["msisdn"])
	})

	t.Run("пакеты интернета", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathServiceType, http.StatusOK, catalogResponse())

		products, err := a.ListProducts(context.Background(), "88001122", domain.RechargeData)
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, "DATA3GB", products[0].Code)
		assert.Equal(t, "3GB", products[0].Data)
		assert.Equal(t, "7", products[0].Days)
		assert.True(t, decimal.NewFromInt(3000).Equal(products[0].Price))
	})

	t.Run("постоплата не имеет каталога", func(t *testing.T) {
		a, f := newTestAdapter(t)

		_, err := a.ListProducts(context.Background(), "88001122", domain.RechargePostpaid)
		assert.ErrorIs(t, err, domain.ErrInvalidRechargeType)
		assert.Zero(t, f.count(pathServiceType))
	})

	t.Run("номер не Unitel", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathServiceType, http.StatusOK, map[string]any{"result": "failed", "msg": "not unitel number"})

		_, err := a.ListProducts(context.Background(), "99001122", domain.RechargeVoice)
		assert.ErrorIs(t, err, operator.ErrProductNotFound)
	})
}

func TestAdapter_QueryOutstandingBill(t *testing.T) {
	a, f := newTestAdapter(t)
	f.respond(pathPostpaidBill, http.StatusOK, map[string]any{"result": "success", "total_unpaid": 7300, "invoice_status": "Unpaid"})

	bill, err := a.QueryOutstandingBill(context.Background(), "88051269")
	require.NoError(t, err)
	assert.Equal(t, "88051269", bill.PhoneNumber)
	assert.True(t, decimal.NewFromInt(7300).Equal(bill.TotalUnpaid))
	assert.False(t, bill.Paid)

	req := f.lastRequest(pathPostpaidBill)
	assert.Equal(t, "88051269", req["owner"])
	assert.Equal(t, "88051269", req["msisdn"])
}

func TestAdapter_Postpaid(t *testing.T) {
	tests := []struct {
		name      string
		bill      map[string]any
		wantPrice string
		wantErr   error
	}{
		{
			name:      "есть задолженность",
			bill:      map[string]any{"result": "success", "total_unpaid": "12500.50", "invoice_status": "unpaid"},
			wantPrice: "12500.5",
		},
		{
			name:    "счёт оплачен",
			bill:    map[string]any{"result": "success", "total_unpaid": 0, "invoice_status": "paid"},
			wantErr: domain.ErrBillAlreadyPaid,
		},
		{
			name:    "нет задолженности",
			bill:    map[string]any{"result": "success", "total_unpaid": 0, "invoice_status": "unpaid"},
			wantErr: domain.ErrNoOutstandingBill,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, f := newTestAdapter(t)
			f.respond(pathPostpaidBill, http.StatusOK, tt.bill)

			product, err := a.ValidateAndPriceProduct(context.Background(), "ignored", "88001122", domain.RechargePostpaid)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, PostpaidProductCode, product.Code)
			assert.True(t, decimal.RequireFromString(tt.wantPrice).Equal(product.Price))
			assert.Equal(t, "88001122", f.lastRequest(pathPostpaidBill)["msisdn"])
		})
	}
}

func testOrder(rt domain.RechargeType, code, price string) *domain.Order {
	return &domain.Order{
		OrderNumber: "ORD1",
		PhoneNumber: "88001122",
		Product: domain.ProductInfo{
			Operator:     domain.OperatorUnitel,
			RechargeType: rt,
			Code:         code,
			Price:        decimal.RequireFromString(price),
		},
		PaymentStatus:  domain.PaymentPaid,
		RechargeStatus: domain.RechargePending,
	}
}

func TestAdapter_DispatchRecharge_Requests(t *testing.T) {
	t.Run("карта пополнения", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathRecharge, http.StatusOK, map[string]any{"result": "success", "code": 0, "seq": "S-1"})

		outcome, err := a.DispatchRecharge(context.Background(), testOrder(domain.RechargeVoice, "SD5000", "5000"))
		require.NoError(t, err)
		assert.Equal(t, domain.ResultSuccess, outcome.Result)
		assert.Equal(t, "S-1", outcome.SequenceID)
		assert.Equal(t, "0", outcome.Code)

		req := f.lastRequest(pathRecharge)
		assert.Equal(t, "88001122", req["msisdn"])
		assert.Equal(t, "SD5000", req["card"])
		assert.Equal(t, "1", req["vatflag"])
		txs := req["transactions"].([]any)
		require.Len(t, txs, 1)
		tx := txs[0].(map[string]any)
		assert.Equal(t, "ORD1", tx["journal_id"])
		assert.Equal(t, "5000", tx["amount"])
		assert.Equal(t, "Recharge", tx["description"])
	})

	t.Run("пакет данных", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathDataPackage, http.StatusOK, map[string]any{"result": "success", "seq_id": 77})

		outcome, err := a.DispatchRecharge(context.Background(), testOrder(domain.RechargeData, "DATA3GB", "3000"))
		require.NoError(t, err)
		assert.Equal(t, "77", outcome.SequenceID)
		assert.Equal(t, "DATA3GB", f.lastRequest(pathDataPackage)["package"])
	})

	t.Run("оплата постоплатного счёта", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathPostpaidPayment, http.StatusOK, map[string]any{"result": "success", "seq": "P-1"})

		_, err := a.DispatchRecharge(context.Background(), testOrder(domain.RechargePostpaid, PostpaidProductCode, "12500.5"))
		require.NoError(t, err)
		req := f.lastRequest(pathPostpaidPayment)
		assert.Equal(t, "12500.5", req["amount"])
		assert.Equal(t, "Bill Payment", req["transactions"].([]any)[0].(map[string]any)["description"])
	})
}

func TestAdapter_DispatchRecharge_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       any
		wantResult domain.OperatorResult
		wantSeq    string
	}{
		{name: "успех без seq — journal", status: http.StatusOK, body: map[string]any{"result": "success"}, wantResult: domain.ResultSuccess, wantSeq: "journal:ORD1"},
		{name: "pending без seq — journal", status: http.StatusOK, body: map[string]any{"result": "processing"}, wantResult: domain.ResultPending, wantSeq: "journal:ORD1"},
		{name: "пустой result — pending", status: http.StatusOK, body: map[string]any{"seq": "S-9"}, wantResult: domain.ResultPending, wantSeq: "S-9"},
		{name: "отказ без seq", status: http.StatusOK, body: map[string]any{"result": "failed", "code": "E01", "msg": "invalid card"}, wantResult: domain.ResultFailed, wantSeq: ""},
		{name: "отказ с seq", status: http.StatusOK, body: map[string]any{"result": "failed", "seq": "S-2"}, wantResult: domain.ResultFailed, wantSeq: "S-2"},
		{name: "4xx — отказ", status: http.StatusBadRequest, body: map[string]any{"error": "bad msisdn"}, wantResult: domain.ResultFailed, wantSeq: ""},
		{name: "5xx — исход неизвестен", status: http.StatusInternalServerError, body: map[string]any{}, wantResult: domain.ResultPending, wantSeq: "journal:ORD1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, f := newTestAdapter(t)
			f.respond(pathRecharge, tt.status, tt.body)

			outcome, err := a.DispatchRecharge(context.Background(), testOrder(domain.RechargeVoice, "SD5000", "5000"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, outcome.Result)
			assert.Equal(t, tt.wantSeq, outcome.SequenceID)
		})
	}
}

func TestAdapter_DispatchRecharge_Timeout(t *testing.T) {
	f, srv := newFakeUnitel(t)
	f.handle(pathRecharge, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	a := NewAdapter(NewClient(cfg))

	_, err := a.DispatchRecharge(context.Background(), testOrder(domain.RechargeVoice, "SD5000", "5000"))
	require.Error(t, err)
	assert.Equal(t, domain.RechargeTimeout, operator.Classify(err))
}

func TestAdapter_DispatchRecharge_AuthFailureIsNotSent(t *testing.T) {
	f, srv := newFakeUnitel(t)
	f.authFails.Store(10)
	a := NewAdapter(NewClient(testConfig(srv.URL)))

	_, err := a.DispatchRecharge(context.Background(), testOrder(domain.RechargeVoice, "SD5000", "5000"))
	require.Error(t, err)
	assert.Equal(t, domain.RechargeFailed, operator.Classify(err))
	assert.Equal(t, 0, f.count(pathRecharge))
}

func TestAdapter_QueryDispatchResult(t *testing.T) {
	t.Run("по seq_id", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathCheckTransaction, http.StatusOK, map[string]any{"result": "success", "status": "success", "code": 0})

		res, err := a.QueryDispatchResult(context.Background(), "S-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ResultSuccess, res.Result)

		req := f.lastRequest(pathCheckTransaction)
		assert.Equal(t, "S-1", req["seq_id"])
		assert.NotContains(t, req, "journal_id")
	})

	t.Run("по journal_id", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathCheckTransaction, http.StatusOK, map[string]any{"result": "success", "status": "failed", "msg": "rejected"})

		res, err := a.QueryDispatchResult(context.Background(), "journal:ORD1")
		require.NoError(t, err)
		assert.Equal(t, domain.ResultFailed, res.Result)
		assert.Equal(t, "rejected", res.Message)

		req := f.lastRequest(pathCheckTransaction)
		assert.Equal(t, "ORD1", req["journal_id"])
		assert.NotContains(t, req, "seq_id")
	})

	t.Run("статус в обработке", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathCheckTransaction, http.StatusOK, map[string]any{"result": "success", "status": "processing"})

		res, err := a.QueryDispatchResult(context.Background(), "S-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ResultPending, res.Result)
	})

	t.Run("ошибка сети", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.respond(pathCheckTransaction, http.StatusBadGateway, map[string]any{})

		_, err := a.QueryDispatchResult(context.Background(), "S-1")
		assert.Error(t, err)
	})
}
