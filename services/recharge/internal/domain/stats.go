package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyStat — агрегат оплаченных заказов за сутки по статусу пополнения.
type DailyStat struct {
	Status        RechargeStatus
	Count         int64
	SumSource     decimal.Decimal // Сумма в валюте оператора (MNT)
	SumSettlement decimal.Decimal // Сумма к оплате (CNY)
}

// DailyReport — отчёт за сутки [From, To).
type DailyReport struct {
	From  time.Time
	To    time.Time
	Stats []DailyStat
}

// Total возвращает общее количество заказов и сумму в валюте оператора.
func (r *DailyReport) Total() (int64, decimal.Decimal) {
	var count int64
	sum := decimal.Zero
	for _, s := range r.Stats {
		count += s.Count
		sum = sum.Add(s.SumSource)
	}
	return count, sum
}

// OrderCount — число созданных заказов в разрезе оператора, типа и статусов.
type OrderCount struct {
	Operator       Operator
	RechargeType   RechargeType
	PaymentStatus  PaymentStatus
	RechargeStatus RechargeStatus
	Count          int64
}

// UserStats — пользователи: всего и зарегистрированные за период.
type UserStats struct {
	Total int64
	New   int64
}

// OrderStats — заказы, созданные за период.
type OrderStats struct {
	Total            int64
	Unpaid           int64
	Paid             int64
	ByRechargeStatus map[RechargeStatus]int64 // Только оплаченные
	ByOperator       map[Operator]int64
	ByRechargeType   map[RechargeType]int64
}

// RevenueStats — оплаченные за период заказы и выручка.
type RevenueStats struct {
	PaidOrders    int64
	SumSource     decimal.Decimal
	SumSettlement decimal.Decimal
	// SuccessSettlement — выручка только по выполненным пополнениям.
	SuccessSettlement decimal.Decimal
	ByStatus          []DailyStat
}

// Statistics — сводка для администратора за [From, To).
type Statistics struct {
	From    time.Time
	To      time.Time
	Users   UserStats
	Orders  OrderStats
	Revenue RevenueStats
}

// SummarizeOrders сворачивает группы заказов в OrderStats.
func SummarizeOrders(counts []OrderCount) OrderStats {
	s := OrderStats{
		ByRechargeStatus: make(map[RechargeStatus]int64),
		ByOperator:       make(map[Operator]int64),
		ByRechargeType:   make(map[RechargeType]int64),
	}
	for _, c := range counts {
		s.Total += c.Count
		s.ByOperator[c.Operator] += c.Count
		s.ByRechargeType[c.RechargeType] += c.Count
		if c.PaymentStatus != PaymentPaid {
			s.Unpaid += c.Count
			continue
		}
		s.Paid += c.Count
		s.ByRechargeStatus[c.RechargeStatus] += c.Count
	}
	return s
}

// SummarizeRevenue сворачивает агрегаты оплаченных заказов в RevenueStats.
func SummarizeRevenue(stats []DailyStat) RevenueStats {
	r := RevenueStats{
		SumSource:         decimal.Zero,
		SumSettlement:     decimal.Zero,
		SuccessSettlement: decimal.Zero,
		ByStatus:          stats,
	}
	for _, s := range stats {
		r.PaidOrders += s.Count
		r.SumSource = r.SumSource.Add(s.SumSource)
		r.SumSettlement = r.SumSettlement.Add(s.SumSettlement)
		if s.Status == RechargeSuccess {
			r.SuccessSettlement = r.SuccessSettlement.Add(s.SumSettlement)
		}
	}
	return r
}
