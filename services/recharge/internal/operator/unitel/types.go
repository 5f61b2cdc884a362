package unitel

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Транзакция в запросе на пополнение. journal_id = номер заказа:
// по нему оператор дедуплицирует запросы и ищет их при сверке.
type transaction struct {
	JournalID   string `json:"journal_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Account     string `json:"account"`
}

type serviceTypeRequest struct {
	MSISDN string `json:"msisdn"`
	Info   string `json:"info"`
}

type rechargeRequest struct {
	MSISDN        string        `json:"msisdn"`
	Card          string        `json:"card"`
	VATFlag       string        `json:"vatflag"`
	VATRegisterNo string        `json:"vat_register_no"`
	Transactions  []transaction `json:"transactions"`
}

type dataPackageRequest struct {
	MSISDN        string        `json:"msisdn"`
	Package       string        `json:"package"`
	VATFlag       string        `json:"vatflag"`
	VATRegisterNo string        `json:"vat_register_no"`
	Transactions  []transaction `json:"transactions"`
}

type postpaidBillRequest struct {
	Owner  string `json:"owner"`
	MSISDN string `json:"msisdn"`
}

type postpaidPaymentRequest struct {
	MSISDN        string        `json:"msisdn"`
	Amount        string        `json:"amount"`
	Remark        string        `json:"remark"`
	VATFlag       string        `json:"vatflag"`
	VATRegisterNo string        `json:"vat_register_no"`
	Transactions  []transaction `json:"transactions"`
}

type checkTransactionRequest struct {
	SeqID     string `json:"seq_id,omitempty"`
	JournalID string `json:"journal_id,omitempty"`
}

// authResponse — ответ POST /auth.
type authResponse struct {
	AccessToken string `json:"access_token"`
}

// catalogItem — позиция каталога. Поля приходят то строкой, то числом,
// поэтому читаем в any и приводим через cast.
type catalogItem struct {
	Code    any `json:"code"`
	Name    any `json:"name"`
	EngName any `json:"eng_name"`
	Price   any `json:"price"`
	Unit    any `json:"unit"`
	Data    any `json:"data"`
	Days    any `json:"days"`
}

func (i catalogItem) code() string { return cast.ToString(i.Code) }

func (i catalogItem) price() decimal.Decimal {
	p, err := decimal.NewFromString(cast.ToString(i.Price))
	if err != nil {
		return decimal.Zero
	}
	return p
}

// serviceTypeResponse — ответ POST /service/servicetype.
type serviceTypeResponse struct {
	Result  string `json:"result"`
	Code    any    `json:"code"`
	Msg     string `json:"msg"`
	Service struct {
		Cards struct {
			Day     []catalogItem `json:"day"`
			NoDay   []catalogItem `json:"noday"`
			Special []catalogItem `json:"special"`
		} `json:"cards"`
		Data struct {
			Data          []catalogItem `json:"data"`
			Days          []catalogItem `json:"days"`
			Entertainment []catalogItem `json:"entertainment"`
		} `json:"data"`
	} `json:"service"`
}

// cards — карты пополнения баланса.
func (r *serviceTypeResponse) cards() []catalogItem {
	s := r.Service.Cards
	items := make([]catalogItem, 0, len(s.Day)+len(s.NoDay)+len(s.Special))
	items = append(items, s.Day...)
	items = append(items, s.NoDay...)
	return append(items, s.Special...)
}

// dataPackages — пакеты интернета.
func (r *serviceTypeResponse) dataPackages() []catalogItem {
	s := r.Service.Data
	items := make([]catalogItem, 0, len(s.Data)+len(s.Days)+len(s.Entertainment))
	items = append(items, s.Data...)
	items = append(items, s.Days...)
	return append(items, s.Entertainment...)
}

// dispatchResponse — ответ на recharge / datapackage / postpaid payment.
type dispatchResponse struct {
	Result        string `json:"result"`
	Code          any    `json:"code"`
	Msg           string `json:"msg"`
	Seq           any    `json:"seq"`
	SeqID         any    `json:"seq_id"`
	TransactionID any    `json:"transaction_id"`
}

// sequenceID возвращает seq, иначе seq_id (старый формат ответа).
func (r *dispatchResponse) sequenceID() string {
	if s := cast.ToString(r.Seq); s != "" {
		return s
	}
	return cast.ToString(r.SeqID)
}

// postpaidBillResponse — ответ POST /service/postpaid/bill.
type postpaidBillResponse struct {
	Result        string `json:"result"`
	Code          any    `json:"code"`
	Msg           string `json:"msg"`
	TotalUnpaid   any    `json:"total_unpaid"`
	InvoiceStatus string `json:"invoice_status"`
	InvoiceAmount any    `json:"invoice_amount"`
	InvoiceDate   string `json:"invoice_date"`
}

// checkTransactionResponse — ответ POST /service/checktransaction.
type checkTransactionResponse struct {
	Result string `json:"result"`
	Code   any    `json:"code"`
	Msg    string `json:"msg"`
	Status string `json:"status"`
	SeqID  any    `json:"seq_id"`
}
