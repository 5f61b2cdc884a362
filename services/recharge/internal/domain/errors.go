// Package domain содержит заказ пополнения, его машину состояний и доменные ошибки.
package domain

import "errors"

// Доменные ошибки сервиса пополнений.
var (
	// ErrOrderNotFound возвращается, когда заказ не найден или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("заказ не найден")

	// ErrOwnerNotFound возвращается, когда владелец заказа не зарегистрирован.
	ErrOwnerNotFound = errors.New("пользователь не найден")

	// ErrInvalidProduct возвращается, когда товара нет в каталоге оператора.
	ErrInvalidProduct = errors.New("товар не найден в каталоге оператора")

	// ErrRateUnavailable возвращается, когда курс валют не настроен.
	ErrRateUnavailable = errors.New("курс валют недоступен")

	// ErrUnsupportedOperator возвращается для оператора без адаптера.
	ErrUnsupportedOperator = errors.New("оператор не поддерживается")

	// ErrInvalidRechargeType возвращается для неизвестного типа пополнения.
	ErrInvalidRechargeType = errors.New("неизвестный тип пополнения")

	// ErrInvalidPhoneNumber возвращается для пустого номера телефона.
	ErrInvalidPhoneNumber = errors.New("некорректный номер телефона")

	// ErrInvalidState возвращается, когда операция недопустима в текущем состоянии заказа.
	ErrInvalidState = errors.New("операция недопустима в текущем состоянии заказа")

	// ErrConcurrentUpdate — условное обновление не затронуло ни одной строки:
	// заказ уже обработал другой процесс.
	ErrConcurrentUpdate = errors.New("заказ изменён параллельно")

	// ErrBillAlreadyPaid возвращается, когда счёт постоплатного номера уже оплачен.
	ErrBillAlreadyPaid = errors.New("счёт уже оплачен")

	// ErrNoOutstandingBill возвращается, когда у постоплатного номера нет задолженности.
	ErrNoOutstandingBill = errors.New("нет задолженности для оплаты")

	// ErrInvalidPeriod возвращается, когда начало периода не раньше конца.
	ErrInvalidPeriod = errors.New("некорректный период")

	// ErrDuplicateOrder возвращается при коллизии номера заказа.
	ErrDuplicateOrder = errors.New("заказ с таким номером уже существует")
)
