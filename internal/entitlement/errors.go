package entitlement

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedReceipt: пустой или некорректный чек, сеть не вызывается.
	ErrMalformedReceipt = errors.New("malformed receipt")
	// ErrTransientVerification: сетевая ошибка или таймаут, права не меняются.
	ErrTransientVerification = errors.New("transient verification failure")
	// ErrReceiptRejected: бэкенд окончательно отклонил чек.
	ErrReceiptRejected = errors.New("receipt rejected")
	// ErrPersistence: не удалось записать профиль; запись в памяти остаётся действующей.
	ErrPersistence = errors.New("persistence failure")
	// ErrSessionClosed: сессия пользователя завершена.
	ErrSessionClosed = errors.New("session closed")
)

// RejectedError содержит причину отказа бэкенда.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrReceiptRejected, e.Reason)
}

// Is позволяет сравнивать RejectedError с ErrReceiptRejected через errors.Is.
func (e *RejectedError) Is(target error) bool {
	return target == ErrReceiptRejected
}

// Outcome: видимый пользователю результат операции с подпиской.
type Outcome string

const (
	// OutcomeOK: права подтверждены или не изменились.
	OutcomeOK Outcome = "ok"
	// OutcomePending: подтвердить подписку сейчас не удалось.
	OutcomePending Outcome = "pending"
	// OutcomeNotSubscribed: подписки нет.
	OutcomeNotSubscribed Outcome = "not_subscribed"
)

// Classify сопоставляет ошибку подсистемы с видимым результатом.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrMalformedReceipt), errors.Is(err, ErrReceiptRejected):
		return OutcomeNotSubscribed
	default:
		return OutcomePending
	}
}

// Handled сообщает, описывает ли err результат работы подсистемы прав.
// Прочие ошибки (например, недоступность хранилища при загрузке) считаются
// внутренними и не сводятся к Outcome.
func Handled(err error) bool {
	return errors.Is(err, ErrMalformedReceipt) ||
		errors.Is(err, ErrReceiptRejected) ||
		errors.Is(err, ErrTransientVerification) ||
		errors.Is(err, ErrPersistence)
}
