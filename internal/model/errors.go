package model

import "errors"

// Ошибки процесса погашения. Все они завершают текущую попытку.
var (
	// ErrInvalidPayload возвращается, если строка не соответствует ни одному известному формату.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrCodeNotFound возвращается, если не найден ни код, ни заведение.
	ErrCodeNotFound = errors.New("code not found")
	// ErrCodeInactive возвращается для деактивированного кода.
	ErrCodeInactive = errors.New("code inactive")
	// ErrScanLimitExceeded возвращается, если исчерпан общий лимит сканирований кода.
	ErrScanLimitExceeded = errors.New("scan limit exceeded")
	// ErrCustomerLimitExceeded возвращается, если клиент уже погасил код максимально допустимое число раз.
	ErrCustomerLimitExceeded = errors.New("customer redemption limit exceeded")
	// ErrPersistence возвращается при любой ошибке обращения к хранилищу.
	ErrPersistence = errors.New("persistence failure")
	// ErrPermissionDenied приходит от источника сканирования и передаётся без изменений.
	ErrPermissionDenied = errors.New("permission denied")
)
