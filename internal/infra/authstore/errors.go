package authstore

import "errors"

// Erros do armazenamento de credenciais
var (
	// ErrInvalidCreds indica um creds.json rejeitado pela validação
	ErrInvalidCreds = errors.New("invalid credentials payload")

	// ErrLocalIO indica falha de I/O no tier primário; fatal para a sessão
	ErrLocalIO = errors.New("local storage failure")

	// ErrSecondaryTimeout indica timeout no tier secundário; não-fatal,
	// contabilizado na saúde do backup
	ErrSecondaryTimeout = errors.New("secondary storage timeout")

	// ErrHandleClosed indica uso de um handle após Close
	ErrHandleClosed = errors.New("auth handle closed")
)
