package session

import (
	"errors"
	"fmt"
)

// Erros de domínio específicos para sessões
var (
	// ErrSessionNotFound indica que a sessão não foi encontrada
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyExists indica que já existe uma sessão para o usuário
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrSessionAlreadyConnected indica que a sessão já está conectada
	ErrSessionAlreadyConnected = errors.New("session already connected")

	// ErrSessionNotConnected indica que a sessão não está conectada
	ErrSessionNotConnected = errors.New("session not connected")

	// ErrSessionConnecting indica que a sessão está em processo de conexão
	ErrSessionConnecting = errors.New("session is connecting")

	// ErrInvalidPhoneNumber indica que o número de telefone é inválido
	ErrInvalidPhoneNumber = errors.New("invalid phone number")

	// ErrInvalidSource indica que a origem da sessão é inválida
	ErrInvalidSource = errors.New("invalid session source")
)

// SessionError representa um erro específico de sessão com contexto adicional
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError cria um novo erro de sessão
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{
		SessionID: sessionID,
		Op:        op,
		Err:       err,
	}
}
