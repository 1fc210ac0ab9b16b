package whatsapp

import "errors"

// Variantes de resultado usadas nas fronteiras do AuthStore, GroupCache e
// wrapper de envio. Caminhos que no runtime original usavam exceções como
// controle de fluxo são classificados aqui com errors.Is.
var (
	// ErrRateLimited indica rate limit do servidor; nunca é retentado às cegas
	ErrRateLimited = errors.New("rate overlimit")

	// ErrForbidden indica que o bot não participa do grupo (403)
	ErrForbidden = errors.New("forbidden")

	// ErrNotAuthorized indica operação negada para a conta
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidJID indica destinatário com JID malformado
	ErrInvalidJID = errors.New("invalid jid")

	// ErrRecipientNotFound indica destinatário inexistente
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrSendTimeout indica estouro do timeout por chamada de envio
	ErrSendTimeout = errors.New("send timeout")

	// ErrNoValidAuth indica ausência de credenciais válidas para conectar
	ErrNoValidAuth = errors.New("no valid auth state")

	// ErrPairingTimeout indica que o transporte não ficou pronto para pareamento
	ErrPairingTimeout = errors.New("pairing timeout")

	// ErrSocketClosed indica socket derrubado durante a operação
	ErrSocketClosed = errors.New("socket closed")

	// ErrNotConnected indica operação sobre sessão sem socket vivo
	ErrNotConnected = errors.New("driver not connected")
)

// IsTransient classifica erros de transporte que merecem retry
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidJID) ||
		errors.Is(err, ErrRecipientNotFound) {
		return false
	}
	return errors.Is(err, ErrSendTimeout) ||
		errors.Is(err, ErrSocketClosed) ||
		errors.Is(err, ErrNotConnected)
}
