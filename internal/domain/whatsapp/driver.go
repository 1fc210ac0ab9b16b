package whatsapp

import (
	"context"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/message"
)

// GetMessageFunc é o callback usado pelo driver durante retries de
// decriptação; retorna nil quando a mensagem não é conhecida
type GetMessageFunc func(chatJID, messageID string) *message.Message

// RegistrationCheck resultado da verificação de registro de um número
type RegistrationCheck struct {
	Phone  string `json:"phone"`
	JID    string `json:"jid,omitempty"`
	Exists bool   `json:"exists"`
}

// NewsletterInfo metadados mínimos de um canal
type NewsletterInfo struct {
	JID        string `json:"jid"`
	Name       string `json:"name"`
	Subscribed bool   `json:"subscribed"`
}

// OutgoingMessage representa o conteúdo de uma mensagem de saída.
// Apenas um dos campos de conteúdo deve estar preenchido.
type OutgoingMessage struct {
	Text        string
	ImageJPEG   []byte
	StickerWebP []byte
	Caption     string

	Mentions            []string
	QuotedID            string
	EphemeralExpiration uint32
}

// HasMentions verifica se a mensagem carrega menções
func (m *OutgoingMessage) HasMentions() bool {
	return len(m.Mentions) > 0
}

// WithoutMentions retorna uma cópia da mensagem sem menções.
// Usado no fallback de rate limit: menções forçam o driver a buscar
// metadados do grupo, o que multiplica o orçamento de rate limit.
func (m *OutgoingMessage) WithoutMentions() *OutgoingMessage {
	clone := *m
	clone.Mentions = nil
	return &clone
}

// SendReceipt resultado de um envio bem-sucedido
type SendReceipt struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// SocketDriver é o contrato que o core espera do cliente WhatsApp.
// A implementação real (whatsmeow) vive em internal/infra/whatsapp/driver;
// o core nunca importa a biblioteca de transporte diretamente.
type SocketDriver interface {
	// UserJID retorna a identidade pós-conexão (vazio antes de autenticar)
	UserJID() string

	// Connect abre o socket; Disconnect o derruba sem logout
	Connect() error
	Disconnect()
	IsConnected() bool

	// IsLoggedIn indica se há credenciais registradas no device
	IsLoggedIn() bool

	// PairPhone solicita um código de pareamento para o número informado
	PairPhone(ctx context.Context, phoneNumber string) (string, error)

	// Logout encerra a sessão no servidor e invalida as credenciais
	Logout(ctx context.Context) error

	// SendMessage envia a mensagem crua, sem retry nem rate limiting;
	// o wrapper de envio do SessionManager cuida dessas políticas
	SendMessage(ctx context.Context, toJID string, msg *OutgoingMessage) (*SendReceipt, error)

	// GroupMetadata busca metadados de grupo direto do servidor
	GroupMetadata(ctx context.Context, groupJID string) (*group.Metadata, error)

	// OnWhatsApp verifica se números estão registrados
	OnWhatsApp(ctx context.Context, phones ...string) ([]RegistrationCheck, error)

	// Operações de newsletter/canal
	FollowNewsletter(ctx context.Context, jid string) error
	SubscribeNewsletterUpdates(ctx context.Context, jid string) error
	UnmuteNewsletter(ctx context.Context, jid string) error
	NewsletterMetadata(ctx context.Context, jid string) (*NewsletterInfo, error)

	// PinChat fixa ou desafixa um chat
	PinChat(ctx context.Context, jid string, pinned bool) error

	// ResolveLID mapeia um LID para o JID de telefone; drivers sem
	// suporte retornam o identificador inalterado
	ResolveLID(ctx context.Context, lid string) (string, error)

	// AddEventHandler registra um handler para os eventos do driver;
	// eventos emitidos antes de FlushBufferedEvents ficam em buffer
	AddEventHandler(handler func(evt any)) uint32
	RemoveEventHandler(id uint32)
	FlushBufferedEvents()

	// SetGetMessage instala o callback de retry de decriptação
	SetGetMessage(fn GetMessageFunc)
}
