package whatsapp

import (
	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/message"
)

// ConnectionState estado de transporte reportado pelo driver
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "close"
)

// DisconnectCode código de status carregado por uma desconexão
type DisconnectCode int

// Códigos de stream conhecidos do servidor
const (
	CodeLoggedOut          DisconnectCode = 401
	CodeTimedOut           DisconnectCode = 408
	CodeMultideviceError   DisconnectCode = 411
	CodeBadSession         DisconnectCode = 500
	CodeConnectionClosed   DisconnectCode = 428
	CodeConnectionLost     DisconnectCode = 408
	CodeConnectionReplaced DisconnectCode = 440
	CodeUnavailable        DisconnectCode = 503
	CodeRestartRequired    DisconnectCode = 515
)

// ConnectionUpdate evento de mudança de estado do transporte
type ConnectionUpdate struct {
	State ConnectionState
	Code  DisconnectCode
	Err   error
}

// CredsUpdate sinaliza que o material de credenciais mudou e deve ser persistido
type CredsUpdate struct{}

// MessagesUpsert lote de mensagens recebidas
type MessagesUpsert struct {
	Messages []*message.Message
	// Type é "notify" para mensagens novas e "append" para histórico
	Type string
}

// MessageUpdate atualização de status/conteúdo de uma mensagem
type MessageUpdate struct {
	Key    message.Key
	Status string
}

// MessagesUpdate lote de atualizações de mensagens
type MessagesUpdate struct {
	Updates []MessageUpdate
}

// GroupUpdate atualização parcial de metadados de grupo
type GroupUpdate struct {
	JID      string
	Subject  *string
	Announce *bool
	Restrict *bool
}

// GroupsUpdate lote de atualizações de grupos
type GroupsUpdate struct {
	Updates []GroupUpdate
}

// ParticipantAction ação sobre participantes de um grupo
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

// GroupParticipantsUpdate mudança de participantes em um grupo
type GroupParticipantsUpdate struct {
	GroupJID     string
	Action       ParticipantAction
	Participants []group.Participant
}

// ContactUpdate atualização de contato
type ContactUpdate struct {
	JID      string
	PushName string
}

// ContactsUpdate lote de atualizações de contatos
type ContactsUpdate struct {
	Updates []ContactUpdate
}

// CallEvent chamada recebida
type CallEvent struct {
	CallID  string
	FromJID string
	Status  string
}

// LIDMappingUpdate novo mapeamento LID → JID de telefone
type LIDMappingUpdate struct {
	LID string
	JID string
}
