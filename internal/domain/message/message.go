package message

import (
	"time"
)

// Key identifica uma mensagem dentro de um chat
type Key struct {
	ChatJID string `json:"chatJid"`
	ID      string `json:"id"`
}

// Message representa uma mensagem recebida, já desacoplada do driver
type Message struct {
	Key         Key       `json:"key"`
	SenderJID   string    `json:"senderJid"`
	SenderPhone string    `json:"senderPhone"`
	PushName    string    `json:"pushName,omitempty"`
	Text        string    `json:"text,omitempty"`
	IsGroup     bool      `json:"isGroup"`
	IsFromMe    bool      `json:"isFromMe"`
	Timestamp   time.Time `json:"timestamp"`
	Mentions    []string  `json:"mentions,omitempty"`

	// Raw carrega o payload nativo do driver, usado no retry de decriptação
	Raw any `json:"-"`
}
