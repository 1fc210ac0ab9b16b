package group

import (
	"strings"
	"time"
)

// AdminRole indica o papel administrativo de um participante
type AdminRole string

const (
	RoleMember     AdminRole = ""
	RoleAdmin      AdminRole = "admin"
	RoleSuperAdmin AdminRole = "superadmin"
)

// Participant representa um participante do grupo.
// Todo participante carrega um identificador endereçável de chat (JID)
// e um identificador resolvível para telefone.
type Participant struct {
	ID          string    `json:"id"`
	JID         string    `json:"jid,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	Admin       AdminRole `json:"admin,omitempty"`
}

// IsAdmin verifica se o participante tem papel administrativo
func (p *Participant) IsAdmin() bool {
	return p.Admin == RoleAdmin || p.Admin == RoleSuperAdmin
}

// Metadata representa os metadados de um grupo WhatsApp
type Metadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Participants []Participant `json:"participants"`
	Announce     bool          `json:"announce"`
	Restrict     bool          `json:"restrict"`
	FetchedAt    time.Time     `json:"fetchedAt"`
}

// FindParticipant busca um participante por qualquer um de seus identificadores
func (m *Metadata) FindParticipant(id string) *Participant {
	phone := PhonePart(id)
	for i := range m.Participants {
		p := &m.Participants[i]
		if p.ID == id || p.JID == id {
			return p
		}
		if phone != "" && PhonePart(p.PhoneNumber) == phone {
			return p
		}
	}
	return nil
}

// IsParticipantAdmin verifica se um identificador corresponde a um admin do grupo
func (m *Metadata) IsParticipantAdmin(id string) bool {
	p := m.FindParticipant(id)
	return p != nil && p.IsAdmin()
}

// PhonePart extrai a parte numérica de um JID ou número de telefone
func PhonePart(id string) string {
	if id == "" {
		return ""
	}
	user := id
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return strings.TrimPrefix(user, "+")
}

// Normalize garante que todo participante carregue id de chat e telefone.
// Strings vazias são reescritas a partir do identificador disponível.
func (m *Metadata) Normalize() {
	for i := range m.Participants {
		p := &m.Participants[i]
		if p.ID == "" && p.JID != "" {
			p.ID = p.JID
		}
		if p.JID == "" && p.ID != "" {
			p.JID = p.ID
		}
		if p.PhoneNumber == "" {
			p.PhoneNumber = PhonePart(p.ID)
		}
	}
}
