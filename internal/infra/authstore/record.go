package authstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tipos de registro de material de chave, espelhando o layout em disco
const (
	KindPreKey          = "pre-key"
	KindSignedPreKey    = "signed-pre-key"
	KindSession         = "session"
	KindSenderKey       = "sender-key"
	KindAppStateSyncKey = "app-state-sync-key"

	// CredsFileName é o nome do registro de credenciais
	CredsFileName = "creds.json"
)

// Creds é o registro de credenciais, opaco exceto pela validação
type Creds map[string]json.RawMessage

// FreshCreds retorna o estado inicial de uma sessão sem pareamento
func FreshCreds() Creds {
	return Creds{"registered": json.RawMessage("false")}
}

// Registered informa se as credenciais estão marcadas como registradas
func (c Creds) Registered() bool {
	raw, ok := c["registered"]
	if !ok {
		return false
	}
	var registered bool
	if err := json.Unmarshal(raw, &registered); err != nil {
		return false
	}
	return registered
}

// Validate aplica a regra de escrita de creds: noiseKey, signedIdentityKey,
// me, account e registered=true precisam estar presentes. allowPartial
// relaxa a regra durante o pareamento.
func (c Creds) Validate(allowPartial bool) error {
	if allowPartial {
		return nil
	}
	for _, field := range []string{"noiseKey", "signedIdentityKey", "me", "account"} {
		raw, ok := c[field]
		if !ok || len(raw) == 0 || string(raw) == "null" {
			return fmt.Errorf("%w: missing %s", ErrInvalidCreds, field)
		}
	}
	if !c.Registered() {
		return fmt.Errorf("%w: not registered", ErrInvalidCreds)
	}
	return nil
}

// RecordFileName monta o nome do arquivo de um registro de chave
func RecordFileName(kind, id string) string {
	return kind + "-" + sanitizeID(id) + ".json"
}

// sanitizeID neutraliza separadores que quebrariam o layout em disco
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "__", "\\", "__", ":", "-")
	return replacer.Replace(id)
}

// isPreKeyFile informa se o nome de arquivo pertence a um pre-key simples.
// Usado para a supressão de backup em modo degradado.
func isPreKeyFile(fileName string) bool {
	return strings.HasPrefix(fileName, KindPreKey+"-")
}
