package driver

import (
	"encoding/base64"
	"encoding/json"

	"go.mau.fi/whatsmeow/util/keys"
	"google.golang.org/protobuf/proto"

	"nexusbot/internal/infra/authstore"
)

// SnapshotCreds espelha o estado do device em um registro de credenciais.
// Persistido via saveCreds na atualização de credenciais, é o que torna
// hasValid e o sync inicial independentes do formato interno do transporte.
func (d *Driver) SnapshotCreds() authstore.Creds {
	dev := d.cli.Store
	creds := authstore.FreshCreds()

	if dev.NoiseKey != nil {
		creds["noiseKey"] = keyPairJSON(dev.NoiseKey)
	}
	if dev.IdentityKey != nil {
		creds["signedIdentityKey"] = keyPairJSON(dev.IdentityKey)
	}
	if len(dev.AdvSecretKey) > 0 {
		creds["advSecretKey"] = bufferJSON(dev.AdvSecretKey)
	}
	if dev.Account != nil {
		if data, err := proto.Marshal(dev.Account); err == nil {
			creds["account"] = bufferJSON(data)
		}
	}
	if dev.ID != nil {
		me, _ := json.Marshal(map[string]string{
			"id":   dev.ID.String(),
			"name": dev.PushName,
		})
		creds["me"] = me
		creds["registered"] = json.RawMessage("true")
	}
	if regID, err := json.Marshal(dev.RegistrationID); err == nil {
		creds["registrationId"] = regID
	}
	if dev.Platform != "" {
		platform, _ := json.Marshal(dev.Platform)
		creds["platform"] = platform
	}
	return creds
}

func keyPairJSON(pair *keys.KeyPair) json.RawMessage {
	payload := map[string]json.RawMessage{
		"public": bufferJSON(pair.Pub[:]),
	}
	if pair.Priv != nil {
		payload["private"] = bufferJSON(pair.Priv[:])
	}
	data, _ := json.Marshal(payload)
	return data
}

// bufferJSON codifica bytes no formato {"type":"Buffer","data":base64}
// usado pelos arquivos de credenciais
func bufferJSON(data []byte) json.RawMessage {
	encoded, _ := json.Marshal(map[string]string{
		"type": "Buffer",
		"data": base64.StdEncoding.EncodeToString(data),
	})
	return encoded
}
