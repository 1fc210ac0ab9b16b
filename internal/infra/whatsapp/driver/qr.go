package driver

import (
	"context"
	"os"

	"github.com/mdp/qrterminal/v3"
)

// StartQRLogin conecta o socket coletando o canal de QR e renderiza cada
// código no terminal. Fallback para quando não há número de telefone
// disponível para o pareamento por código.
func (d *Driver) StartQRLogin(ctx context.Context) error {
	qrChan, err := d.cli.GetQRChannel(ctx)
	if err != nil {
		return mapError(err)
	}

	if err := d.cli.Connect(); err != nil {
		return mapError(err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				d.log.Info().Msg("Scan the QR code below to pair")
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			case "success":
				d.log.Info().Msg("QR pairing succeeded")
			case "timeout":
				d.log.Warn().Msg("QR code expired without scan")
			}
		}
	}()
	return nil
}
