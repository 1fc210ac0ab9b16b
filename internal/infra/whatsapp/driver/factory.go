package driver

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/lib/pq"

	"nexusbot/pkg/logger"
)

// Factory constrói drivers a partir do container de devices do whatsmeow.
// Um device por sessão; sessões já pareadas são localizadas pelo JID.
type Factory struct {
	container *sqlstore.Container
	log       logger.Logger
	waLogger  waLog.Logger
}

// NewFactory abre o container SQLStore sobre o Postgres compartilhado
func NewFactory(ctx context.Context, dsn string, log logger.Logger) (*Factory, error) {
	// Ruído de keepalive e app state do whatsmeow não interessa nos logs
	filter := logger.NewSuppressFilter(
		"keepalive",
		"app state",
		"unhandled",
	)
	waLogger := logger.NewWhatsmeowLoggerAdapter(log.WithComponent("whatsmeow"), filter)

	container, err := sqlstore.New(ctx, "postgres", dsn, waLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open device container: %w", err)
	}

	return &Factory{
		container: container,
		log:       log,
		waLogger:  waLogger,
	}, nil
}

// ForSession devolve um driver para a sessão: reusa o device pareado
// quando waJID é conhecido, senão cria um device novo para pareamento
func (f *Factory) ForSession(ctx context.Context, sessionID, waJID string) (*Driver, error) {
	if waJID != "" {
		jid, err := types.ParseJID(waJID)
		if err == nil {
			device, err := f.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("failed to load device for %s: %w", sessionID, err)
			}
			if device != nil {
				return newDriver(device, sessionID, f.waLogger, f.log), nil
			}
		}
	}

	device := f.container.NewDevice()
	return newDriver(device, sessionID, f.waLogger, f.log), nil
}

// DeleteDevice remove o device da sessão do container
func (f *Factory) DeleteDevice(ctx context.Context, waJID string) error {
	if waJID == "" {
		return nil
	}
	jid, err := types.ParseJID(waJID)
	if err != nil {
		return nil
	}
	device, err := f.container.GetDevice(ctx, jid)
	if err != nil || device == nil {
		return err
	}
	return f.container.DeleteDevice(ctx, device)
}

// Close encerra o container
func (f *Factory) Close() error {
	return f.container.Close()
}
