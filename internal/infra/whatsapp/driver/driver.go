package driver

import (
	"context"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	waLog "go.mau.fi/whatsmeow/util/log"

	"nexusbot/internal/domain/whatsapp"
	"nexusbot/pkg/logger"
)

// Driver implementa whatsapp.SocketDriver sobre um cliente whatsmeow.
// Eventos do transporte são traduzidos para os tipos de domínio e
// mantidos em buffer até FlushBufferedEvents, para que o pipeline de
// mensagens não observe eventos antes dos handlers estarem instalados.
type Driver struct {
	cli       *whatsmeow.Client
	sessionID string
	log       logger.Logger

	handlersMu sync.RWMutex
	handlers   map[uint32]func(evt any)
	nextID     uint32

	bufferMu  sync.Mutex
	buffering bool
	buffer    []any

	getMessage atomic.Value // whatsapp.GetMessageFunc
	waHandler  uint32
}

func newDriver(device *store.Device, sessionID string, waLogger waLog.Logger, log logger.Logger) *Driver {
	d := &Driver{
		cli:       whatsmeow.NewClient(device, waLogger.Sub(sessionID)),
		sessionID: sessionID,
		log:       log.WithComponent("wa-driver").WithField("sessionId", sessionID),
		handlers:  make(map[uint32]func(evt any)),
		buffering: true,
	}
	d.waHandler = d.cli.AddEventHandler(d.translateEvent)
	d.cli.GetMessageForRetry = d.messageForRetry
	return d
}

// UserJID retorna a identidade autenticada, vazio antes do pareamento
func (d *Driver) UserJID() string {
	if d.cli.Store.ID == nil {
		return ""
	}
	return d.cli.Store.ID.String()
}

// Connect abre o socket
func (d *Driver) Connect() error {
	return d.cli.Connect()
}

// Disconnect derruba o socket sem logout
func (d *Driver) Disconnect() {
	d.cli.Disconnect()
}

// IsConnected informa se o socket está aberto
func (d *Driver) IsConnected() bool {
	return d.cli.IsConnected()
}

// IsLoggedIn informa se o device tem credenciais registradas
func (d *Driver) IsLoggedIn() bool {
	return d.cli.IsLoggedIn()
}

// PairPhone solicita um código de pareamento para o número
func (d *Driver) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	code, err := d.cli.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", mapError(err)
	}
	return code, nil
}

// Logout encerra a sessão no servidor e invalida as credenciais
func (d *Driver) Logout(ctx context.Context) error {
	if err := d.cli.Logout(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// AddEventHandler registra um handler de eventos de domínio
func (d *Driver) AddEventHandler(handler func(evt any)) uint32 {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[id] = handler
	return id
}

// RemoveEventHandler remove um handler registrado
func (d *Driver) RemoveEventHandler(id uint32) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	delete(d.handlers, id)
}

// FlushBufferedEvents entrega os eventos retidos e desliga o buffer
func (d *Driver) FlushBufferedEvents() {
	d.bufferMu.Lock()
	buffered := d.buffer
	d.buffer = nil
	d.buffering = false
	d.bufferMu.Unlock()

	if len(buffered) > 0 {
		d.log.Debug().Int("events", len(buffered)).Msg("Flushing buffered events")
	}
	for _, evt := range buffered {
		d.dispatch(evt)
	}
}

// SetGetMessage instala o callback de retry de decriptação
func (d *Driver) SetGetMessage(fn whatsapp.GetMessageFunc) {
	d.getMessage.Store(fn)
}

// emit entrega um evento de domínio, respeitando o buffer pré-flush.
// Atualizações de conexão e credenciais nunca esperam pelo flush, pois
// o gerenciador de conexão depende delas durante o pareamento.
func (d *Driver) emit(evt any) {
	switch evt.(type) {
	case *whatsapp.ConnectionUpdate, *whatsapp.CredsUpdate:
		d.dispatch(evt)
		return
	}

	d.bufferMu.Lock()
	if d.buffering {
		d.buffer = append(d.buffer, evt)
		d.bufferMu.Unlock()
		return
	}
	d.bufferMu.Unlock()

	d.dispatch(evt)
}

func (d *Driver) dispatch(evt any) {
	d.handlersMu.RLock()
	handlers := make([]func(evt any), 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlersMu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

func (d *Driver) loadGetMessage() whatsapp.GetMessageFunc {
	fn, _ := d.getMessage.Load().(whatsapp.GetMessageFunc)
	return fn
}
