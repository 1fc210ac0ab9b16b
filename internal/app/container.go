package app

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"nexusbot/internal/app/config"
	"nexusbot/internal/dispatch"
	sessiondomain "nexusbot/internal/domain/session"
	"nexusbot/internal/domain/user"
	"nexusbot/internal/http/handlers"
	"nexusbot/internal/infra/authstore"
	"nexusbot/internal/infra/cache"
	"nexusbot/internal/infra/database"
	"nexusbot/internal/infra/dedup"
	"nexusbot/internal/infra/media"
	"nexusbot/internal/infra/whatsapp/connection"
	"nexusbot/internal/infra/whatsapp/driver"
	wasession "nexusbot/internal/infra/whatsapp/session"
	"nexusbot/internal/plugins"
	"nexusbot/pkg/logger"
	"nexusbot/pkg/ratebucket"
)

// Container gerencia todas as dependências da aplicação
type Container struct {
	Config *config.Config

	// Database
	DB *bun.DB

	// Repositories
	SessionRepo sessiondomain.Repository
	UserRepo    user.Repository

	// WhatsApp
	AuthStore      *authstore.Store
	DriverFactory  *driver.Factory
	Connections    *connection.Manager
	SessionManager *wasession.Manager
	GroupCache     *cache.GroupCache
	SendBucket     *ratebucket.Bucket

	// Dispatch
	Registry   *dispatch.Registry
	Ledger     *dedup.Ledger
	Dispatcher *dispatch.Dispatcher

	// Handlers
	SessionHandler *handlers.SessionHandler
	HealthHandler  *handlers.HealthHandler

	// Logger
	Logger logger.Logger
}

// NewContainer monta o grafo de dependências do runtime
func NewContainer(ctx context.Context, cfg *config.Config, log logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: log.WithComponent("container"),
	}

	if err := c.initDatabase(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := c.initWhatsApp(ctx, cfg, log); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initDispatch(cfg, log); err != nil {
		c.Close()
		return nil, err
	}
	c.initHandlers(log)

	c.Logger.Info().Msg("Container initialized successfully")
	return c, nil
}

// initDatabase abre o Postgres e roda as migrações
func (c *Container) initDatabase(_ context.Context, cfg *config.Config, log logger.Logger) error {
	debug := cfg.App.Env == "development"
	db, err := database.NewDatabase(cfg.GetDatabaseDSN(), debug, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.RunMigrations(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	c.DB = db
	c.SessionRepo = database.NewSessionRepository(db)
	c.UserRepo = database.NewUserSettingsRepository(db)
	return nil
}

// initWhatsApp monta o auth store dual-tier, o factory de drivers, o
// gerenciador de conexões e o de sessões
func (c *Container) initWhatsApp(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	// O tier secundário existe nos dois modos; a diferença é a política
	// de escrita: em modo file os backups de pre-key são suprimidos
	// enquanto o secundário está insalubre
	backups := database.NewAuthBackupRepository(c.DB)

	c.AuthStore = authstore.NewStore(authstore.Options{
		BaseDir:  cfg.Auth.BaseDir,
		FileMode: cfg.Auth.StorageMode == config.StorageFile,
	}, backups, log)

	factory, err := driver.NewFactory(ctx, cfg.GetDatabaseDSN(), log)
	if err != nil {
		return fmt.Errorf("failed to open driver factory: %w", err)
	}
	c.DriverFactory = factory

	connOpts := connection.DefaultOptions()
	connOpts.Enable515Flow = cfg.WhatsApp.Enable515Flow
	c.Connections = connection.NewManager(factory, c.AuthStore, c.SessionRepo, connOpts, log)

	c.GroupCache = cache.NewGroupCache(log)
	c.SendBucket = ratebucket.New(cfg.WhatsApp.SendGap)
	return nil
}

// initDispatch monta o registro de plugins, o ledger e o dispatcher, e
// por fim o SessionManager que os consome via HandlerInstaller
func (c *Container) initDispatch(cfg *config.Config, log logger.Logger) error {
	c.Registry = dispatch.NewRegistry(log)
	c.Ledger = dedup.NewLedger(dedup.DefaultOptions(), log)
	c.Dispatcher = dispatch.NewDispatcher(c.Registry, c.Ledger, c.GroupCache, c.UserRepo, cfg.Dispatch.Prefix, log)

	processor := media.NewProcessor(log)
	c.Registry.RegisterAll(plugins.BuiltIn(c.UserRepo, processor)...)

	if cfg.Dispatch.AutoReload && cfg.Dispatch.PluginConfigDir != "" {
		if err := c.Registry.Watch(cfg.Dispatch.PluginConfigDir); err != nil {
			// Sem watcher o registro continua servindo o conjunto embutido
			log.WithError(err).Warn().Str("dir", cfg.Dispatch.PluginConfigDir).Msg("Plugin overlay watch disabled")
		}
	}

	sessOpts := wasession.DefaultOptions()
	sessOpts.ChannelJID = cfg.WhatsApp.ChannelJID
	c.SessionManager = wasession.NewManager(
		c.SessionRepo,
		c.Connections,
		c.AuthStore,
		c.DriverFactory,
		c.GroupCache,
		c.SendBucket,
		c.Dispatcher,
		nil,
		sessOpts,
		log,
	)
	return nil
}

// initHandlers inicializa os handlers da superfície administrativa
func (c *Container) initHandlers(log logger.Logger) {
	c.SessionHandler = handlers.NewSessionHandler(c.SessionManager, c.SessionRepo, log)
	c.HealthHandler = handlers.NewHealthHandler(c.SessionManager, c.DB)
}

// Close encerra o container e todos os seus recursos, na ordem inversa
// da montagem
func (c *Container) Close() error {
	c.Logger.Info().Msg("Closing container")

	if c.SessionManager != nil {
		c.SessionManager.Shutdown()
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Close()
	}
	if c.Registry != nil {
		c.Registry.Close()
	}
	if c.Ledger != nil {
		c.Ledger.Stop()
	}
	if c.SendBucket != nil {
		c.SendBucket.Close()
	}
	if c.Connections != nil {
		c.Connections.Close()
	}
	if c.AuthStore != nil {
		c.AuthStore.Close()
	}
	if c.DriverFactory != nil {
		if err := c.DriverFactory.Close(); err != nil {
			c.Logger.WithError(err).Error().Msg("Failed to close driver factory")
		}
	}

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.WithError(err).Error().Msg("Failed to close database")
			return err
		}
	}

	c.Logger.Info().Msg("Container closed successfully")
	return nil
}
