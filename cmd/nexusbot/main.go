package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nexusbot/internal/app"
	"nexusbot/internal/app/config"
	"nexusbot/internal/app/server"
	"nexusbot/internal/http/router"
	"nexusbot/pkg/logger"
)

func main() {
	// Carregar configuração
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Configurar logger usando as configurações do .env
	log := logger.Setup(cfg).WithComponent("main")

	log.WithFields(map[string]interface{}{
		"env":  cfg.App.Env,
		"port": cfg.App.Port,
	}).Info().Msg("Starting nexusbot")

	// Montar o grafo de dependências
	container, err := app.NewContainer(context.Background(), cfg, log)
	if err != nil {
		log.WithError(err).Fatal().Msg("Failed to initialize container")
	}
	defer container.Close()

	// Reabrir as sessões persistidas com auth válida
	container.SessionManager.RestoreSessions(context.Background())

	// Configurar router e servidor HTTP
	handler := router.New(log, container.SessionHandler, container.HealthHandler, cfg.AllowedOrigins())
	srv := server.New(cfg, handler, log)

	// Canal para capturar sinais do sistema
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Fatal().Msg("Failed to start server")
		}
	}()

	log.Info().Msg("nexusbot started successfully")

	// Aguardar sinal de parada
	<-stop

	// Graceful shutdown: drena o HTTP antes de fechar sockets e banco
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.WithError(err).Error().Msg("Error during server shutdown")
	}

	log.Info().Msg("Application stopped")
}
