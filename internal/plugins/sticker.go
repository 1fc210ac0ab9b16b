package plugins

import (
	"context"
	"strings"

	"nexusbot/internal/domain/plugin"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/infra/media"
)

// NewSticker cria o comando que converte uma imagem (URL ou data URL)
// em figurinha WebP
func NewSticker(proc *media.Processor) *plugin.Plugin {
	return &plugin.Plugin{
		ID:       "sticker",
		Name:     "Sticker",
		Category: plugin.CategoryMain,
		Commands: []string{"sticker"},
		Aliases:  []string{"s", "fig"},
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			if len(env.Args) == 0 {
				return env.Reply(ctx, "Envie a URL da imagem: sticker <url>")
			}

			source := env.Args[0]
			var data []byte
			var err error
			if strings.HasPrefix(source, "data:image") {
				data, err = proc.DecodeDataURL(source)
			} else {
				data, err = proc.FetchImage(source)
			}
			if err != nil {
				return env.Reply(ctx, "Não consegui baixar essa imagem.")
			}

			webpData, err := proc.ToSticker(data)
			if err != nil {
				return env.Reply(ctx, "Essa imagem não pôde ser convertida em figurinha.")
			}

			return env.Send(ctx, env.Message.Key.ChatJID, &whatsapp.OutgoingMessage{
				StickerWebP: webpData,
			})
		},
	}
}
