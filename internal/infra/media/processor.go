package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/chai2010/webp"
	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"

	"nexusbot/pkg/logger"
)

// Limites de processamento
const (
	MaxImageSize = 5 * 1024 * 1024
	MinImageSize = 1024

	// Dimensão padrão de figurinhas do WhatsApp
	StickerSize = 512

	JPEGQuality    = 90
	StickerQuality = 80
)

var (
	// ErrImageTooLarge indica imagem acima do limite de tamanho
	ErrImageTooLarge = errors.New("media: image too large")
	// ErrImageTooSmall indica imagem abaixo do mínimo aceito
	ErrImageTooSmall = errors.New("media: image too small")
	// ErrInvalidImage indica payload que não decodifica como imagem
	ErrInvalidImage = errors.New("media: invalid image data")
)

// Processor converte imagens entre os formatos que o transporte aceita:
// JPEG para fotos e WebP quadrado para figurinhas
type Processor struct {
	log logger.Logger
}

// NewProcessor cria o processador de mídia
func NewProcessor(log logger.Logger) *Processor {
	return &Processor{log: log.WithComponent("media-processor")}
}

// ToSticker converte a imagem para o WebP 512x512 exigido por
// figurinhas, preservando a proporção com corte central
func (p *Processor) ToSticker(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	squared := centerCrop(img)
	resized := resize.Resize(StickerSize, StickerSize, squared, resize.Lanczos3)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, resized, &webp.Options{Quality: StickerQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// ToJPEG reencoda a imagem como JPEG
func (p *Processor) ToJPEG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDataURL extrai os bytes de um payload data:image/...;base64
func (p *Processor) DecodeDataURL(payload string) ([]byte, error) {
	if !strings.HasPrefix(payload, "data:image") {
		return nil, fmt.Errorf("%w: payload must start with data:image/", ErrInvalidImage)
	}

	decoded, err := dataurl.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := p.Validate(decoded.Data); err != nil {
		return nil, err
	}
	return decoded.Data, nil
}

// FetchImage baixa uma imagem por URL, validando tipo e tamanho
func (p *Processor) FetchImage(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: content type %s", ErrInvalidImage, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if err := p.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Validate confere limites de tamanho e que o payload decodifica
func (p *Processor) Validate(data []byte) error {
	if len(data) > MaxImageSize {
		return fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}
	if len(data) < MinImageSize {
		return fmt.Errorf("%w: %d bytes", ErrImageTooSmall, len(data))
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return nil
}

// centerCrop recorta o maior quadrado central da imagem
func centerCrop(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == h {
		return img
	}

	side := w
	if h < side {
		side = h
	}
	x0 := bounds.Min.X + (w-side)/2
	y0 := bounds.Min.Y + (h-side)/2
	rect := image.Rect(x0, y0, x0+side, y0+side)

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}

	out := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			out.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return out
}
