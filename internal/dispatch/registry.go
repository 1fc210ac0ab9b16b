package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"nexusbot/internal/domain/plugin"
	"nexusbot/pkg/logger"
)

const reloadDebounce = 1 * time.Second

// overlay é a configuração externa de um plugin, carregada de um arquivo
// JSON com o nome do plugin. Permite desligar comandos e acrescentar
// aliases sem recompilar.
type overlay struct {
	Disabled     bool     `json:"disabled"`
	ExtraAliases []string `json:"extraAliases,omitempty"`
}

// Registry guarda os plugins registrados e mantém o índice de comandos.
// O índice é um mapa imutável trocado atomicamente; lookups nunca pegam
// lock.
type Registry struct {
	log logger.Logger

	mu        sync.Mutex
	plugins   map[string]*plugin.Plugin
	overlays  map[string]overlay
	configDir string

	index atomic.Value // map[string]*plugin.Plugin
	antis atomic.Value // []*plugin.Plugin

	watcher  *fsnotify.Watcher
	reloadT  *time.Timer
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry cria um registro vazio
func NewRegistry(log logger.Logger) *Registry {
	r := &Registry{
		log:      log.WithComponent("plugin-registry"),
		plugins:  make(map[string]*plugin.Plugin),
		overlays: make(map[string]overlay),
		stop:     make(chan struct{}),
	}
	r.index.Store(map[string]*plugin.Plugin{})
	r.antis.Store([]*plugin.Plugin{})
	return r
}

// Register adiciona um plugin e reconstrói o índice
func (r *Registry) Register(p *plugin.Plugin) {
	r.mu.Lock()
	r.plugins[p.ID] = p
	r.mu.Unlock()
	r.rebuild()
}

// RegisterAll adiciona vários plugins com uma única reconstrução
func (r *Registry) RegisterAll(plugins ...*plugin.Plugin) {
	r.mu.Lock()
	for _, p := range plugins {
		r.plugins[p.ID] = p
	}
	r.mu.Unlock()
	r.rebuild()
}

// Lookup resolve um comando para seu plugin em O(1); nil quando não há
func (r *Registry) Lookup(command string) *plugin.Plugin {
	index := r.index.Load().(map[string]*plugin.Plugin)
	return index[strings.ToLower(command)]
}

// Antis retorna os anti-plugins ativos
func (r *Registry) Antis() []*plugin.Plugin {
	return r.antis.Load().([]*plugin.Plugin)
}

// Commands retorna os comandos indexados, para a superfície de status
func (r *Registry) Commands() []string {
	index := r.index.Load().(map[string]*plugin.Plugin)
	out := make([]string, 0, len(index))
	for cmd := range index {
		out = append(out, cmd)
	}
	return out
}

// rebuild reconstrói o índice de comandos e a lista de anti-plugins a
// partir dos plugins registrados e dos overlays carregados
func (r *Registry) rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := make(map[string]*plugin.Plugin)
	antis := make([]*plugin.Plugin, 0)

	for id, p := range r.plugins {
		ov, hasOverlay := r.overlays[id]
		if hasOverlay && ov.Disabled {
			continue
		}

		for _, cmd := range p.AllCommands() {
			index[strings.ToLower(cmd)] = p
		}
		if hasOverlay {
			for _, alias := range ov.ExtraAliases {
				index[strings.ToLower(alias)] = p
			}
		}
		if p.IsAnti() {
			antis = append(antis, p)
		}
	}

	r.index.Store(index)
	r.antis.Store(antis)

	r.log.Debug().
		Int("plugins", len(r.plugins)).
		Int("commands", len(index)).
		Int("antis", len(antis)).
		Msg("Command index rebuilt")
}

// Watch instala o watcher recursivo no diretório de overlays e começa o
// hot reload. Mudanças são agrupadas em uma janela de debounce antes de
// recarregar.
func (r *Registry) Watch(configDir string) error {
	if err := r.loadOverlays(configDir); err != nil {
		return err
	}
	r.rebuild()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = watcher
	r.configDir = configDir

	err = filepath.WalkDir(configDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	go r.watchLoop()
	r.log.Info().Str("dir", configDir).Msg("Plugin overlay watcher started")
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.stop:
			return
		case evt, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Diretórios novos entram no watch para manter a recursão
			if evt.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(evt.Name); statErr == nil && info.IsDir() {
					_ = r.watcher.Add(evt.Name)
				}
			}
			r.scheduleReload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Warn().Msg("Plugin watcher error")
		}
	}
}

// scheduleReload agenda (ou reinicia) o reload após a janela de debounce
func (r *Registry) scheduleReload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reloadT != nil {
		r.reloadT.Stop()
	}
	r.reloadT = time.AfterFunc(reloadDebounce, func() {
		if err := r.loadOverlays(r.configDir); err != nil {
			r.log.WithError(err).Warn().Msg("Overlay reload failed")
			return
		}
		r.rebuild()
		r.log.Info().Msg("Plugin overlays reloaded")
	})
}

// loadOverlays lê todos os arquivos JSON do diretório de configuração.
// O nome do arquivo (sem extensão) identifica o plugin.
func (r *Registry) loadOverlays(configDir string) error {
	overlays := make(map[string]overlay)

	err := filepath.WalkDir(configDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return walkErr
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			r.log.WithError(readErr).Warn().Str("file", path).Msg("Failed to read overlay file")
			return nil
		}

		var ov overlay
		if jsonErr := json.Unmarshal(data, &ov); jsonErr != nil {
			r.log.WithError(jsonErr).Warn().Str("file", path).Msg("Invalid overlay file, skipping")
			return nil
		}

		id := strings.TrimSuffix(filepath.Base(path), ".json")
		overlays[id] = ov
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.overlays = overlays
	r.mu.Unlock()
	return nil
}

// Close para o watcher e timers
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		if r.reloadT != nil {
			r.reloadT.Stop()
		}
		r.mu.Unlock()
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}
