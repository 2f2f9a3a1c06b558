package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/StarboundEnt/MVP-sub001/internal/envelope"
	"github.com/StarboundEnt/MVP-sub001/internal/keys"
	"github.com/StarboundEnt/MVP-sub001/internal/platform"
	"github.com/StarboundEnt/MVP-sub001/internal/securestore"
	"github.com/StarboundEnt/MVP-sub001/internal/storage"
)

// App is the fully wired data protection layer.
type App struct {
	Keys        *keys.Manager
	Store       *securestore.Service
	Transformer envelope.Transformer
	Records     storage.RecordStore
	Log         zerolog.Logger
}

// Build constructs the layer from a config: keychain, device key
// manager, record store, secure storage service, and the payload
// transformer. Without a server public key the transformer is a
// passthrough and payloads travel unencrypted.
func Build(cfg *Config) (*App, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: log level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	kc, err := platform.NewFileKeychain(filepath.Join(cfg.DataDir, "keychain"))
	if err != nil {
		return nil, err
	}
	km := keys.NewManager(kc, log)

	var rs storage.RecordStore
	switch cfg.Backend {
	case "badger":
		rs, err = storage.NewBadgerStore(filepath.Join(cfg.DataDir, "records"))
	case "file":
		rs, err = storage.NewFileStore(filepath.Join(cfg.DataDir, "records"))
	default:
		return nil, fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	store := securestore.New(km, rs, log)

	var tr envelope.Transformer
	serverKey, err := cfg.serverKey()
	if err != nil {
		rs.Close()
		return nil, err
	}
	if serverKey == nil {
		log.Warn().Msg("no server public key configured; payload encryption disabled")
		tr = envelope.Passthrough{}
	} else {
		tr = envelope.New(km, serverKey, envelope.Options{
			ServerKeyID: cfg.ServerKeyID,
			MaxSessions: cfg.MaxSessions,
			Strict:      cfg.StrictEnvelope,
			Logger:      log,
		})
	}

	return &App{
		Keys:        km,
		Store:       store,
		Transformer: tr,
		Records:     rs,
		Log:         log,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() error {
	return a.Records.Close()
}
