// Package app wires the sync daemon together: storage, identity, trust, the
// sync engine, and the transport listener, with graceful shutdown on signals.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/config"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/engine"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/handshake"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/shared"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/storage"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/trust"
)

const shutdownTimeout = 5 * time.Second

// promptPassphrase is a seam for tests, which cannot attach a terminal.
var promptPassphrase = func() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return passphrase, err
}

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	engine *engine.Engine
}

// NewApp opens the database, runs migrations, derives the device identity
// from the vault passphrase, and builds the sync engine.
func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := storage.Open(c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := storage.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	device, err := storage.EnsureLocalDevice(ctx, db, c.DeviceName)
	if err != nil {
		db.Close()
		return nil, err
	}

	passphrase, err := promptPassphrase()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	vaultKey := cipher.DeriveVaultKey(passphrase, device.KeySalt)
	shared.WipeByteArray(passphrase)

	identity, err := handshake.IdentityFromVaultKey(vaultKey, device.DeviceID, device.DeviceName)
	shared.WipeByteArray(vaultKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		DB:       db,
		Identity: identity,
		Trust:    trust.NewSQLiteRepository(db),
		Logger:   logger,
		Dial:     transport.OpenChannel,
		Timeouts: engine.Timeouts{
			Handshake: c.HandshakeTimeout,
			Manifest:  c.ManifestTimeout,
			Pull:      c.PullTimeout,
			Push:      c.PushTimeout,
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &App{config: c, logger: logger, db: db, engine: eng}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run either performs a single sync with the configured peer or serves
// inbound sessions until a termination signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.db.Close()

	app.logger.Info(ctx, "starting sync daemon")

	app.initSignalHandler(cancelFunc)

	if app.config.PeerAddr != "" {
		app.syncOnce(ctx)
	} else {
		app.serve(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.engine.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn(ctx, "shutdown incomplete", "error", err)
	}
}

func (app *App) syncOnce(ctx context.Context) {
	host, portStr, err := net.SplitHostPort(app.config.PeerAddr)
	if err != nil {
		app.logger.Error(ctx, "invalid peer address", "addr", app.config.PeerAddr, "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		app.logger.Error(ctx, "invalid peer port", "addr", app.config.PeerAddr, "error", err)
		return
	}

	report, err := app.engine.SyncWithDevice(ctx, host, port)
	if err != nil {
		app.logger.Error(ctx, "sync failed", "peer", app.config.PeerAddr, "error", err)
		return
	}
	app.logger.Info(ctx, "sync finished",
		"peer_device_id", report.PeerDeviceID,
		"pulled", report.Pulled,
		"pushed", report.Pushed,
		"conflicts", report.Conflicts,
		"partial_failure", report.PartialFailure)
}

func (app *App) serve(ctx context.Context) {
	addr := net.JoinHostPort(app.config.ListenAddr, strconv.Itoa(app.config.ListenPort))
	listener := transport.NewListener(addr, func(ctx context.Context, ch transport.MessageChannel) {
		if _, err := app.engine.Serve(ctx, ch); err != nil {
			app.logger.Warn(ctx, "inbound session ended with error", "error", err)
		}
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := listener.Shutdown(shutdownCtx); err != nil {
			app.logger.Warn(ctx, "listener shutdown incomplete", "error", err)
		}
	}()

	app.logger.Info(ctx, "listening for peers", "addr", addr)
	if err := listener.ListenAndServe(); err != nil {
		app.logger.Error(ctx, "listener failed", "error", err)
	}
}
