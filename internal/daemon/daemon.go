package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soitun/effectai-engine/internal/api"
	"github.com/soitun/effectai-engine/internal/health"
	"github.com/soitun/effectai-engine/internal/infra/events"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
	"github.com/soitun/effectai-engine/internal/loop"
	"github.com/soitun/effectai-engine/internal/p2p"
	"github.com/soitun/effectai-engine/internal/payments"
	"github.com/soitun/effectai-engine/internal/registry"
	"github.com/soitun/effectai-engine/internal/security"
	"github.com/soitun/effectai-engine/internal/tasks"
)

// Daemon is the Manager runtime. It wires together all subsystems.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Bus       *events.Bus
	Identity  *security.Identity
	Signer    *payments.Signer
	Registry  *registry.Registry
	Engine    *tasks.Engine
	Ledger    *payments.Ledger
	Loop      *loop.Loop
	Transport *p2p.Server
	Server    *api.Server
	Health    *health.Checker

	version    string
	startTime  time.Time
	started    bool
	ledgerStop chan struct{}
	cancel     context.CancelFunc
}

// New creates and initializes a Daemon with all subsystems wired.
func New(version string) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, version)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, version string) (*Daemon, error) {
	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = effectHome()
	}

	db, err := sqlite.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	bus := events.NewBus(256)

	// Transport identity (Ed25519). A key configured under [node] wins
	// over the persisted identity file.
	var id *security.Identity
	if cfg.Node.PrivateKey != "" {
		id, err = security.IdentityFromHex(cfg.Node.PrivateKey)
	} else {
		id, err = security.LoadIdentity(dataDir)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load identity: %w", err)
	}

	// Payment signing key: first 32 bytes of the configured private key,
	// falling back to the identity's seed when none is configured.
	seed := id.PaymentSeed()
	if cfg.Payments.PrivateKey != "" {
		seed, err = hex.DecodeString(cfg.Payments.PrivateKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("decode payment private key: %w", err)
		}
	}
	signer, err := payments.NewSigner(seed)
	if err != nil {
		db.Close()
		return nil, err
	}

	reg, err := registry.New(db, bus, cfg.Manager.RequireAccessCodes)
	if err != nil {
		db.Close()
		return nil, err
	}

	var vkey []byte
	if cfg.Payments.VerificationKeyFile != "" {
		vkey, err = os.ReadFile(cfg.Payments.VerificationKeyFile)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("read verification key: %w", err)
		}
	}
	ledger := payments.New(payments.Config{
		BatchSize:       cfg.Payments.BatchSize,
		PaymentAccount:  cfg.Payments.PaymentAccount,
		VerificationKey: vkey,
	}, db, bus, signer)

	engine, err := tasks.New(tasks.Config{
		AcceptanceTime: cfg.Manager.ParsedAcceptanceTime(),
	}, db, bus, reg)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine.SetAccruer(ledger)

	d := &Daemon{
		Config:     cfg,
		DB:         db,
		Bus:        bus,
		Identity:   id,
		Signer:     signer,
		Registry:   reg,
		Engine:     engine,
		Ledger:     ledger,
		version:    version,
		ledgerStop: make(chan struct{}),
	}

	router := p2p.NewRouter(p2p.Identity{
		PeerID:             id.PeerID(),
		Version:            version,
		RequireAccessCodes: cfg.Manager.RequireAccessCodes,
		PaymentPublicKey:   signer.PublicKeyHex(),
	}, reg, engine, ledger, db)

	d.Transport = p2p.NewServer(p2p.Config{
		Port:     cfg.P2P.Port,
		Listen:   cfg.P2P.Listen,
		Announce: cfg.P2P.Announce,
	}, router, reg)
	engine.SetSender(d.Transport)
	ledger.SetMisbehaveHandler(d.Transport.Disconnect)

	d.Loop = loop.New(loop.Config{
		TickInterval:  cfg.Manager.ParsedTickInterval(),
		AutoManage:    cfg.Manager.AutoManage,
		DrainDeadline: 30 * time.Second,
	}, engine, bus)

	d.Health = health.NewChecker(db, dataDir, engine)

	srv := api.NewServer(d, engine, reg, db)
	srv.SetAdminEnabled(cfg.Manager.WithAdmin)
	srv.SetHealth(d.Health)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// Serve starts the transport, control loop, and admin server, and blocks
// until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startTime = time.Now()
	d.started = true

	// Ledger outbox drain (replays unprocessed accruals first)
	go d.Ledger.Run(d.ledgerStop)

	go d.Health.Run(ctx)

	d.Loop.Start(ctx)

	go func() {
		if err := d.Transport.Start(); err != nil {
			log.Printf("[daemon] transport error: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", d.Config.HTTP.Host, d.Config.HTTP.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer shutdownCancel()

		d.Loop.Stop() // graceful drain, announces manager:stop
		d.Transport.Stop(shutdownCtx)
		close(d.ledgerStop)
		d.started = false
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	log.Printf("[daemon] manager %s serving http://%s, p2p ws://%s",
		shortID(d.Identity.PeerID()), addr, d.Transport.Addr())
	if d.Config.Telemetry.Prometheus {
		log.Printf("[daemon] metrics: http://%s/metrics", addr)
	}
	if !d.Ledger.Enabled() {
		log.Printf("[daemon] payments disabled (no payment_account configured)")
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources without the graceful drain.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// ─── api.StatusSource ───────────────────────────────────────────────────────

func (d *Daemon) PeerID() string               { return d.Identity.PeerID() }
func (d *Daemon) Version() string              { return d.version }
func (d *Daemon) IsStarted() bool              { return d.started }
func (d *Daemon) StartTime() time.Time         { return d.startTime }
func (d *Daemon) Cycle() uint64                { return d.Loop.Cycle() }
func (d *Daemon) RequireAccessCodes() bool     { return d.Config.Manager.RequireAccessCodes }
func (d *Daemon) AnnouncedAddresses() []string { return d.Config.P2P.Announce }
func (d *Daemon) PaymentPublicKey() string     { return d.Signer.PublicKeyHex() }

func shortID(peerID string) string {
	if len(peerID) > 16 {
		return peerID[:16]
	}
	return peerID
}
