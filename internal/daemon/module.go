package daemon

import (
	"context"
	"time"

	"github.com/campusline/chatsync/internal/api"
	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/chat"
	"github.com/campusline/chatsync/internal/config"
	"github.com/campusline/chatsync/internal/lock"
	"github.com/campusline/chatsync/internal/logging"
	"github.com/campusline/chatsync/internal/msgstore"
	"github.com/campusline/chatsync/internal/rest"
	"github.com/campusline/chatsync/internal/session"
	"github.com/campusline/chatsync/internal/status"
	"github.com/campusline/chatsync/internal/store"
	syncengine "github.com/campusline/chatsync/internal/sync"
	"github.com/campusline/chatsync/internal/transport"
	"github.com/campusline/chatsync/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideProfile,
			provideCredentials,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMessageStore,
			provideRESTClient,
			provideTransport,
			provideSyncEngine,
			provideUploader,
			provideFacade,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideProfile(p Params) (*config.Profile, error) {
	prof, err := config.LoadProfile(session.ProfilePath(p.Profile), session.EnvPath(p.Profile))
	if err != nil {
		return nil, err
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return prof, nil
}

func provideCredentials(prof *config.Profile) (session.Credentials, error) {
	return session.NewCredentials(prof.Token, prof.UserID, time.Now())
}

func provideLogger(p Params, prof *config.Profile) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, prof.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	path := session.CachePath(p.Profile)
	db, result, err := store.OpenMigrated(path)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache opened", zap.String("path", path))
	return db, nil
}

func provideMessageStore(prof *config.Profile) *msgstore.Store {
	return msgstore.New(prof.ShadowWindow)
}

func provideRESTClient(prof *config.Profile) *rest.Client {
	return rest.New(prof.APIBaseURL, nil)
}

func provideTransport(prof *config.Profile, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Session {
	return transport.NewSession(transport.Options{
		URL:                  prof.WSURL,
		HeartbeatInterval:    prof.HeartbeatInterval,
		MaxReconnectAttempts: prof.MaxReconnectAttempts,
	}, m, b, logger)
}

func provideSyncEngine(st *msgstore.Store, client *rest.Client, sess *transport.Session, db *store.DB, b *bus.Bus, logger *zap.Logger) *syncengine.Engine {
	return syncengine.NewEngine(st, client, sess, db, b, logger)
}

func provideUploader(prof *config.Profile, logger *zap.Logger) (upload.Uploader, error) {
	up, err := upload.New(prof.Cloudinary)
	if err != nil {
		return nil, err
	}
	if _, ok := up.(upload.Disabled); ok {
		logger.Info("image upload disabled, no cloudinary cloud name configured")
	}
	return up, nil
}

func provideFacade(prof *config.Profile, st *msgstore.Store, engine *syncengine.Engine, sess *transport.Session, client *rest.Client, db *store.DB, up upload.Uploader, b *bus.Bus, logger *zap.Logger) *chat.Facade {
	return chat.New(chat.Deps{
		Store:     st,
		Engine:    engine,
		Transport: sess,
		API:       client,
		Cache:     db,
		Uploader:  up,
		Bus:       b,
		Logger:    logger,
	}, chat.Options{
		TypingTTL:       prof.TypingTTL,
		HistoryPageSize: prof.HistoryPageSize,
	})
}

func provideService(p Params, f *chat.Facade, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, f, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, svc *api.Service, lk *lock.Lock, db *store.DB, creds session.Credentials, engine *syncengine.Engine, facade *chat.Facade, sess *transport.Session, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := facade.Login(creds); err != nil {
				return err
			}
			logger.Info("logged in", zap.String("user_id", creds.UserID))

			// Engine first: it must see every rt.* frame the facade triggers.
			engine.Start(context.Background())
			facade.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.Close()
			srv.Stop(ctx)
			facade.Stop()
			engine.Stop()
			sess.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
