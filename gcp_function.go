package workspace_sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/redis/go-redis/v9"
	"github.com/timesheet-app/workspace-sync/config"
	"github.com/timesheet-app/workspace-sync/docstore"
	"github.com/timesheet-app/workspace-sync/httpapi"
	"github.com/timesheet-app/workspace-sync/identity"
	"github.com/timesheet-app/workspace-sync/metrics"
	"github.com/timesheet-app/workspace-sync/workspace"
)

func init() {
	functions.HTTP("WorkspaceSyncHttp", workspaceSyncHttp)
	functions.CloudEvent("WorkspaceSyncPubSub", workspaceSyncPubSub)
}

// syncLockGrace keeps the Redis lock alive past the run timeout while the
// reconciler flushes its audit entry.
const syncLockGrace = 30 * time.Second

type syncRunner interface {
	Sync(ctx context.Context, req workspace.SyncRequest) workspace.SyncResult
}

type application struct {
	cfg     config.Config
	store   docstore.Store
	service syncRunner
	lock    httpapi.ISyncLock
	handler http.Handler
	logger  *slog.Logger
}

var (
	appOnce sync.Once
	app     *application
	appErr  error
)

// loadApplication builds the application once per instance. A failed start
// is reported on every invocation instead of crashing the instance.
func loadApplication() (*application, error) {
	appOnce.Do(func() {
		config.LoadDotEnv()
		var cfg config.Config
		if cfg, appErr = config.Load(); appErr != nil {
			log.Println(appErr)
			return
		}
		if app, appErr = newApplication(context.Background(), cfg); appErr != nil {
			log.Println(appErr)
		}
	})
	return app, appErr
}

func newLogger(cfg config.Config) *slog.Logger {
	var level = slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newApplication(ctx context.Context, cfg config.Config) (a *application, err error) {
	var logger = newLogger(cfg)
	slog.SetDefault(logger)

	if len(cfg.KsmConfigBase64) > 0 {
		var params *workspace.ServiceAccountParameters
		if params, err = workspace.LoadKsmServiceAccount(cfg.KsmConfigBase64, cfg.KsmRecordUID); err != nil {
			return
		}
		params.Apply(&cfg)
		logger.Info("service account loaded from Keeper", slog.String("subject", cfg.WorkspaceAdmin))
	}

	var store docstore.Store
	if cfg.DatabaseURL != "" {
		var pg *docstore.PostgresStore
		if pg, err = docstore.OpenPostgres(cfg.DatabaseURL); err != nil {
			return
		}
		if err = pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return
		}
		store = pg
	} else {
		logger.Warn("DATABASE_URL is not set, documents are kept in memory")
		store = docstore.NewMemoryStore()
	}

	// OAuth is optional: unattended service account syncs work without it.
	var credentials *workspace.CredentialStore
	if oauth, er1 := cfg.OAuth(); er1 == nil {
		var sealer *workspace.Sealer
		if sealer, err = workspace.NewSealer(oauth.EncryptionKey); err != nil {
			return
		}
		credentials = workspace.NewCredentialStore(store.Collection(workspace.TokensCollection), sealer)
	} else {
		logger.Info("interactive OAuth disabled", slog.Any("reason", er1))
	}

	var verifier = identity.NewJWTVerifier([]byte(cfg.AuthTokenSecret), cfg.AuthTokenIssuer,
		store.Collection(identity.RevokedCollection))
	var users = workspace.NewDocumentUserStore(store.Collection(workspace.UsersCollection))
	var reconciler = workspace.NewReconciler(users,
		workspace.NewDocumentAuditLog(store.Collection(workspace.SyncLogsCollection), cfg.Environment),
		workspace.WithWorkers(cfg.SyncWorkers),
		workspace.WithAccountDeleter(verifier),
		workspace.WithReconcilerLogger(logger))
	var auth = workspace.NewGoogleAuth(cfg, credentials, workspace.WithAuthLogger(logger))
	var service = workspace.NewService(auth,
		workspace.NewDirectoryClient(cfg.DirectoryPageTimeout, cfg.DirectoryPagesPerSecond),
		reconciler, cfg.WorkspaceDomain,
		workspace.WithRunTimeout(cfg.SyncTimeout),
		workspace.WithObserver(metrics.SyncRecorder{}),
		workspace.WithServiceLogger(logger))

	metrics.Init()
	var opts = []httpapi.Option{httpapi.WithLogger(logger)}
	var lock httpapi.ISyncLock = &httpapi.MemorySyncLock{}
	if cfg.RedisAddr != "" {
		var client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if er1 := client.Ping(ctx).Err(); er1 != nil {
			logger.Warn("could not connect to Redis", slog.String("addr", cfg.RedisAddr), slog.Any("err", er1))
		}
		opts = append(opts,
			httpapi.WithLoginLimiter(httpapi.NewRedisLoginLimiter(client, cfg.LoginRateLimit, cfg.LoginRateWindow, logger)))
		lock = httpapi.NewRedisSyncLock(client, syncLockTTL(cfg), logger)
	}
	opts = append(opts, httpapi.WithSyncLock(lock))

	a = &application{
		cfg:     cfg,
		store:   store,
		service: service,
		lock:    lock,
		handler: httpapi.New(cfg, service, verifier, users, opts...).Handler(),
		logger:  logger,
	}
	return
}

func syncLockTTL(cfg config.Config) time.Duration {
	return cfg.SyncTimeout + syncLockGrace
}

var errSyncInProgress = errors.New("workspace sync already running")

// syncTrigger is the optional JSON payload of a Pub/Sub message.
type syncTrigger struct {
	Strategy   string `json:"strategy"`
	IdentityID string `json:"identityId"`
}

type pubSubMessage struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

func parseTrigger(e event.Event) (req workspace.SyncRequest, err error) {
	req.Strategy = workspace.StrategyServiceAccount
	var msg pubSubMessage
	if len(e.Data()) > 0 {
		if err = e.DataAs(&msg); err != nil {
			err = fmt.Errorf("pubsub message: %w", err)
			return
		}
	}
	if len(msg.Message.Data) == 0 {
		return
	}
	var trigger syncTrigger
	if err = json.Unmarshal(msg.Message.Data, &trigger); err != nil {
		err = fmt.Errorf("sync trigger payload: %w", err)
		return
	}
	var ok bool
	if req.Strategy, ok = workspace.ParseStrategy(trigger.Strategy); !ok {
		err = fmt.Errorf("unknown sync strategy %q", trigger.Strategy)
		return
	}
	req.IdentityID = trigger.IdentityID
	if req.Strategy == workspace.StrategyOAuth2 && req.IdentityID == "" {
		err = errors.New("identityId is required for the oauth2 strategy")
	}
	return
}

func printStatistics(w io.Writer, result workspace.SyncResult) {
	var status = "Success"
	if !result.Success {
		status = "Failure"
	}
	_, _ = fmt.Fprintf(w, "Sync %s: %s\n", result.RunID, status)
	if len(result.Error) > 0 {
		_, _ = fmt.Fprintf(w, "\t%s\n", result.Error)
	}
	var d = result.Details
	for _, line := range []struct {
		label string
		count int
	}{
		{"Added", d.Added}, {"Updated", d.Updated}, {"Unchanged", d.Unchanged},
		{"Removed", d.Removed}, {"Skipped", d.Skipped}, {"Errors", d.Errors},
	} {
		if line.count > 0 {
			_, _ = fmt.Fprintf(w, "\t%s: %d\n", line.label, line.count)
		}
	}
}

// workspaceSyncHttp serves the whole HTTP API.
func workspaceSyncHttp(w http.ResponseWriter, r *http.Request) {
	var a, err = loadApplication()
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"service is not configured"}`))
		return
	}
	a.handler.ServeHTTP(w, r)
}

// workspaceSyncPubSub runs one sync per Pub/Sub message, for scheduled syncs.
func workspaceSyncPubSub(ctx context.Context, e event.Event) (err error) {
	var a *application
	if a, err = loadApplication(); err != nil {
		return
	}
	return a.runPubSub(ctx, e, os.Stdout)
}

// runPubSub holds the sync lock shared with the HTTP endpoints. A busy or
// unreachable lock fails the invocation so Pub/Sub redelivers the message.
func (a *application) runPubSub(ctx context.Context, e event.Event, out io.Writer) (err error) {
	var req workspace.SyncRequest
	if req, err = parseTrigger(e); err != nil {
		a.logger.Error("invalid sync trigger", slog.String("event", e.ID()), slog.Any("err", err))
		// malformed messages are acknowledged so they are not redelivered
		return nil
	}
	var release func()
	var ok bool
	if release, ok, err = a.lock.TryLock(ctx); err != nil {
		err = fmt.Errorf("sync lock: %w", err)
		return
	}
	if !ok {
		a.logger.Warn("sync already running, message will be retried", slog.String("event", e.ID()))
		err = errSyncInProgress
		return
	}
	defer release()

	var result = a.service.Sync(ctx, req)
	printStatistics(out, result)
	if !result.Success {
		err = errors.New(result.Error)
	}
	return
}
