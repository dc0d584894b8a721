package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/example/woundscan/internal/auth"
	"github.com/example/woundscan/internal/blobstore"
	"github.com/example/woundscan/internal/config"
	"github.com/example/woundscan/internal/grpcclient"
	"github.com/example/woundscan/internal/handlers"
	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/inference"
	"github.com/example/woundscan/internal/logging"
	"github.com/example/woundscan/internal/platform"
	"github.com/example/woundscan/internal/repository"
	"github.com/example/woundscan/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.App.Name)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Process-wide handles. Each opens on first use and is closed after the server stops.
	db := platform.NewLazy(func(ctx context.Context) (*gorm.DB, error) {
		return repository.OpenPostgres(ctx, cfg.Database.Postgres)
	})
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	modelServer := platform.NewLazy(func(ctx context.Context) (*grpc.ClientConn, error) {
		return grpcclient.DialModelServer(ctx, cfg.Inference.ServerAddr, logger)
	})

	repo := repository.NewCaptureRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	s3Client, err := blobstore.NewS3Client(ctx, cfg.Blob)
	if err != nil {
		logger.Fatal("failed to create blob client", zap.Error(err))
	}
	blobs := blobstore.NewS3Store(s3Client, cfg.Blob.Bucket, cfg.Blob.PublicBaseURL, logger)

	engine, err := newEngine(cfg, modelServer, logger)
	if err != nil {
		logger.Fatal("failed to create inference engine", zap.Error(err))
	}
	registry := inference.NewRegistry(engine, logger)

	opts := usecase.Options{
		UploadTimeout:       cfg.Capture.UploadTimeout,
		PersistTimeout:      cfg.Capture.PersistTimeout,
		CompensationTimeout: cfg.Capture.CompensationTimeout,
		IdempotencyTTL:      cfg.Capture.IdempotencyTTL,
		UploadMaxSide:       cfg.Imaging.UploadMaxSide,
		MaxPixels:           cfg.Imaging.MaxPixels,
		ModelRefs:           cfg.ModelRefs(),
	}
	idempotency := usecase.NewRedisIdempotencyStore(redisClient, logger)
	preprocessor := imageprocessor.NewPreprocessor(cfg.Imaging.InferenceSize)
	preprocessor.MaxPixels = cfg.Imaging.MaxPixels
	submit := usecase.NewCaptureUseCase(repo, blobs, preprocessor, registry, idempotency, opts, logger)
	history := usecase.NewHistoryQueryService(repo, logger)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(handlers.RequestLogger(logger), gin.Recovery())
	r.MaxMultipartMemory = cfg.Capture.MaxUploadBytes
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; every API request will be rejected")
	}
	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, submit, history, authMiddleware, cfg.Capture.MaxUploadBytes)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("capture API listening", zap.String("addr", cfg.Server.Addr))
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)

	if err := registry.Close(); err != nil {
		logger.Warn("failed to release models", zap.Error(err))
	}
	if closer, ok := engine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close inference engine", zap.Error(err))
		}
	}
	if err := modelServer.Close((*grpc.ClientConn).Close); err != nil {
		logger.Warn("failed to close model server connection", zap.Error(err))
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("failed to close redis client", zap.Error(err))
	}
	if err := db.Close(repository.ClosePostgres); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func newEngine(cfg *config.Config, modelServer *platform.Lazy[*grpc.ClientConn], logger *zap.Logger) (inference.Engine, error) {
	switch cfg.Inference.Runtime {
	case "onnx":
		engine, err := inference.NewONNXEngine(inference.ONNXConfig{
			LibraryPath: cfg.Inference.ONNXLibraryPath,
			ModelDir:    cfg.Inference.ModelDir,
			InputName:   cfg.Inference.InputName,
			OutputName:  cfg.Inference.OutputName,
		}, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case "grpc":
		return &sidecarEngine{conn: modelServer, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown inference runtime %q", cfg.Inference.Runtime)
	}
}

// sidecarEngine dials the model server on first use.
type sidecarEngine struct {
	conn   *platform.Lazy[*grpc.ClientConn]
	logger *zap.Logger
}

func (e *sidecarEngine) engine(ctx context.Context) (*grpcclient.ModelServerEngine, error) {
	conn, err := e.conn.Get(ctx)
	if err != nil {
		return nil, err
	}
	return grpcclient.NewModelServerEngine(conn, e.logger), nil
}

func (e *sidecarEngine) Load(ctx context.Context, ref string) (inference.Model, error) {
	engine, err := e.engine(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Load(ctx, ref)
}

func (e *sidecarEngine) Run(ctx context.Context, model inference.Model, input *imageprocessor.Tensor) ([]float32, error) {
	engine, err := e.engine(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, model, input)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
