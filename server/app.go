package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tubefm/cache"
	"tubefm/config"
	"tubefm/core/audio"
	"tubefm/core/job"
	"tubefm/core/process"
	"tubefm/core/stream"
	"tubefm/db"
	"tubefm/logger"
	"tubefm/metrics"
	"tubefm/model"
	"tubefm/repository"
	"tubefm/storage"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// App 组装好的服务组件，HTTP 服务和命令行共用
type App struct {
	Config      *config.Config
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Runner      *process.ExecRunner
	Store       *storage.TrackStore
	Coordinator *job.Coordinator
	Writer      *stream.Writer
	Hub         *JobHub

	// 可选组件，未启用时为 nil
	Mirror  *storage.MinioMirror
	Board   *cache.JobBoard
	History repository.TrackHistoryRepository
	gormDB  *gorm.DB

	stopWatch context.CancelFunc
}

// AppOptions 控制组装哪些部分
type AppOptions struct {
	// Integrations 为 false 时不连接 Redis、MinIO 和 MySQL，命令行的本地操作使用
	Integrations bool
	// Watch 启动缓存目录监听
	Watch bool
}

// NewApp 根据 cfg 组装存储、外部工具和协调器，可选集成连接失败时记录日志并跳过
func NewApp(cfg *config.Config, opts AppOptions) (*App, error) {
	if _, ok := audio.LookupProfile(cfg.AudioFormat); !ok {
		return nil, fmt.Errorf("unsupported audio format %q, expected one of %v", cfg.AudioFormat, audio.Formats())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	store, err := storage.NewTrackStore(storage.Options{
		Root:           cfg.StoreRoot,
		Policy:         storage.LRUPolicy{MaxBytes: cfg.StoreMaxBytes, MaxEntries: cfg.StoreMaxEntries},
		ReservationTTL: cfg.ReservationTTL,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	stats, err := store.Recover()
	if err != nil {
		return nil, fmt.Errorf("recover track store: %w", err)
	}
	used, count := store.Usage()
	logger.Info("曲库恢复完成",
		logger.String("root", store.Root()),
		logger.Int("indexed", stats.Indexed),
		logger.Int("reclaimed", stats.Reclaimed),
		logger.Int("entries", count),
		logger.String("size", humanize.IBytes(uint64(used))))
	store.Enforce()

	runner := process.NewExecRunner(process.Options{
		MaxConcurrent:  int64(cfg.MaxProcesses),
		MaxOutputBytes: cfg.MaxOutputBytes,
		KillGrace:      cfg.KillGracePeriod,
		Metrics:        m,
	})
	retriever := audio.NewRetriever(runner, audio.RetrieverOptions{
		YtDlpPath: cfg.YtDlpPath,
		ExtraArgs: strings.Fields(cfg.YtDlpExtraArgs),
		Timeout:   cfg.RetrieveTimeout,
		Retries:   cfg.RetrieveRetries,
		Backoff:   cfg.RetryBackoff,
	})
	transcoder := audio.NewTranscoder(runner, audio.TranscoderOptions{
		FFmpegPath: cfg.FFmpegPath,
		Bitrate:    cfg.AudioBitrate,
		Timeout:    cfg.TranscodeTimeout,
		Prober:     audio.NewFFprobe(runner, cfg.FFprobePath, cfg.ProbeTimeout),
	})

	app := &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		Runner:   runner,
		Store:    store,
		Writer:   stream.NewWriter(store),
		Hub:      NewJobHub(),
	}

	jobOpts := job.Options{
		Format:         cfg.AudioFormat,
		CancelOrphaned: cfg.CancelOrphanedJob,
		Metrics:        m,
		Observers:      []job.Observer{app.Hub},
	}
	if opts.Integrations {
		app.connectIntegrations()
		if app.Mirror != nil {
			jobOpts.Mirror = app.Mirror
		}
		if app.Board != nil {
			jobOpts.Observers = append(jobOpts.Observers, app.Board)
		}
		if app.History != nil {
			jobOpts.History = app.History
		}
	}
	app.Coordinator = job.NewCoordinator(store, retriever, transcoder, jobOpts)

	if opts.Watch && cfg.WatchStore {
		ctx, cancel := context.WithCancel(context.Background())
		app.stopWatch = cancel
		go func() {
			if err := store.Watch(ctx); err != nil {
				logger.Warn("缓存目录监听退出", logger.ErrorField(err))
			}
		}()
	}
	return app, nil
}

func (a *App) connectIntegrations() {
	cfg := a.Config

	if cfg.MinioEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mirror, err := storage.NewMinioMirror(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		cancel()
		if err != nil {
			logger.Warn("MinIO 不可用，禁用远端镜像", logger.ErrorField(err))
		} else {
			a.Mirror = mirror
		}
	}

	if cfg.RedisEnabled {
		client, err := cache.ConnectRedis(cfg)
		if err != nil {
			logger.Warn("Redis 不可用，禁用任务看板", logger.ErrorField(err))
		} else {
			a.Board = cache.NewJobBoard(client, cfg.RedisTTL)
			logger.Info("Redis 任务看板已启用", logger.String("addr", cfg.RedisHost+":"+cfg.RedisPort))
		}
	}

	if cfg.HistoryEnabled {
		gdb, err := db.ConnectGormDB(cfg)
		if err == nil {
			err = db.AutoMigrateModels(gdb, &model.TrackRecord{})
		}
		if err != nil {
			logger.Warn("MySQL 不可用，禁用生产记录", logger.ErrorField(err))
			db.CloseGormDB(gdb)
		} else {
			a.gormDB = gdb
			a.History = repository.NewGormTrackHistoryRepository(gdb)
		}
	}
}

// Close 停止任务并释放所有连接，任务最多等到 ctx 到期
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.Coordinator != nil {
		if err := a.Coordinator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.Hub.Close()
	if a.Board != nil {
		if err := a.Board.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := db.CloseGormDB(a.gormDB); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
