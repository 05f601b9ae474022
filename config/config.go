package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置，所有字段都可以通过环境变量（或 .env 文件）覆盖
type Config struct {
	// HTTP
	ListenAddr        string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration // 0 表示不限制，长音频需要
	RequestsPerSecond float64       // 可能触发生产的请求限流，0 表示不限
	RequestBurst      int

	// 外部工具
	YtDlpPath      string
	YtDlpExtraArgs string // 空格分隔，追加在 URL 之前
	FFmpegPath     string
	FFprobePath    string
	AudioFormat    string // mp3、m4a 或 ogg
	AudioBitrate   string // e.g., "192k"

	// 进程控制
	MaxProcesses      int
	MaxOutputBytes    int
	RetrieveTimeout   time.Duration
	TranscodeTimeout  time.Duration
	ProbeTimeout      time.Duration
	KillGracePeriod   time.Duration
	RetrieveRetries   int
	RetryBackoff      time.Duration
	CancelOrphanedJob bool

	// 本地曲库
	StoreRoot       string
	StoreMaxBytes   int64
	StoreMaxEntries int
	ReservationTTL  time.Duration
	WatchStore      bool

	// 日志
	LogLevel   string
	LogFile    string
	LogConsole bool

	// Redis 任务看板
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// MinIO 远端镜像
	MinioEnabled   bool
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string
	MinioPrefix    string

	// MySQL 生产记录
	HistoryEnabled bool
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string

	// 管理接口
	AdminJWTSecret string
	AdminTokenTTL  time.Duration
}

// getEnv 读取环境变量，不存在时返回默认值
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt 以 int 读取环境变量，不存在或非法时返回默认值
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return fallback
}

// getEnvDuration 接受 Go 时长字符串（"90s"、"5m"）
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return fallback
}

// Load 从环境变量（含 .env 文件）加载配置，缺省时使用默认值
func Load() *Config {
	// godotenv.Load() 不会覆盖已有的环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv 只从当前环境构建配置，不读取 .env 文件
func FromEnv() *Config {
	dataBase := getEnv("DATA_DIR", "data")
	retries := getEnvInt("RETRIEVE_RETRIES", 1)
	if retries < 0 {
		retries = 0
	}
	if retries > 3 {
		retries = 3 // 重试次数有上限，避免无限重试
	}

	return &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":3000"),
		ReadTimeout:       getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      getEnvDuration("HTTP_WRITE_TIMEOUT", 0),
		RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 5),
		RequestBurst:      getEnvInt("RATE_LIMIT_BURST", 10),

		YtDlpPath:      getEnv("YTDLP_PATH", "yt-dlp"),
		YtDlpExtraArgs: getEnv("YTDLP_EXTRA_ARGS", ""),
		FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:    getEnv("FFPROBE_PATH", "ffprobe"),
		AudioFormat:    getEnv("AUDIO_FORMAT", "mp3"),
		AudioBitrate:   getEnv("AUDIO_BITRATE", "192k"),

		MaxProcesses:      getEnvInt("MAX_PROCESSES", 4),
		MaxOutputBytes:    getEnvInt("MAX_PROCESS_OUTPUT", 64*1024),
		RetrieveTimeout:   getEnvDuration("RETRIEVE_TIMEOUT", 5*time.Minute),
		TranscodeTimeout:  getEnvDuration("TRANSCODE_TIMEOUT", 5*time.Minute),
		ProbeTimeout:      getEnvDuration("PROBE_TIMEOUT", 30*time.Second),
		KillGracePeriod:   getEnvDuration("KILL_GRACE_PERIOD", 5*time.Second),
		RetrieveRetries:   retries,
		RetryBackoff:      getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		CancelOrphanedJob: getEnvBool("CANCEL_ORPHANED_JOBS", false),

		StoreRoot:       getEnv("STORE_ROOT", filepath.Join(dataBase, "tracks")),
		StoreMaxBytes:   getEnvInt64("STORE_MAX_BYTES", 2<<30),
		StoreMaxEntries: getEnvInt("STORE_MAX_ENTRIES", 0),
		ReservationTTL:  getEnvDuration("RESERVATION_TTL", 30*time.Minute),
		WatchStore:      getEnvBool("WATCH_STORE", true),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFile:    getEnv("LOG_FILE", filepath.Join(dataBase, "logs", "tubefm.log")),
		LogConsole: getEnvBool("LOG_CONSOLE", false),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTTL:      getEnvDuration("REDIS_JOB_TTL", time.Hour),

		MinioEnabled:   getEnvBool("MINIO_ENABLED", false),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "tubefm"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioPrefix:    getEnv("MINIO_PREFIX", "tracks"),

		HistoryEnabled: getEnvBool("HISTORY_ENABLED", false),
		DBHost:         getEnv("DB_HOST", "127.0.0.1"),
		DBPort:         getEnv("DB_PORT", "3306"),
		DBUser:         getEnv("DB_USER", "root"),
		DBPassword:     os.Getenv("DB_PASSWORD"), // 密码不设默认值
		DBName:         getEnv("DB_NAME", "tubefm"),

		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		AdminTokenTTL:  getEnvDuration("ADMIN_TOKEN_TTL", 24*time.Hour),
	}
}
