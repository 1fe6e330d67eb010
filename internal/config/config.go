// Пакет config — загрузка и валидация конфигурации formstore
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации formstore.
type Config struct {
	// --- Сервер ---

	// Порт служебного HTTP-сервера (health, metrics)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Хранилище ---

	// Конфигурация полнотекстового поиска PostgreSQL (french, simple...)
	FTSConfig string
	// Размер окна select_iterator по первичному ключу
	IterSize int
	// Регион по умолчанию для нормализации телефонов (E.164)
	PhoneRegion string
	// Размер кэша типов записей
	RegistryCacheSize int
	// Время жизни записи в кэше типов записей
	RegistryCacheTTL time.Duration

	// --- Фоновые задачи ---

	// Интервал очистки устаревших поисковых токенов
	TokenPurgeInterval time.Duration
	// Срок хранения снимков
	SnapshotRetention time.Duration
	// Интервал очистки старых снимков
	SnapshotPruneInterval time.Duration
	// Интервал проверки флагов переиндексации
	ReindexInterval time.Duration
	// Ограничение скорости переиндексации (записей в секунду)
	ReindexRate int
	// Количество таблиц, переиндексируемых параллельно
	ReindexParallelism int

	// --- topologymetrics ---

	// Группа сервиса в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FS_PORT — порт служебного HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("FS_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("FS_PORT: %w", err)
	}
	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FS_PORT: значение %d вне допустимого диапазона 1024-65535", cfg.Port)
	}

	// FS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FS_LOG_LEVEL: %w", err)
	}

	// FS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("FS_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("FS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FS_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("FS_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("FS_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("FS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("FS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("FS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Хранилище ---

	// FS_FTS_CONFIG — имя text search configuration (по умолчанию french)
	cfg.FTSConfig = getEnvDefault("FS_FTS_CONFIG", "french")
	if !isIdentifier(cfg.FTSConfig) {
		return nil, fmt.Errorf("FS_FTS_CONFIG: недопустимое имя конфигурации %q", cfg.FTSConfig)
	}

	// FS_ITER_SIZE — окно select_iterator (по умолчанию 200)
	cfg.IterSize, err = getEnvInt("FS_ITER_SIZE", 200)
	if err != nil {
		return nil, fmt.Errorf("FS_ITER_SIZE: %w", err)
	}
	if cfg.IterSize < 1 || cfg.IterSize > 10000 {
		return nil, fmt.Errorf("FS_ITER_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.IterSize)
	}

	cfg.PhoneRegion = strings.ToUpper(getEnvDefault("FS_PHONE_REGION", "FR"))

	cfg.RegistryCacheSize, err = getEnvInt("FS_REGISTRY_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("FS_REGISTRY_CACHE_SIZE: %w", err)
	}
	if cfg.RegistryCacheSize < 1 {
		return nil, fmt.Errorf("FS_REGISTRY_CACHE_SIZE: значение %d должно быть положительным", cfg.RegistryCacheSize)
	}

	cfg.RegistryCacheTTL, err = getEnvDuration("FS_REGISTRY_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FS_REGISTRY_CACHE_TTL: %w", err)
	}

	// --- Фоновые задачи ---

	cfg.TokenPurgeInterval, err = getEnvDuration("FS_TOKEN_PURGE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FS_TOKEN_PURGE_INTERVAL: %w", err)
	}

	// FS_SNAPSHOT_RETENTION — срок хранения снимков (по умолчанию 90 дней)
	cfg.SnapshotRetention, err = getEnvDuration("FS_SNAPSHOT_RETENTION", 90*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FS_SNAPSHOT_RETENTION: %w", err)
	}

	cfg.SnapshotPruneInterval, err = getEnvDuration("FS_SNAPSHOT_PRUNE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FS_SNAPSHOT_PRUNE_INTERVAL: %w", err)
	}

	cfg.ReindexInterval, err = getEnvDuration("FS_REINDEX_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FS_REINDEX_INTERVAL: %w", err)
	}

	cfg.ReindexRate, err = getEnvInt("FS_REINDEX_RATE", 500)
	if err != nil {
		return nil, fmt.Errorf("FS_REINDEX_RATE: %w", err)
	}
	if cfg.ReindexRate < 1 {
		return nil, fmt.Errorf("FS_REINDEX_RATE: значение %d должно быть положительным", cfg.ReindexRate)
	}

	cfg.ReindexParallelism, err = getEnvInt("FS_REINDEX_PARALLELISM", 2)
	if err != nil {
		return nil, fmt.Errorf("FS_REINDEX_PARALLELISM: %w", err)
	}
	if cfg.ReindexParallelism < 1 || cfg.ReindexParallelism > 32 {
		return nil, fmt.Errorf("FS_REINDEX_PARALLELISM: значение %d вне допустимого диапазона 1-32", cfg.ReindexParallelism)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("FS_DEPHEALTH_GROUP", "formstore")

	cfg.DephealthCheckInterval, err = getEnvDuration("FS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("FS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (postgres://...) для метрик зависимостей.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// MigrateURL возвращает URL для golang-migrate (схема pgx5://).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// isIdentifier проверяет, что строка — простой SQL-идентификатор.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
