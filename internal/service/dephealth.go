// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// formstore мониторит одну зависимость: PostgreSQL, SQL checker через
// существующий pgxpool (connection pool mode, critical).
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (FS_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB поверх pgxpool (stdlib.OpenDBFromPool)
	DB *sql.DB
	// ConnURL — URL PostgreSQL, используется только для лейблов host/port
	ConnURL string
	// CheckInterval — интервал проверки (FS_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
	// Registerer — Prometheus registerer; nil — глобальный
	Registerer prometheus.Registerer
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга PostgreSQL.
// Зависимость критичная: её отказ отражается в app_dependency_health.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	if cfg.DB == nil {
		return nil, errors.New("dephealth: не задано подключение к PostgreSQL")
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// pgcheck напрямую, без contrib/sqldb с транзитивной зависимостью на MySQL
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.ConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		),
	}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, fmt.Errorf("dephealth: %w", err)
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	if err := ds.dh.Start(ctx); err != nil {
		return err
	}
	ds.logger.Info("Мониторинг PostgreSQL запущен")
	return nil
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг PostgreSQL остановлен")
}

// Healthy сообщает, здорова ли PostgreSQL по последней проверке.
// До первой проверки возвращает false.
func (ds *DephealthService) Healthy() bool {
	return dependencyHealthy(ds.dh.Health(), "postgresql")
}

// dependencyHealthy ищет статус зависимости name. Ключи Health() имеют
// вид "dependency:host:port"; при нескольких эндпоинтах нужны все.
func dependencyHealthy(health map[string]bool, name string) bool {
	found := false
	for key, ok := range health {
		if key != name && !strings.HasPrefix(key, name+":") {
			continue
		}
		if !ok {
			return false
		}
		found = true
	}
	return found
}
