package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/topup-engine/pkg/logger"
)

// queryLogger пишет SQL GORM через zerolog. Записи получают trace_id
// и номер заказа из контекста запроса, поэтому медленный UPDATE находится
// в логах рядом с HTTP запросом, который его вызвал.
type queryLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newQueryLogger(debug bool, slowThreshold time.Duration) *queryLogger {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return &queryLogger{level: level, slowThreshold: slowThreshold}
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		logger.Ctx(ctx).Info().Interface("args", args).Msg(msg)
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		logger.Ctx(ctx).Warn().Interface("args", args).Msg(msg)
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		logger.Ctx(ctx).Error().Interface("args", args).Msg(msg)
	}
}

// Trace вызывается GORM после каждого запроса.
// Ненайденная запись не ошибка: репозитории превращают её в ErrOrderNotFound.
func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	log := logger.FromContext(ctx)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		log.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("Ошибка SQL запроса")
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		log.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("Медленный SQL запрос")
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		log.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("SQL запрос")
	}
}
