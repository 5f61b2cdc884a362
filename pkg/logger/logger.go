// Package logger — структурированное логирование на базе zerolog.
// JSON в production, pretty-print при разработке. Сообщения пишутся на русском.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Config содержит настройки логгера.
type Config struct {
	// Level: debug, info, warn, error. По умолчанию info.
	Level string

	// Pretty включает цветной консольный вывод вместо JSON.
	Pretty bool

	// Service добавляется полем service в каждую запись.
	Service string

	// Output по умолчанию os.Stdout.
	Output io.Writer
}

// До вызова Init логгер настраивается из LOG_LEVEL и LOG_PRETTY,
// чтобы ошибки загрузки конфигурации тоже попадали в лог.
func init() {
	Init(Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Pretty: strings.EqualFold(os.Getenv("LOG_PRETTY"), "true"),
	})
}

// Init настраивает глобальный логгер.
func Init(cfg Config) {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)

	ctx := zerolog.New(output).Level(level).With().Timestamp().Caller()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	log = ctx.Logger()

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// MaskPhone оставляет в номере телефона только последние четыре цифры.
// Номер абонента в логах нужен для поиска, но не целиком.
func MaskPhone(phone string) string {
	const visible = 4
	if len(phone) <= visible {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-visible) + phone[len(phone)-visible:]
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

// Fatal пишет запись и завершает процесс с кодом 1.
func Fatal() *zerolog.Event { return log.Fatal() }

// With создаёт дочерний логгер с дополнительными полями.
//
//	log := logger.With().Str("component", "scheduler").Logger()
func With() zerolog.Context {
	return log.With()
}
