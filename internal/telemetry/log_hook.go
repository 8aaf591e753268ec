package telemetry

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
)

// logHook forwards logrus entries to an otel logger.
type logHook struct {
	logger otellog.Logger
	levels []log.Level
}

func newLogHook(logger otellog.Logger) *logHook {
	return &logHook{
		logger: logger,
		levels: []log.Level{
			log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel, log.InfoLevel,
		},
	}
}

func (h *logHook) Levels() []log.Level {
	return h.levels
}

func (h *logHook) Fire(entry *log.Entry) error {
	var record otellog.Record
	record.SetTimestamp(entry.Time)
	record.SetObservedTimestamp(entry.Time)
	record.SetBody(otellog.StringValue(entry.Message))
	record.SetSeverity(severity(entry.Level))
	record.SetSeverityText(entry.Level.String())

	attrs := make([]otellog.KeyValue, 0, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			attrs = append(attrs, otellog.String(k, err.Error()))
			continue
		}
		attrs = append(attrs, otellog.String(k, fmt.Sprint(v)))
	}
	record.AddAttributes(attrs...)

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.logger.Emit(ctx, record)
	return nil
}

func severity(level log.Level) otellog.Severity {
	switch level {
	case log.PanicLevel, log.FatalLevel:
		return otellog.SeverityFatal
	case log.ErrorLevel:
		return otellog.SeverityError
	case log.WarnLevel:
		return otellog.SeverityWarn
	case log.InfoLevel:
		return otellog.SeverityInfo
	case log.DebugLevel:
		return otellog.SeverityDebug
	default:
		return otellog.SeverityTrace
	}
}
