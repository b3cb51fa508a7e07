package audit

import (
	"context"
	"fmt"

	"helix/internal/config"
	"helix/internal/logging"
	"helix/internal/metrics"
)

// OpenSink opens one configured sink.
func OpenSink(ctx context.Context, sc config.AuditSinkConfig) (Sink, error) {
	switch sc.Kind {
	case "sqlite":
		return OpenSQLite(sc.DSN)
	case "redis":
		return OpenRedis(ctx, sc.DSN)
	case "postgres":
		return OpenPostgres(ctx, sc.DSN)
	case "file":
		return OpenFile(sc.DSN)
	default:
		return nil, fmt.Errorf("unknown audit sink kind %q", sc.Kind)
	}
}

// Open builds the asynchronous emitter over every configured sink. With no
// sinks configured, records go nowhere.
func Open(ctx context.Context, cfg config.AuditConfig, m *metrics.Metrics) (*Async, error) {
	var sinks Multi
	for _, sc := range cfg.Sinks {
		s, err := OpenSink(ctx, sc)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("audit sink %s: %w", sc.Kind, err)
		}
		logging.Audit("audit sink %s ready", sc.Kind)
		sinks = append(sinks, s)
	}
	return NewAsync(sinks, cfg.BufferSize, m), nil
}
