package logger

import "go.uber.org/zap"

// Segment symbols carried as a structured field, never in the message.
const (
	SymPulse      = "꩜" // job processing
	SymPulseOpen  = "✿" // graceful startup
	SymPulseClose = "❀" // graceful shutdown
	SymDB         = "⊔" // storage
	SymHub        = "⟲" // notification fan-out
)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymPulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymPulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymPulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymDB)
}

// AddHubSymbol wraps a logger with the Hub symbol (⟲)
func AddHubSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymHub)
}
