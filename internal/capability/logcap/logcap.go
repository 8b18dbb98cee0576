// Package logcap implements the logging capability module. Like timer,
// spec.md names logging as one of C6's capabilities (2, 4.6 preamble)
// without detailing an operation list; this supplements a single leveled
// log op, writing through the ambient logger every other component already
// uses rather than a guest-private sink.
package logcap

import (
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/registry"
)

// Level mirrors the four logrus levels this capability exposes to guests.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Module is the per-application logging capability state.
type Module struct {
	appName string
	bridge  *membridge.Bridge
	log     *logging.Logger
}

// New builds a logging capability module scoped to appName.
func New(appName string, bridge *membridge.Bridge, log *logging.Logger) *Module {
	return &Module{appName: appName, bridge: bridge, log: log}
}

// Build returns the registry.Module declaring the "log" operation.
func (m *Module) Build() *registry.Module {
	return &registry.Module{
		Namespace: "logging",
		Operations: []registry.Operation{
			{Name: "log", Arity: 3, Void: true, Func: m.logOp},
		},
	}
}

// logOp implements the "log" operation: log(level, msg_ptr, msg_len). Named
// logOp rather than log because Module already has a log field of type
// *logging.Logger, and Go forbids a type having both a field and a method of
// the same name.
func (m *Module) logOp(args []int32) (int32, error) {
	msg, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	entry := m.log.WithField("app", m.appName)
	switch Level(args[0]) {
	case LevelDebug:
		entry.Debug(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return 0, nil
}
