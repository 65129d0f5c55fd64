// Package logging holds the package-wide structured logger used by the
// allocator's slow paths (class growth, advise-away, arena creation,
// rollback). The hot allocate/free path never logs.
package logging

import (
	"io"
	"log/slog"
)

// L is the active logger. It discards everything until SetLogger is called.
var L *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger replaces the package logger. Passing nil restores the discard
// handler.
func SetLogger(l *slog.Logger) {
	if l == nil {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	L = l
}
