package main

import (
	"log/slog"
	"os"

	"github.com/NeoRevolt/byoncall-sdk/internal/config"
)

var defaultsForTest = config.ClientConfig{
	Phone:       "0811",
	RelayURL:    "memory://",
	HistoryPath: ":memory:",
	AutoAnswer:  true,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}
