package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	appName           = "gogrepoc"
	workers           = 4
	maxRetries        = 3
	retryDelay        = 5 * time.Second
	readTimeout       = 60 * time.Second
	connectTimeout    = 3 * time.Minute
	renewWindow       = 5 * time.Minute
	renewAttempts     = 3
	preallocate       = true
	requestsPerSecond = 0
	userAgent         = "gogrepoc/1.0"
)

func defaultRoot() string {
	return filepath.Join(xdg.UserDirs.Download, appName)
}

func defaultStore() string {
	return filepath.Join(xdg.DataHome, appName, "manifest.db")
}

func defaultTokenFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "token.json")
}
