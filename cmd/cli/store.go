package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ---- config/token store ----

type tokenFile struct {
	Server      string    `json:"server"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "neodb-bridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "neodb-bridge")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	var tf tokenFile
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tf, errors.New("not logged in (run nb login)")
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tf, errors.New("session expired (run nb login)")
	}
	return tf, nil
}

func removeToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// sessionExpiry reads exp from a session token without verifying it.
func sessionExpiry(tok string, fallback time.Duration) time.Time {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tok), &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Now().Add(fallback)
	}
	return claims.ExpiresAt.Time
}
