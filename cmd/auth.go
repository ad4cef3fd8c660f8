package cmd

import (
	"crypto/subtle"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

func tokenPath() string {
	return filepath.Join(config.GetStateDir(), "token")
}

// ensureAuthToken returns the daemon token, creating it on first use.
func ensureAuthToken() string {
	path := tokenPath()
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token
		}
	}

	token := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		utils.Debug("Error creating state dir for token: %v", err)
		return token
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		utils.Debug("Error writing token file: %v", err)
	}
	return token
}

// authMiddleware rejects requests without the bearer token. /health stays
// open so clients can discover a daemon before they have a token.
func authMiddleware(token string, next http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
