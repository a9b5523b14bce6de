package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"concretepool/internal/auth"
	"concretepool/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"engine": s.Engine.Config(),
		"store":  fmt.Sprintf("%T", s.Store),
		"broker": fmt.Sprintf("%T", s.Broker),
		"env": map[string]any{
			"PORT":                 os.Getenv("PORT"),
			"AUTH_MODE":            s.Auth.Mode,
			"RATE_RPS":             os.Getenv("RATE_RPS"),
			"RATE_BURST":           os.Getenv("RATE_BURST"),
			"WEBHOOK_MAX_ATTEMPTS": os.Getenv("WEBHOOK_MAX_ATTEMPTS"),
			"POOL_CONFIG":          os.Getenv("POOL_CONFIG"),
			"HAS_DATABASE_URL":     os.Getenv("DATABASE_URL") != "",
			"HAS_REDIS_URL":        os.Getenv("REDIS_URL") != "",
		},
	})
}
