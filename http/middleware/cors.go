package middlewares

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
)

// CORSMiddleware allows the comma separated ALLOWED_DOMAINS plus the global
// domain. With neither configured every origin is allowed without credentials.
func CORSMiddleware(config *config.EnvConfig) gin.HandlerFunc {
	var origins []string
	for _, origin := range strings.Split(config.CORS.AllowDomains, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if global := strings.TrimSpace(config.CORS.GlobalDomain); global != "" {
		origins = append(origins, global)
	}

	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
