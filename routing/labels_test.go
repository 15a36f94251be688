package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabels(t *testing.T) {
	labels := Labels("42", Options{Entrypoint: "web", ServicePort: 3000, PathPrefix: "/app"})

	assert.Equal(t, map[string]string{
		"traefik.enable":                                            "true",
		"traefik.http.routers.app_42.rule":                          "PathPrefix(`/app/42`)",
		"traefik.http.routers.app_42.entrypoints":                   "web",
		"traefik.http.routers.app_42.service":                       "app_42",
		"traefik.http.routers.app_42.middlewares":                   "app_42_strip",
		"traefik.http.services.app_42.loadbalancer.server.port":     "3000",
		"traefik.http.middlewares.app_42_strip.stripprefix.prefixes": "/app/42",
	}, labels)
}

func TestAppPath(t *testing.T) {
	assert.Equal(t, "/apps/abc", AppPath("/apps", "abc"))
}
