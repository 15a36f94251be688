package routing

import (
	"fmt"
	"strconv"
)

type Options struct {
	Entrypoint  string
	ServicePort int
	PathPrefix  string
}

// AppPath is the external path an app is served under
func AppPath(prefix, appID string) string {
	return prefix + "/" + appID
}

// Labels returns the Traefik labels that route AppPath to the container's
// service port and strip the prefix before the request reaches the app.
func Labels(appID string, opts Options) map[string]string {
	router := "app_" + appID
	middleware := router + "_strip"
	path := AppPath(opts.PathPrefix, appID)

	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", router):                          fmt.Sprintf("PathPrefix(`%s`)", path),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", router):                   opts.Entrypoint,
		fmt.Sprintf("traefik.http.routers.%s.service", router):                       router,
		fmt.Sprintf("traefik.http.routers.%s.middlewares", router):                   middleware,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router):     strconv.Itoa(opts.ServicePort),
		fmt.Sprintf("traefik.http.middlewares.%s.stripprefix.prefixes", middleware): path,
	}
}
