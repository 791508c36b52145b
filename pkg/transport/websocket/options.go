package websocket

import "net/http"

// WithRouter sets the message router for the server
func WithRouter(router MessageRouter) ServerOption {
	return func(o *ServerOptions) {
		o.Router = router
	}
}

// WithClientOptions sets the options used for every accepted connection
func WithClientOptions(options ClientOptions) ServerOption {
	return func(o *ServerOptions) {
		o.ClientOptions = options
	}
}

// WithAllowedOrigins restricts upgrades to the given Origin headers.
// An empty list accepts every origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *ServerOptions) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			allowed[origin] = struct{}{}
		}
		o.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}
