package ratelimit

import "strings"

// unlimited routes are probes and the service banner; they never consume tokens.
var unlimited = map[string]bool{
	"GET /":       true,
	"GET /health": true,
}

// MatchEndpoint picks the configuration for a request. A config whose Path
// equals path wins; otherwise the longest Path ending in "/" that prefixes
// path wins, so "/jobs/" covers "/jobs/{id}/events". Unlimited routes get a
// zero config and anything else unmatched gets nil.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if unlimited[method+" "+path] {
		return &EndpointConfig{}
	}

	var best *EndpointConfig
	for i := range configs {
		c := &configs[i]
		if c.Method != method {
			continue
		}
		if c.Path == path {
			return c
		}
		if strings.HasSuffix(c.Path, "/") && strings.HasPrefix(path, c.Path) &&
			(best == nil || len(c.Path) > len(best.Path)) {
			best = c
		}
	}
	return best
}
