package fetch

// Plugin layers capabilities (middleware, resolvers, properties) onto a
// client and returns the extended client. Plugins must not mutate their
// input; they build on it through the With* builders.
type Plugin func(c *Client) *Client

// Capability names a feature a client has gained from a plugin.
type Capability string

// Capabilities contributed by the plugins of this package.
const (
	CapabilityBodyResolvers Capability = "body-resolvers"
	CapabilityQuery         Capability = "query"
	CapabilityJSON          Capability = "json"
)

// PluginInfo declares what a plugin provides and what it needs.
type PluginInfo struct {
	// Name is the capability recorded on the client once the plugin is applied.
	Name Capability

	// Requires lists capabilities that must already be present.
	Requires []Capability
}

// Define wraps apply so that its requirements are checked when it is
// applied and its capability is recorded on the resulting client.
//
// Applying a plugin whose requirements are unmet is a programming error:
// Define panics with a *MissingCapabilityError.
//
// Example:
//
//	func Plugin() fetch.Plugin {
//	    return fetch.Define(fetch.PluginInfo{
//	        Name:     "progress",
//	        Requires: []fetch.Capability{fetch.CapabilityBodyResolvers},
//	    }, func(c *fetch.Client) *fetch.Client {
//	        return c.WithMiddleware(progressMiddleware)
//	    })
//	}
func Define(info PluginInfo, apply Plugin) Plugin {
	return func(c *Client) *Client {
		var missing []Capability
		for _, req := range info.Requires {
			if !c.Has(req) {
				missing = append(missing, req)
			}
		}
		if len(missing) > 0 {
			panic(&MissingCapabilityError{Plugin: info.Name, Missing: missing})
		}

		extended := apply(c)
		if info.Name == "" {
			return extended
		}
		return extended.withCapability(info.Name)
	}
}
