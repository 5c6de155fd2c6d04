package agent

import (
	"github.com/rs/zerolog"
)

// pushRoutes programs each configured static route via the VLAN interface.
// Existing routes are skipped; a failed add is logged, not fatal — a
// duplicate or race-lost add does not break the node.
func (a *Agent) pushRoutes(logger zerolog.Logger, ifaceName string) {
	for _, route := range a.routes {
		exists, err := a.net.RouteExists(route.Destination)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to check route %s", route.Destination)
			continue
		}
		if exists {
			logger.Debug().Msgf("route %s already present", route.Destination)
			continue
		}
		if err := a.net.AddRoute(route.Destination, route.Gateway, ifaceName); err != nil {
			logger.Error().Err(err).Msgf("failed to add route %s via %s", route.Destination, route.Gateway)
			continue
		}
		logger.Info().Msgf("added route %s via %s on %s", route.Destination, route.Gateway, ifaceName)
	}
}
