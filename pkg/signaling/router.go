package signaling

import (
	"fmt"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/logger"
)

// Router relays legacy frames between the two roles.
type Router struct {
	reg     *Registry
	metrics *Metrics
	log     *logger.Logger
}

func NewRouter(reg *Registry, metrics *Metrics, log *logger.Logger) *Router {
	return &Router{reg: reg, metrics: metrics, log: log}
}

// allowedFrom returns the only role that may send frames of the kind,
// empty means anyone.
func allowedFrom(kind api.Kind) api.Role {
	switch kind {
	case api.KindCommand:
		return api.RoleController
	case api.KindTelemetry:
		return api.RoleRobot
	}
	return ""
}

// Route forwards the frame verbatim to the opposite role. The sender gets
// an error frame back when it may not send the frame or nobody is there
// to receive it.
func (r *Router) Route(from *Client, f api.LegacyFrame) error {
	role := from.Role()
	if only := allowedFrom(f.Kind); only != "" && only != role {
		r.metrics.routingError("forbidden")
		_ = from.Send(api.ForbiddenFrame(f.Kind))
		return fmt.Errorf("%w: %v from %v", api.ErrForbidden, f.Kind, role)
	}
	target := role.Opposite()
	peer, ok := r.reg.Get(target)
	if !ok {
		r.metrics.routingError("no_peer")
		_ = from.Send(api.TargetDisconnectedFrame(target))
		return fmt.Errorf("%w: %v", ErrNoPeer, target)
	}
	if err := peer.Send(f.Raw); err != nil {
		r.metrics.routingError("write")
		return err
	}
	r.metrics.frameRouted(f.Kind)
	return nil
}
