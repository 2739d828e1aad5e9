package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/udisondev/citysiege/internal/siege"
	"github.com/udisondev/citysiege/internal/town"
)

// Handler applies host requests to the siege registry and the town directory.
type Handler struct {
	registry *siege.Registry
	world    *town.World
}

// NewHandler creates a request handler.
func NewHandler(registry *siege.Registry, world *town.World) *Handler {
	return &Handler{registry: registry, world: world}
}

// Handle executes one request. Must run on the tick loop.
func (h *Handler) Handle(ctx context.Context, req RequestMsg) ReplyMsg {
	reply, err := h.dispatch(ctx, req)
	if err != nil {
		reply = errorReply(err)
	}
	reply.Type = TypeReply
	reply.Seq = req.Seq
	return reply
}

func (h *Handler) dispatch(ctx context.Context, req RequestMsg) (ReplyMsg, error) {
	switch req.Op {
	case OpAttackMarkerPlaced:
		if req.Attacker == "" || req.Defender == "" || req.Actor == "" || req.Position == nil {
			return ReplyMsg{}, badRequest("attacker, defender, actor and position are required")
		}
		defender := siege.TerritoryID(req.Defender)
		err := h.registry.OnAttackMarkerPlaced(ctx,
			siege.TerritoryID(req.Attacker), defender,
			siege.ActorID(req.Actor), req.Position.location())
		if err != nil {
			return ReplyMsg{}, err
		}
		return h.siegeReply(defender), nil

	case OpDefenseMarkerDestroyed:
		if req.Defender == "" {
			return ReplyMsg{}, badRequest("defender is required")
		}
		defender := siege.TerritoryID(req.Defender)
		if err := h.registry.OnDefenseMarkerDestroyed(ctx, defender); err != nil {
			return ReplyMsg{}, err
		}
		return h.siegeReply(defender), nil

	case OpPresence:
		if req.Actor == "" {
			return ReplyMsg{}, badRequest("actor is required")
		}
		h.world.SetOnline(siege.ActorID(req.Actor), req.Online)
		return ReplyMsg{OK: true}, nil

	case OpMemberJoined:
		if req.Territory == "" || req.Actor == "" {
			return ReplyMsg{}, badRequest("territory and actor are required")
		}
		if err := h.world.AddMember(siege.TerritoryID(req.Territory), siege.ActorID(req.Actor)); err != nil {
			return ReplyMsg{}, err
		}
		return ReplyMsg{OK: true}, nil

	case OpCancelSiege:
		if req.Defender == "" {
			return ReplyMsg{}, badRequest("defender is required")
		}
		if err := h.registry.CancelSiege(ctx, siege.TerritoryID(req.Defender)); err != nil {
			return ReplyMsg{}, err
		}
		return ReplyMsg{OK: true}, nil

	case OpStatus:
		if req.Territory == "" {
			return ReplyMsg{}, badRequest("territory is required")
		}
		territory := siege.TerritoryID(req.Territory)
		s, ok := h.registry.Active(territory)
		if !ok {
			s, ok = h.registry.ByAttacker(territory)
		}
		if !ok {
			return ReplyMsg{}, fmt.Errorf("territory %s: %w", territory, siege.ErrSiegeNotFound)
		}
		v := newSiegeView(s)
		return ReplyMsg{OK: true, Siege: &v}, nil

	case OpList:
		return ReplyMsg{OK: true, Sieges: siegeViews(h.registry.Sieges())}, nil

	default:
		return ReplyMsg{}, badRequest(fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (h *Handler) siegeReply(defender siege.TerritoryID) ReplyMsg {
	reply := ReplyMsg{OK: true}
	if s, ok := h.registry.Active(defender); ok {
		v := newSiegeView(s)
		reply.Siege = &v
	}
	return reply
}

func siegeViews(sieges []*siege.Siege) []SiegeView {
	views := make([]SiegeView, 0, len(sieges))
	for _, s := range sieges {
		views = append(views, newSiegeView(s))
	}
	return views
}

// requestError is a malformed request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// errorReply maps err to a failed reply with a stable code.
func errorReply(err error) ReplyMsg {
	reply := ReplyMsg{Error: err.Error()}
	var re *requestError
	switch {
	case errors.As(err, &re):
		reply.Code = CodeBadRequest
	case errors.Is(err, siege.ErrValidationFailed):
		reply.Code = CodeValidation
		reply.Reason = siege.ReasonOf(err).String()
	case errors.Is(err, siege.ErrMarkerRateLimited):
		reply.Code = CodeRateLimit
	case errors.Is(err, siege.ErrSiegeNotFound), errors.Is(err, town.ErrTownNotFound):
		reply.Code = CodeNotFound
	case errors.Is(err, siege.ErrBackendUnavailable):
		reply.Code = CodeBackend
	case errors.Is(err, siege.ErrInconsistentState):
		reply.Code = CodeConflict
	default:
		reply.Code = CodeUnavailable
	}
	return reply
}
