package httpservice

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
)

// caller returns the user id the gateway put in the caller header. An empty id with a
// nil error means caller binding is disabled.
func (h *handler) caller(r *http.Request) (string, error) {
	if h.callerHeader == "" {
		return "", nil
	}
	userID := r.Header.Get(h.callerHeader)
	if userID == "" {
		return "", arkerrors.UNAUTHENTICATED.New("missing %s header", h.callerHeader)
	}
	return userID, nil
}

func (h *handler) requireUser(r *http.Request, userID string) error {
	return h.requireOneOf(r, userID)
}

func (h *handler) requireOneOf(r *http.Request, userIDs ...string) error {
	caller, err := h.caller(r)
	if err != nil || caller == "" {
		return err
	}
	if !slices.Contains(userIDs, caller) {
		return permissionDenied(caller)
	}
	return nil
}

// requireParticipant checks the caller takes part in the trade, with one of the given
// roles if any.
func (h *handler) requireParticipant(r *http.Request, tradeID string, roles ...domain.Role) error {
	caller, err := h.caller(r)
	if err != nil || caller == "" {
		return err
	}
	trade, err := h.svc.GetEscrow(r.Context(), tradeID)
	if err != nil {
		return err
	}
	if !isParticipant(trade, caller, roles...) {
		return permissionDenied(caller)
	}
	return nil
}

func isParticipant(trade *domain.EscrowTrade, userID string, roles ...domain.Role) bool {
	for _, p := range trade.Participants {
		if p.UserID != userID {
			continue
		}
		if len(roles) == 0 || slices.Contains(roles, p.Role) {
			return true
		}
	}
	return false
}

func permissionDenied(caller string) error {
	return arkerrors.PERMISSION_DENIED.New("operation not allowed for caller %s", caller).
		WithMetadata(map[string]any{"caller": caller})
}

// eventFilter drops the events of other users from a caller's stream. Trade
// membership is looked up once per trade.
type eventFilter struct {
	h       *handler
	caller  string
	members map[string]bool
}

func (h *handler) newEventFilter(caller string) *eventFilter {
	return &eventFilter{h: h, caller: caller, members: make(map[string]bool)}
}

func (f *eventFilter) visible(ctx context.Context, ev ports.Event) bool {
	if f.caller == "" {
		return true
	}
	var owner struct {
		UserID  string `json:"user_id"`
		TradeID string `json:"trade_id"`
	}
	if err := json.Unmarshal(ev.Data, &owner); err != nil {
		return false
	}
	switch {
	case owner.UserID != "":
		return owner.UserID == f.caller
	case owner.TradeID != "":
		member, ok := f.members[owner.TradeID]
		if !ok {
			trade, err := f.h.svc.GetEscrow(ctx, owner.TradeID)
			member = err == nil && isParticipant(trade, f.caller)
			f.members[owner.TradeID] = member
		}
		return member
	default:
		return false
	}
}
