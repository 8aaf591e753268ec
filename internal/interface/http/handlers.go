package httpservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arkade-os/custodyd/internal/core/application"
	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

type handler struct {
	svc               application.Service
	ready             *atomic.Bool
	heartbeatInterval time.Duration
	// callerHeader carries the user id authenticated by the gateway.
	callerHeader string
}

func newHandler(
	svc application.Service, ready *atomic.Bool, heartbeatInterval time.Duration,
	callerHeader string,
) *handler {
	return &handler{svc, ready, heartbeatInterval, callerHeader}
}

// publicRoutes mounts the escrow, release and withdrawal routes on m.
func (h *handler) publicRoutes(m chi.Router) {
	m.Route("/v1", func(r chi.Router) {
		r.Post("/escrows", h.createEscrow)
		r.Get("/escrows/{tradeId}", h.getEscrow)
		r.Get("/keys/{userId}/{chain}", h.getParticipantKey)

		r.Post("/releases", h.sellerSignRelease)
		r.Get("/releases/{tradeId}", h.getRelease)
		r.Post("/releases/{tradeId}/cosign", h.coSignRelease)
		r.Post("/releases/{tradeId}/dispute", h.openDispute)
		r.Delete("/releases/{tradeId}", h.abandonRelease)

		r.Post("/withdrawals", h.withdraw)
		r.Get("/withdrawals/{id}", h.getWithdrawal)
		r.Get("/balances/{userId}/{asset}", h.getBalance)

		r.Get("/events", h.events)
	})
}

func (h *handler) adminRoutes(m chi.Router) {
	m.Route("/v1/admin", func(r chi.Router) {
		r.Post("/withdrawals/{id}/reconcile", h.reconcile)
		r.Post("/releases/{tradeId}/reconcile", h.reconcileRelease)
		r.Get("/withdrawals", h.listWithdrawals)
		r.Post("/balances/credit", h.creditBalance)
	})
}

func (h *handler) healthRoutes(m chi.Router) {
	m.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	m.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !h.ready.Load() {
			renderJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		renderJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

func newMux() *chi.Mux {
	m := chi.NewMux()
	m.Use(middleware.Recoverer)
	m.Use(middleware.RealIP)
	m.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.StandardLogger(), NoColor: true,
	}))
	m.Use(cors.AllowAll().Handler)
	return m
}

func (h *handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	var body createEscrowRequest
	if err := decodeBody(w, r, &body); err != nil {
		renderErr(w, r, err)
		return
	}
	req, err := parseCreateEscrowRequest(body)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	err = h.requireOneOf(r, req.Seller.UserID, req.Buyer.UserID, req.Moderator.UserID)
	if err != nil {
		renderErr(w, r, err)
		return
	}

	trade, err := h.svc.ConstructEscrow(r.Context(), req)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newEscrowJSON(trade))
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	tradeID, err := parseID("tradeId", chi.URLParam(r, "tradeId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	trade, err := h.svc.GetEscrow(r.Context(), tradeID)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if caller != "" && !isParticipant(trade, caller) {
		renderErr(w, r, permissionDenied(caller))
		return
	}
	renderJSON(w, http.StatusOK, newEscrowJSON(trade))
}

func (h *handler) getParticipantKey(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID("userId", chi.URLParam(r, "userId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	family, err := parseChain(chi.URLParam(r, "chain"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	key, err := h.svc.ParticipantKey(r.Context(), userID, family)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newParticipantKeyJSON(key))
}

func (h *handler) sellerSignRelease(w http.ResponseWriter, r *http.Request) {
	var body sellerSignRequest
	if err := decodeBody(w, r, &body); err != nil {
		renderErr(w, r, err)
		return
	}
	req, err := parseSellerSignRequest(body)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.requireParticipant(r, req.TradeID, domain.RoleSeller); err != nil {
		renderErr(w, r, err)
		return
	}
	release, err := h.svc.SellerSignRelease(r.Context(), req)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newReleaseJSON(release))
}

func (h *handler) getRelease(w http.ResponseWriter, r *http.Request) {
	tradeID, err := parseID("tradeId", chi.URLParam(r, "tradeId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.requireParticipant(r, tradeID); err != nil {
		renderErr(w, r, err)
		return
	}
	release, err := h.svc.GetRelease(r.Context(), tradeID)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newReleaseJSON(release))
}

func (h *handler) coSignRelease(w http.ResponseWriter, r *http.Request) {
	tradeID, err := parseID("tradeId", chi.URLParam(r, "tradeId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	var body coSignRequest
	if err := decodeBody(w, r, &body); err != nil {
		renderErr(w, r, err)
		return
	}
	role, err := parseRole(body.Role)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	presented, err := parseRelease(tradeID, body.Release)
	if err != nil {
		renderErr(w, r, err)
		return
	}

	if err := h.requireParticipant(r, tradeID, role); err != nil {
		renderErr(w, r, err)
		return
	}

	res, err := h.svc.CoSignRelease(r.Context(), tradeID, role, presented)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	resp := coSignResponse{Release: newReleaseJSON(res.Release), Txid: res.Txid}
	if res.Txid != "" {
		resp.RealizedFee = res.RealizedFee.String()
	}
	renderJSON(w, http.StatusOK, resp)
}

func (h *handler) openDispute(w http.ResponseWriter, r *http.Request) {
	tradeID, err := parseID("tradeId", chi.URLParam(r, "tradeId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.requireParticipant(r, tradeID); err != nil {
		renderErr(w, r, err)
		return
	}
	release, err := h.svc.OpenDispute(r.Context(), tradeID)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newReleaseJSON(release))
}

func (h *handler) abandonRelease(w http.ResponseWriter, r *http.Request) {
	tradeID, err := parseID("tradeId", chi.URLParam(r, "tradeId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.requireParticipant(r, tradeID); err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.svc.AbandonRelease(r.Context(), tradeID); err != nil {
		renderErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawRequest
	if err := decodeBody(w, r, &body); err != nil {
		renderErr(w, r, err)
		return
	}
	req, err := parseWithdrawRequest(body)
	if err != nil {
		renderErr(w, r, err)
		return
	}

	if err := h.requireUser(r, req.UserID); err != nil {
		renderErr(w, r, err)
		return
	}

	res, err := h.svc.Withdraw(r.Context(), req)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newWithdrawalResultJSON(res))
}

func (h *handler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	withdrawal, err := h.svc.GetWithdrawal(r.Context(), id)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.requireUser(r, withdrawal.UserID); err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newWithdrawalJSON(withdrawal))
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID("userId", chi.URLParam(r, "userId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	asset, err := parseID("asset", chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := h.requireUser(r, userID); err != nil {
		renderErr(w, r, err)
		return
	}
	balance, err := h.svc.GetBalance(r.Context(), userID, asset)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newBalanceJSON(balance))
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	withdrawal, err := h.svc.Reconcile(r.Context(), id)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newWithdrawalJSON(withdrawal))
}

func (h *handler) reconcileRelease(w http.ResponseWriter, r *http.Request) {
	tradeID, err := parseID("tradeId", chi.URLParam(r, "tradeId"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	release, err := h.svc.ReconcileRelease(r.Context(), tradeID)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newReleaseJSON(release))
}

func (h *handler) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	state, err := parseWithdrawalState(r.URL.Query().Get("state"))
	if err != nil {
		renderErr(w, r, err)
		return
	}
	withdrawals, err := h.svc.ListWithdrawals(r.Context(), state)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	list := make([]withdrawalJSON, 0, len(withdrawals))
	for i := range withdrawals {
		list = append(list, newWithdrawalJSON(&withdrawals[i]))
	}
	renderJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (h *handler) creditBalance(w http.ResponseWriter, r *http.Request) {
	var body creditRequest
	if err := decodeBody(w, r, &body); err != nil {
		renderErr(w, r, err)
		return
	}
	userID, asset, amount, err := parseCreditRequest(body)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	balance, err := h.svc.CreditBalance(r.Context(), userID, asset, amount)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, newBalanceJSON(balance))
}

// events streams withdrawal and release events as server-sent events until the
// client goes away.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	caller, err := h.caller(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	filter := h.newEventFilter(caller)

	ctx := r.Context()
	ch, err := h.svc.GetEventsChannel(ctx)
	if err != nil {
		renderErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !filter.visible(ctx, ev) {
				continue
			}
			buf, err := json.Marshal(eventJSON{Topic: ev.Topic, Type: ev.Type, Data: ev.Data})
			if err != nil {
				log.WithError(err).Warn("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, buf); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
