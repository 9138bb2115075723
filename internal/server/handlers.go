package server

import (
	"encoding/hex"
	"net/http"
	"strconv"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type handlers struct {
	mux    *runtime.ServeMux
	deps   *ServerDeps
	logger zerolog.Logger
}

func address(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// ============================================================================
// Query routes
// ============================================================================

func (h *handlers) listTroves(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	troves, err := h.deps.QueryService.ListTroves(r.URL.Query().Get("status"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, troves)
}

func (h *handlers) getTrove(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := address("owner", params["owner"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.deps.QueryService.GetTrove(owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, t)
}

func (h *handlers) systemStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st, err := h.deps.QueryService.GetSystemStatus()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, st)
}

func (h *handlers) liquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var owner *common.Address
	if s := r.URL.Query().Get("owner"); s != "" {
		a, err := address("owner", s)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		owner = &a
	}
	entries, err := h.deps.QueryService.GetLiquidations(owner, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, entries)
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := address("owner", params["owner"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	asset, err := address("asset", params["asset"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bal, err := h.deps.QueryService.GetBalance(r.Context(), owner, asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, bal)
}

func (h *handlers) journals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := address("owner", params["owner"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var before *int64
	if v := r.URL.Query().Get("before_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid before_sequence: %q", v))
			return
		}
		before = &seq
	}
	entries, err := h.deps.QueryService.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, entries)
}

// ============================================================================
// Admin routes
// ============================================================================

type logInfoResponse struct {
	LastSequence         int64  `json:"last_sequence"`
	CheckpointSequence   int64  `json:"checkpoint_sequence,omitempty"`
	CheckpointStateHash  string `json:"checkpoint_state_hash,omitempty"`
	CheckpointTotalDebt  string `json:"checkpoint_total_debt,omitempty"`
	CheckpointTroveCount int    `json:"checkpoint_active_troves,omitempty"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, report)
}

func (h *handlers) logInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.Checkpoints == nil {
		h.fail(w, r, query.ErrNoDatabase)
		return
	}
	latest, err := h.deps.Checkpoints.GetLatestSequence(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := logInfoResponse{LastSequence: latest}
	cp, err := h.deps.Checkpoints.LoadLatest(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cp != nil {
		resp.CheckpointSequence = cp.Sequence
		resp.CheckpointStateHash = hex.EncodeToString(cp.StateHash[:])
		resp.CheckpointTotalDebt = cp.Summary.TotalDebt
		resp.CheckpointTroveCount = cp.Summary.ActiveTroves
	}
	h.reply(w, r, http.StatusOK, resp)
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.DB == nil {
		h.fail(w, r, query.ErrNoDatabase)
		return
	}
	if err := projection.RebuildBalances(r.Context(), h.deps.DB, h.logger); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusOK, acceptedResponse{Accepted: true})
}

type mintRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"` // token units
}

func (h *handlers) injectMint(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req mintRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, err := address("token", req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := address("to", req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	decimals, err := h.deps.Tokens.Decimals(token)
	if err != nil {
		h.fail(w, r, status.Errorf(codes.InvalidArgument, "token: %v", err))
		return
	}
	amount, err := fpmath.ParseUnits(req.Amount, decimals)
	if err != nil {
		h.fail(w, r, status.Errorf(codes.InvalidArgument, "amount: %v", err))
		return
	}
	if err := h.deps.Admin.InjectMint(r.Context(), token, to, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusAccepted, acceptedResponse{Accepted: true})
}

type primaryRequest struct {
	RoundID  uint64 `json:"round_id"`
	Answer   string `json:"answer"` // decimal, may be negative
	Decimals uint8  `json:"decimals"`
}

func (h *handlers) injectPrimary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	token, err := address("token", params["token"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req primaryRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := decimal.NewFromString(req.Answer)
	if err != nil {
		h.fail(w, r, status.Errorf(codes.InvalidArgument, "answer: %v", err))
		return
	}
	scaled := d.Shift(int32(req.Decimals))
	if !scaled.IsInteger() {
		h.fail(w, r, status.Errorf(codes.InvalidArgument, "answer %s has more than %d decimals", req.Answer, req.Decimals))
		return
	}
	if err := h.deps.Admin.InjectPrimaryRound(r.Context(), token, req.RoundID, scaled.BigInt(), req.Decimals); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusAccepted, acceptedResponse{Accepted: true})
}

type secondaryRequest struct {
	Sequence int64  `json:"sequence"`
	Value    string `json:"value"`
	Decimals uint8  `json:"decimals"`
}

func (h *handlers) injectSecondary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	token, err := address("token", params["token"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req secondaryRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := fpmath.ParseUnits(req.Value, req.Decimals)
	if err != nil {
		h.fail(w, r, status.Errorf(codes.InvalidArgument, "value: %v", err))
		return
	}
	if err := h.deps.Admin.InjectSecondaryValue(r.Context(), token, req.Sequence, value, req.Decimals); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if h.deps.Admin == nil {
		h.fail(w, r, status.Error(codes.Unavailable, "admin ingestion disabled"))
		return false
	}
	inbound, _ := runtime.MarshalerForRequest(h.mux, r)
	if err := inbound.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, r, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return false
	}
	return true
}
