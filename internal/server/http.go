package server

import (
	"database/sql"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"LeverLedger/internal/fault"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/projection"
	"LeverLedger/internal/query"
)

const maxCommandBody = 1 << 20

// CallerHeader carries the identity the authenticating gateway in front of
// the API resolved for the request. Commands run as that caller.
const CallerHeader = "X-Lever-Caller"

var errNoCaller = fault.Authorization("server: authenticated caller header missing or invalid")

// API is the HTTP/JSON surface: commands in, live state and history out.
type API struct {
	commands *ingestion.CommandService
	queries  *query.QueryService
	db       *sql.DB
	logger   zerolog.Logger
}

func NewAPI(commands *ingestion.CommandService, queries *query.QueryService, db *sql.DB, logger zerolog.Logger) *API {
	return &API{commands: commands, queries: queries, db: db, logger: logger}
}

// NewMux registers every route on a grpc-gateway ServeMux.
func (a *API) NewMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{type}", a.submitCommand},

		{"GET", "/v1/pools", a.listPools},
		{"GET", "/v1/pools/{asset}", a.getPool},
		{"GET", "/v1/accounts/{account}/pools/{asset}", a.getAccount},
		{"GET", "/v1/accounts/{account}/positions", a.getPositions},
		{"GET", "/v1/accounts/{account}/balances", a.getBalances},
		{"GET", "/v1/accounts/{account}/journals", a.getJournals},
		{"GET", "/v1/accounts/{account}/liquidations", a.getLiquidations},
		{"GET", "/v1/positions/{id}", a.getPosition},
		{"GET", "/v1/liquidatable", a.liquidatable},
		{"GET", "/v1/tiers", a.listTiers},
		{"GET", "/v1/tiers/{id}", a.getTier},
		{"GET", "/v1/keepers", a.getKeepers},
		{"GET", "/v1/prices/{asset}", a.getPrice},

		{"GET", "/v1/records", a.getRecords},
		{"GET", "/v1/liquidations", a.getLiquidations},
		{"GET", "/v1/admin/integrity", a.verifyIntegrity},
		{"POST", "/v1/admin/projections/rebuild", a.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (a *API) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, fault.Validationf("read body: %v", err))
		return
	}
	caller, err := uuid.Parse(r.Header.Get(CallerHeader))
	if err != nil || caller == uuid.Nil {
		writeError(w, errNoCaller)
		return
	}
	res, err := a.commands.Submit(r.Context(), params["type"], caller, body)
	if err != nil {
		if CodeFromError(err) == codes.Internal {
			a.logger.Error().Err(err).Str("type", params["type"]).Msg("command failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence": res.Sequence, "result": res.Value})
}

func (a *API) listPools(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respond(w)(a.queries.ListPools(r.Context()))
}

func (a *API) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	respond(w)(a.queries.GetPool(r.Context(), params["asset"]))
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := uuidParam(w, params, "account")
	if !ok {
		return
	}
	respond(w)(a.queries.GetAccount(r.Context(), account, params["asset"]))
}

func (a *API) getPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := uuidParam(w, params, "account")
	if !ok {
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	respond(w)(a.queries.GetPositions(r.Context(), account, activeOnly))
}

func (a *API) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		writeError(w, fault.Validationf("invalid position id %q", params["id"]))
		return
	}
	respond(w)(a.queries.GetPosition(r.Context(), id))
}

func (a *API) liquidatable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ids, err := a.queries.LiquidatablePositions(r.Context())
	if ids == nil {
		ids = []uint64{}
	}
	respond(w)(map[string]any{"position_ids": ids}, err)
}

func (a *API) listTiers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respond(w)(a.queries.ListTiers(r.Context()))
}

func (a *API) getTier(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 32)
	if err != nil {
		writeError(w, fault.Validationf("invalid tier id %q", params["id"]))
		return
	}
	respond(w)(a.queries.GetTier(r.Context(), uint32(id)))
}

func (a *API) getKeepers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respond(w)(a.queries.GetKeepers(r.Context()))
}

func (a *API) getPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	respond(w)(a.queries.GetPrice(r.Context(), params["asset"]))
}

func (a *API) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := uuidParam(w, params, "account")
	if !ok {
		return
	}
	entries, asOf, err := a.queries.GetBalances(r.Context(), account)
	respond(w)(map[string]any{"balances": entries, "as_of_sequence": asOf}, err)
}

func (a *API) getJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := uuidParam(w, params, "account")
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit")
	if !ok {
		return
	}
	before, ok := intQuery(w, r, "before")
	if !ok {
		return
	}
	respond(w)(a.queries.GetJournalHistory(r.Context(), account, int(limit), before))
}

func (a *API) getLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var owner uuid.UUID
	if _, scoped := params["account"]; scoped {
		var ok bool
		if owner, ok = uuidParam(w, params, "account"); !ok {
			return
		}
	}
	limit, ok := intQuery(w, r, "limit")
	if !ok {
		return
	}
	respond(w)(a.queries.GetLiquidations(r.Context(), owner, int(limit)))
}

func (a *API) getRecords(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, ok := intQuery(w, r, "after")
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit")
	if !ok {
		return
	}
	respond(w)(a.queries.GetRecords(r.Context(), r.URL.Query().Get("type"), after, int(limit)))
}

func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respond(w)(a.queries.VerifyIntegrity(r.Context()))
}

func (a *API) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.db == nil {
		writeError(w, query.ErrNoDatabase)
		return
	}
	if err := projection.RebuildProjections(r.Context(), a.db, a.logger); err != nil {
		a.logger.Error().Err(err).Msg("projection rebuild failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// respond writes v on success and the mapped error otherwise.
func respond(w http.ResponseWriter) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func uuidParam(w http.ResponseWriter, params map[string]string, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		writeError(w, fault.Validationf("invalid %s %q", name, params[name]))
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		writeError(w, fault.Validationf("invalid %s %q", name, s))
		return 0, false
	}
	return n, true
}
