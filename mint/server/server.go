// Package server exposes the ledger over the plain JSON-over-HTTP
// surface spec.md §6 defines, using gorilla/mux for routing — the
// teacher's own transport choice for its non-gRPC surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/go-cashu/mint/cashu"
	"github.com/go-cashu/mint/cashu/nuts/nut02"
	"github.com/go-cashu/mint/cashu/nuts/nut06"
	"github.com/go-cashu/mint/mint"
	"github.com/go-cashu/mint/mint/storage"
)

// Server wires a *mint.Mint to HTTP handlers. Info is served statically
// from whatever the caller built at startup via config.MintInfo.
type Server struct {
	mint   *mint.Mint
	store  storage.MintStore
	info   nut06.MintInfo
	logger *slog.Logger
	router *mux.Router
}

func New(m *mint.Mint, store storage.MintStore, info nut06.MintInfo, logger *slog.Logger) *Server {
	s := &Server{mint: m, store: store, info: info, logger: logger}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/keys", s.handleKeys).Methods(http.MethodGet)
	s.router.HandleFunc("/keys/{id}", s.handleKeysById).Methods(http.MethodGet)
	s.router.HandleFunc("/keysets", s.handleKeysets).Methods(http.MethodGet)
	s.router.HandleFunc("/mint", s.handleRequestMint).Methods(http.MethodGet)
	s.router.HandleFunc("/mint", s.handleMint).Methods(http.MethodPost)
	s.router.HandleFunc("/melt", s.handleMelt).Methods(http.MethodPost)
	s.router.HandleFunc("/check", s.handleCheck).Methods(http.MethodPost)
	s.router.HandleFunc("/checkfees", s.handleCheckFees).Methods(http.MethodPost)
	s.router.HandleFunc("/split", s.handleSplit).Methods(http.MethodPost)
	s.router.HandleFunc("/reserves/promises/{id}", s.handleReservesPromises).Methods(http.MethodGet)
	s.router.HandleFunc("/reserves/proofs/{id}", s.handleReservesProofs).Methods(http.MethodGet)
}

// decodeKeysetId reverses the url-safe substitution ('-' -> '+', '_' ->
// '/') a keyset id needs to travel as a path segment, since the id
// itself is standard (not url-safe) base64.
func decodeKeysetId(urlsafe string) string {
	r := strings.NewReplacer("-", "+", "_", "/")
	return r.Replace(urlsafe)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("could not encode response", "error", err)
	}
}

// writeError renders err as spec.md §6/§7's {code, error} envelope with
// HTTP 200: domain errors are a core-level outcome, not a transport
// failure, and the envelope alone carries the distinction. Only actual
// transport failures (bad route, wrong method) get a non-200 status,
// and those never reach this handler since mux rejects them first.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	cashuErr, ok := err.(*cashu.Error)
	if !ok {
		cashuErr = cashu.BuildError(err.Error(), cashu.KindMalformedRequest)
	}
	s.writeJSON(w, http.StatusOK, cashuErr)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.info)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mint.GetActiveKeyset().PublicKeys())
}

func (s *Server) handleKeysById(w http.ResponseWriter, r *http.Request) {
	id := decodeKeysetId(mux.Vars(r)["id"])
	keyset, err := s.mint.GetKeyset(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyset.PublicKeys())
}

func (s *Server) handleKeysets(w http.ResponseWriter, r *http.Request) {
	keysets := s.mint.Keysets()
	resp := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, len(keysets))}
	for i, ks := range keysets {
		resp.Keysets[i] = nut02.Keyset{Id: ks.Id, Unit: ks.Unit, Active: ks.Active}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequestMint(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		s.writeError(w, cashu.BuildError("invalid or missing amount", cashu.KindMalformedRequest))
		return
	}

	pr, hash, err := s.mint.RequestMint(r.Context(), amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		PR   string `json:"pr"`
		Hash string `json:"hash"`
	}{pr, hash})
}

type postMintRequest struct {
	Outputs cashu.BlindedMessages `json:"outputs"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("payment_hash")
	if hash == "" {
		s.writeError(w, cashu.BuildError("missing payment_hash", cashu.KindMalformedRequest))
		return
	}

	var req postMintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, cashu.BuildError("malformed request body", cashu.KindMalformedRequest))
		return
	}

	promises, err := s.mint.Mint(r.Context(), req.Outputs, hash)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Promises cashu.BlindedSignatures `json:"promises"`
	}{promises})
}

type meltRequest struct {
	Proofs  cashu.Proofs          `json:"proofs"`
	PR      string                `json:"pr"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

func (s *Server) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req meltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, cashu.BuildError("malformed request body", cashu.KindMalformedRequest))
		return
	}

	paid, preimage, change, err := s.mint.Melt(r.Context(), req.Proofs, req.PR, req.Outputs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Paid     bool                    `json:"paid"`
		Preimage string                  `json:"preimage"`
		Change   cashu.BlindedSignatures `json:"change"`
	}{paid, preimage, change})
}

type checkRequest struct {
	Proofs cashu.Proofs `json:"proofs"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, cashu.BuildError("malformed request body", cashu.KindMalformedRequest))
		return
	}

	spendable, err := s.mint.CheckSpendable(req.Proofs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Spendable []bool `json:"spendable"`
	}{spendable})
}

type checkFeesRequest struct {
	PR string `json:"pr"`
}

func (s *Server) handleCheckFees(w http.ResponseWriter, r *http.Request) {
	var req checkFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, cashu.BuildError("malformed request body", cashu.KindMalformedRequest))
		return
	}

	fee, err := s.mint.CheckFees(r.Context(), req.PR)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Fee uint64 `json:"fee"`
	}{fee})
}

type splitRequest struct {
	Proofs  cashu.Proofs          `json:"proofs"`
	Amount  uint64                `json:"amount"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, cashu.BuildError("malformed request body", cashu.KindMalformedRequest))
		return
	}

	fst, snd, err := s.mint.Split(r.Context(), req.Proofs, req.Amount, req.Outputs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Fst cashu.BlindedSignatures `json:"fst"`
		Snd cashu.BlindedSignatures `json:"snd"`
	}{fst, snd})
}

func (s *Server) handleReservesPromises(w http.ResponseWriter, r *http.Request) {
	id := decodeKeysetId(mux.Vars(r)["id"])
	promises, err := s.store.GetPromisesByKeyset(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Promises   cashu.BlindedSignatures `json:"promises"`
		Id         string                  `json:"id"`
		SumAmounts uint64                  `json:"sum_amounts"`
	}{promises, id, promises.Amount()})
}

func (s *Server) handleReservesProofs(w http.ResponseWriter, r *http.Request) {
	id := decodeKeysetId(mux.Vars(r)["id"])
	proofs, err := s.store.GetProofsByKeyset(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Proofs     cashu.Proofs `json:"proofs"`
		Id         string       `json:"id"`
		SumAmounts uint64       `json:"sum_amounts"`
	}{proofs, id, proofs.Amount()})
}
