package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/lottery"
)

// envelope is the response shape of every /lottery route.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeFail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// writeServiceError maps engine errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, draw.ErrNotFound):
		writeFail(w, http.StatusNotFound, "Not found")
	case errors.Is(err, lottery.ErrEmptyPool):
		writeFail(w, http.StatusBadRequest, "No tickets in the open pool")
	case errors.Is(err, lottery.ErrDuplicateTicket):
		writeFail(w, http.StatusConflict, "Ticket number already taken in the open pool")
	case errors.Is(err, draw.ErrDrawPending):
		writeFail(w, http.StatusConflict, "A draw is already waiting for its blocks")
	case errors.Is(err, draw.ErrNotCompleted):
		writeFail(w, http.StatusConflict, "Draw has not been revealed yet")
	case errors.Is(err, draw.ErrInvalidBlockCount), errors.Is(err, draw.ErrInvalidTicket):
		writeFail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, draw.ErrNotWinner):
		writeFail(w, http.StatusBadRequest, "This ticket did not win")
	case errors.Is(err, draw.ErrAlreadyClaimed):
		writeFail(w, http.StatusBadRequest, "Prize already claimed")
	case errors.Is(err, draw.ErrNoPrize):
		writeFail(w, http.StatusNotFound, "No prize available")
	case chain.IsUnavailable(err):
		writeFail(w, http.StatusServiceUnavailable, "Block hash source unavailable, try again later")
	default:
		log.Printf("[api] Internal error: %v", err)
		writeFail(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) registerLotteryRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /lottery/current", s.handleCurrent)
	mux.HandleFunc("GET /lottery/history", s.handleHistory)
	mux.HandleFunc("POST /lottery/draw", s.limited(s.handleDraw))
	mux.HandleFunc("POST /lottery/verify", s.limited(s.handleVerify))
	mux.HandleFunc("GET /lottery/tickets/user", s.handleUserTickets)
	mux.HandleFunc("GET /lottery/tickets/pool", s.handlePool)
	mux.HandleFunc("POST /lottery/tickets", s.limited(s.handlePurchase))
	mux.HandleFunc("POST /lottery/claim-prize/{ticketId}", s.limited(s.handleClaimPrize))
	mux.HandleFunc("GET /lottery/draws/{drawNumber}", s.handleGetDraw)
	mux.HandleFunc("POST /lottery/draws/{drawNumber}/verify", s.limited(s.handleVerifyDraw))
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lottery.Current()
	if errors.Is(err, draw.ErrNotFound) {
		writeFail(w, http.StatusNotFound, "No draws yet")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	h, err := s.lottery.History(page, perPage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, h)
}

type drawRequest struct {
	BlockCount      int    `json:"blockCount"`
	PrizeContractID string `json:"prizeContractId"`
}

// handleDraw commits the open pool to future blocks. The draw completes
// asynchronously once they are mined, so the response is 202 with the
// pending record.
func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !claims.IsAdmin() {
		writeFail(w, http.StatusForbidden, "Admin role required")
		return
	}

	var req drawRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFail(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	rec, err := s.lottery.Commit(r.Context(), req.BlockCount, req.PrizeContractID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[api] Draw #%d committed by %s", rec.DrawNumber, claims.UserID)
	writeOK(w, http.StatusAccepted, rec)
}

type verifyRequest struct {
	SeedHex       string   `json:"seedHex"`
	Tickets       []int64  `json:"tickets"`
	ClaimedWinner *int64   `json:"claimedWinner"`
	BlockHashes   []string `json:"blockHashes"`
	BlockHeights  []int64  `json:"blockHeights"`
	CheckChain    bool     `json:"checkChain"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.SeedHex == "" || len(req.Tickets) == 0 || req.ClaimedWinner == nil {
		writeFail(w, http.StatusBadRequest, "seedHex, tickets and claimedWinner are required")
		return
	}

	rep := s.lottery.Verify(r.Context(), lottery.Claim{
		SeedHex:      req.SeedHex,
		Tickets:      req.Tickets,
		Winner:       *req.ClaimedWinner,
		BlockHashes:  req.BlockHashes,
		BlockHeights: req.BlockHeights,
	}, req.CheckChain)
	s.writeReport(w, rep)
}

// writeReport answers 200 for a verdict, valid or not, and 400 when the
// input could not be evaluated at all.
func (s *Server) writeReport(w http.ResponseWriter, rep *lottery.Report) {
	if err := rep.Err(); err != nil && !lottery.IsMismatch(err) {
		writeFail(w, http.StatusBadRequest, rep.Message)
		return
	}
	writeOK(w, http.StatusOK, rep)
}

func (s *Server) handleUserTickets(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tickets, err := s.lottery.UserTickets(claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, tickets)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.lottery.OpenPool()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	numbers := make([]int64, len(tickets))
	for i, t := range tickets {
		numbers[i] = t.TicketNumber
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"tickets": numbers,
		"count":   len(numbers),
	})
}

type purchaseRequest struct {
	TicketNumber int64 `json:"ticketNumber"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFail(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	t, err := s.lottery.Purchase(claims.UserID, req.TicketNumber)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, t)
}

func (s *Server) handleClaimPrize(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	t, err := s.lottery.ClaimPrize(claims.UserID, r.PathValue("ticketId"))
	if errors.Is(err, draw.ErrNotFound) {
		writeFail(w, http.StatusNotFound, "Ticket not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, t)
}

func drawNumberParam(r *http.Request) (int64, error) {
	n, err := strconv.ParseInt(r.PathValue("drawNumber"), 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("drawNumber must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleGetDraw(w http.ResponseWriter, r *http.Request) {
	n, err := drawNumberParam(r)
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.lottery.Get(n)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, rec)
}

// handleVerifyDraw audits a stored draw. ?chain=false skips re-fetching the
// block hashes.
func (s *Server) handleVerifyDraw(w http.ResponseWriter, r *http.Request) {
	n, err := drawNumberParam(r)
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	checkChain := r.URL.Query().Get("chain") != "false"
	rep, err := s.lottery.VerifyDraw(r.Context(), n, checkChain)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeReport(w, rep)
}
