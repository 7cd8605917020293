package staff

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/curia-hub/curia-hub/internal/platform/httpx"
	"github.com/curia-hub/curia-hub/internal/shared"
)

// Handler wires the staff workflow and roster endpoints.
type Handler struct {
	logger       *slog.Logger
	registration *RegistrationService
	engine       *Service
	queries      *QueryService
	validator    *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, registration *RegistrationService, engine *Service, queries *QueryService) *Handler {
	return &Handler{
		logger:       logger,
		registration: registration,
		engine:       engine,
		queries:      queries,
		validator:    validator.New(),
	}
}

// MountRoutes registers staff routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/register", h.register)

	r.Group(func(r chi.Router) {
		r.Use(h.requireActor)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
		r.Post("/{id}/end-term", h.endTerm)
		r.Post("/{id}/toggle", h.toggle)
		r.Get("/occupants", h.occupants)
		r.Get("/pending", h.pending)
		r.Get("/terms", h.terms)
		r.Get("/terms/export.csv", h.exportTerms)
		r.Get("/overview", h.overview)
	})
}

// requireActor resolves the session user to a staff account and stores it in
// the request context. Authorization decisions stay in the service layer.
func (h *Handler) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.User() == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
			return
		}
		actorID, err := uuid.Parse(sess.User())
		if err != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
			return
		}
		actor, err := h.engine.GetAccount(r.Context(), actorID)
		if err != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "account unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), &actor)))
	})
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Phone    string `json:"phone"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=chancellor parish_staff"`
	Diocese  string `json:"diocese" validate:"required"`
	ParishID string `json:"parish_id"`
	Position string `json:"position" validate:"omitempty,oneof=secretary priest"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	id, err := h.registration.Register(r.Context(), RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Password: req.Password,
		Role:     Role(req.Role),
		Scope:    Scope{Diocese: req.Diocese, ParishID: req.ParishID, Position: Position(req.Position)},
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": id, "status": StatusPending})
}

type approveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}
	// The body is optional; approval notes default to empty.
	var req approveRequest
	_ = httpx.DecodeJSON(r, &req)
	outcome, err := h.engine.Approve(r.Context(), actor.ID, targetID, req.Notes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.engine.Reject(r.Context(), actor.ID, targetID, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": targetID, "status": StatusRejected})
}

func (h *Handler) endTerm(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.engine.EndTerm(r.Context(), actor.ID, targetID, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": targetID, "status": StatusArchived})
}

type toggleRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
	Reason string `json:"reason"`
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.engine.ToggleActive(r.Context(), actor.ID, targetID, Status(req.Status), req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": targetID, "status": req.Status})
}

func (h *Handler) occupants(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromQuery(w, r)
	if !ok {
		return
	}
	occupants, err := h.queries.CurrentOccupants(r.Context(), scope)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"occupants": occupants})
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromQuery(w, r)
	if !ok {
		return
	}
	queue, err := h.queries.PendingQueue(r.Context(), scope)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"pending": queue})
}

func (h *Handler) terms(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromQuery(w, r)
	if !ok {
		return
	}
	terms, err := h.queries.TermHistory(r.Context(), scope)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"terms": terms})
}

// overview fans the three roster reads out in parallel; each tolerates
// eventual consistency so no transaction is needed.
func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromQuery(w, r)
	if !ok {
		return
	}

	var (
		occupants []StaffAccount
		queue     []StaffAccount
		terms     []TermRecord
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		occupants, err = h.queries.CurrentOccupants(ctx, scope)
		return err
	})
	g.Go(func() error {
		var err error
		queue, err = h.queries.PendingQueue(ctx, scope)
		return err
	})
	g.Go(func() error {
		var err error
		terms, err = h.queries.TermHistory(ctx, scope)
		return err
	})
	if err := g.Wait(); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"occupants": occupants,
		"pending":   queue,
		"terms":     terms,
	})
}

func (h *Handler) exportTerms(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromQuery(w, r)
	if !ok {
		return
	}
	terms, err := h.queries.TermHistory(r.Context(), scope)
	if err != nil {
		h.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "term-history.csv"))

	buf := bufio.NewWriter(w)
	writer := csv.NewWriter(buf)
	writer.UseCRLF = true
	_ = writer.Write([]string{"staff_name", "staff_email", "scope", "term_start", "term_end", "status", "end_reason", "successor_id"})
	for _, term := range terms {
		end := ""
		if term.TermEnd != nil {
			end = term.TermEnd.Format(time.RFC3339)
		}
		successor := ""
		if term.SuccessorID != nil {
			successor = term.SuccessorID.String()
		}
		_ = writer.Write([]string{
			term.StaffName,
			term.StaffEmail,
			term.Scope.Key(),
			term.TermStart.Format(time.RFC3339),
			end,
			string(term.Status),
			term.EndReason,
			successor,
		})
	}
	writer.Flush()
	if err := buf.Flush(); err != nil {
		h.logger.Warn("flush csv export", slog.Any("error", err))
	}
}

func (h *Handler) actorAndTarget(w http.ResponseWriter, r *http.Request) (*StaffAccount, uuid.UUID, bool) {
	actor := ActorFromContext(r.Context())
	if actor == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return nil, uuid.Nil, false
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid account id")
		return nil, uuid.Nil, false
	}
	return actor, targetID, true
}

func (h *Handler) scopeFromQuery(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	q := r.URL.Query()
	scope := Scope{
		Diocese:  q.Get("diocese"),
		ParishID: q.Get("parish_id"),
		Position: Position(q.Get("position")),
	}
	if scope.Diocese == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "diocese query parameter required")
		return Scope{}, false
	}
	return scope, true
}

// respondError maps the engine taxonomy to problem responses with stable
// error codes, so callers can branch without string matching.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.ProblemCode(w, http.StatusNotFound, "NOT_FOUND", "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyProcessed):
		httpx.ProblemCode(w, http.StatusConflict, "ALREADY_PROCESSED", "Conflict", err.Error())
	case errors.Is(err, ErrNotActive):
		httpx.ProblemCode(w, http.StatusConflict, "NOT_ACTIVE", "Conflict", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.ProblemCode(w, http.StatusConflict, "INVALID_TRANSITION", "Conflict", err.Error())
	case errors.Is(err, ErrSeatOccupied):
		httpx.ProblemCode(w, http.StatusConflict, "SEAT_OCCUPIED", "Conflict", err.Error())
	case errors.Is(err, ErrDuplicateIdentity):
		httpx.ProblemCode(w, http.StatusConflict, "DUPLICATE_IDENTITY", "Conflict", err.Error())
	case errors.Is(err, ErrOrphanedIdentity):
		httpx.ProblemCode(w, http.StatusInternalServerError, "ORPHANED_IDENTITY", "Registration Incomplete", err.Error())
	case errors.Is(err, ErrUnauthorized):
		httpx.ProblemCode(w, http.StatusForbidden, "UNAUTHORIZED", "Forbidden", err.Error())
	case errors.Is(err, ErrCannotActOnSelf):
		httpx.ProblemCode(w, http.StatusForbidden, "CANNOT_ACT_ON_SELF", "Forbidden", err.Error())
	default:
		h.logger.Error("staff handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
