package registerhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/cashdesk/internal/platform/httpx"
	"github.com/odyssey-erp/cashdesk/internal/register"
	"github.com/odyssey-erp/cashdesk/internal/shared"
)

// IdempotencyModule scopes Idempotency-Key values of movement submissions.
const IdempotencyModule = "register.movement"

const auditTrailLimit = 200

type registerService interface {
	OpenRegister(ctx context.Context, in register.OpenInput) (register.Session, error)
	AddMovement(ctx context.Context, in register.MovementInput) (register.MovementResult, error)
	CloseRegister(ctx context.Context, in register.CloseInput) (register.CloseResult, error)
	GetCurrentSession(ctx context.Context, tillID int64) (*register.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (register.Session, error)
	ListMovements(ctx context.Context, sessionID uuid.UUID, page, pageSize int) (register.MovementPage, error)
	ListSessions(ctx context.Context, tillID int64, page, pageSize int) (register.SessionPage, error)
	GetReconciliation(ctx context.Context, id uuid.UUID) (register.Reconciliation, bool, error)
}

type idempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

type auditReader interface {
	List(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// Options carries the optional collaborators of the handler.
type Options struct {
	Idempotency idempotencyStore
	Audit       auditReader
	Messages    *httpx.Localizer
}

// Handler exposes register sessions over JSON.
type Handler struct {
	logger      *slog.Logger
	service     registerService
	idempotency idempotencyStore
	audit       auditReader
	validate    *validator.Validate
	errors      *httpx.ErrorMapper
	current     singleflight.Group
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service registerService, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	messages := opts.Messages
	if messages == nil {
		messages = httpx.NewLocalizer("")
	}
	messages.Add(Messages()...)
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: opts.Idempotency,
		audit:       opts.Audit,
		validate:    validate,
		errors:      httpx.NewErrorMapper(messages, logger, ErrorRules()...),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/registers/{tillID}/sessions", func(r chi.Router) {
		r.Post("/", h.openRegister)
		r.Get("/", h.listSessions)
		r.Get("/current", h.currentSession)
	})
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.sessionDetail)
		r.Post("/movements", h.addMovement)
		r.Get("/movements", h.listMovements)
		r.Post("/close", h.closeRegister)
		if h.audit != nil {
			r.Get("/audit", h.auditTrail)
		}
	})
}

func (h *Handler) openRegister(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	tillID, err := tillParam(r)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	var req openRequest
	if err := h.decode(r, &req); err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	session, err := h.service.OpenRegister(r.Context(), register.OpenInput{
		TillID:         tillID,
		OpeningBalance: *req.OpeningBalance,
		Notes:          req.Notes,
		ActorID:        actorID,
	})
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "register opened",
		slog.Int64("till_id", tillID),
		slog.String("session_id", session.ID.String()),
		slog.Int64("actor_id", actorID))
	httpx.JSON(w, http.StatusCreated, newSessionView(session))
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	tillID, err := tillParam(r)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	key := "current:" + strconv.FormatInt(tillID, 10)
	result, err, _ := h.shared(r.Context(), key, func(ctx context.Context) (interface{}, error) {
		return h.service.GetCurrentSession(ctx, tillID)
	})
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	var resp currentSessionResponse
	if session, _ := result.(*register.Session); session != nil {
		view := newSessionView(*session)
		resp.Session = &view
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	tillID, err := tillParam(r)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	page, perPage, err := pageParams(r)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	result, err := h.service.ListSessions(r.Context(), tillID, page, perPage)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(result.Sessions))
	for _, s := range result.Sessions {
		views = append(views, newSessionView(s))
	}
	httpx.JSON(w, http.StatusOK, sessionListResponse{
		Sessions:   views,
		Pagination: shared.NewPagination(result.Page, result.PageSize, result.Total),
	})
}

func (h *Handler) sessionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r, register.ErrSessionNotFound)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}

	var (
		session register.Session
		page    register.MovementPage
		rec     register.Reconciliation
		closed  bool
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		session, err = h.service.GetSession(ctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		page, err = h.service.ListMovements(ctx, id, 1, register.DefaultPageSize)
		return err
	})
	g.Go(func() error {
		var err error
		rec, closed, err = h.service.GetReconciliation(ctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		h.errors.Respond(w, r, err)
		return
	}

	resp := sessionDetailResponse{
		Session:    newSessionView(session),
		Movements:  newMovementViews(page.Movements),
		Pagination: shared.NewPagination(page.Page, page.PageSize, page.Total),
	}
	if closed {
		resp.Reconciliation = newReconciliationView(rec)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) addMovement(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := sessionParam(r, register.ErrSessionNotOpen)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	var req movementRequest
	if err := h.decode(r, &req); err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	mt, err := register.ParseMovementType(req.Type)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, IdempotencyModule); err != nil {
			if !errors.Is(err, shared.ErrIdempotencyConflict) {
				err = fmt.Errorf("%w: %w", register.ErrStorageUnavailable, err)
			}
			h.errors.Respond(w, r, err)
			return
		}
	}

	result, err := h.service.AddMovement(r.Context(), register.MovementInput{
		SessionID:   id,
		Type:        mt,
		Amount:      *req.Amount,
		Description: req.Description,
		Notes:       req.Notes,
		ActorID:     actorID,
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key, IdempotencyModule); delErr != nil {
				h.logger.WarnContext(r.Context(), "release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.errors.Respond(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "movement recorded",
		slog.Int64("till_id", result.Session.TillID),
		slog.String("session_id", id.String()),
		slog.String("type", string(mt)),
		slog.String("amount", result.Movement.Amount.String()))
	httpx.JSON(w, http.StatusCreated, movementResponse{
		Movement: newMovementView(result.Movement),
		Session:  newSessionView(result.Session),
	})
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r, register.ErrSessionNotFound)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	page, perPage, err := pageParams(r)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	result, err := h.service.ListMovements(r.Context(), id, page, perPage)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementListResponse{
		Movements:  newMovementViews(result.Movements),
		Pagination: shared.NewPagination(result.Page, result.PageSize, result.Total),
	})
}

func (h *Handler) closeRegister(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := sessionParam(r, register.ErrSessionNotOpen)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	var req closeRequest
	if err := h.decode(r, &req); err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	result, err := h.service.CloseRegister(r.Context(), register.CloseInput{
		SessionID:      id,
		ClosingBalance: *req.ClosingBalance,
		Notes:          req.Notes,
		ActorID:        actorID,
	})
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "register closed",
		slog.Int64("till_id", result.Session.TillID),
		slog.String("session_id", id.String()),
		slog.String("discrepancy", result.Discrepancy.String()),
		slog.String("outcome", string(result.Reconciliation.Outcome)))
	httpx.JSON(w, http.StatusOK, closeResponse{
		Session:         newSessionView(result.Session),
		Movement:        newMovementView(result.Movement),
		ExpectedBalance: result.ExpectedBalance,
		Discrepancy:     result.Discrepancy,
		Reconciliation:  newReconciliationView(result.Reconciliation),
	})
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r, register.ErrSessionNotFound)
	if err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	if _, err := h.service.GetSession(r.Context(), id); err != nil {
		h.errors.Respond(w, r, err)
		return
	}
	entries, err := h.audit.List(r.Context(), "register_session", id.String(), auditTrailLimit)
	if err != nil {
		h.errors.Respond(w, r, fmt.Errorf("%w: %w", register.ErrStorageUnavailable, err))
		return
	}
	if entries == nil {
		entries = []shared.AuditLog{}
	}
	httpx.JSON(w, http.StatusOK, auditResponse{Entries: entries})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		h.errors.Respond(w, r, fmt.Errorf("%w: missing operator identity", httpx.ErrUnauthorized))
		return 0, false
	}
	return actorID, true
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: malformed body: %v", httpx.ErrValidation, err)
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
		}
		return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(msgs, ", "))
	}
	return nil
}

func tillParam(r *http.Request) (int64, error) {
	tillID, err := strconv.ParseInt(chi.URLParam(r, "tillID"), 10, 64)
	if err != nil || tillID <= 0 {
		return 0, register.ErrInvalidTill
	}
	return tillID, nil
}

// Malformed ids fail like unknown ones: not found for queries, not open for commands.
func sessionParam(r *http.Request, unknown error) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, unknown
	}
	return id, nil
}

func pageParams(r *http.Request) (int, int, error) {
	query := r.URL.Query()
	parse := func(name string) (int, error) {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			return 0, nil
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrValidation, name)
		}
		return value, nil
	}
	page, err := parse("page")
	if err != nil {
		return 0, 0, err
	}
	if page > register.MaxPage {
		return 0, 0, fmt.Errorf("%w: page must not exceed %d", httpx.ErrValidation, register.MaxPage)
	}
	perPage, err := parse("per_page")
	if err != nil {
		return 0, 0, err
	}
	return page, perPage, nil
}
