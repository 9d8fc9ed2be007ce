package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/username-attestor/internal/domain"
	"github.com/tbourn/username-attestor/internal/services"
	"github.com/tbourn/username-attestor/internal/transport"
	"github.com/tbourn/username-attestor/internal/utils"
)

// AdminService is the operator read side consumed by the handlers.
type AdminService interface {
	ListPage(ctx context.Context, requesterID string, page, pageSize int) ([]domain.Reservation, int64, error)
	Get(ctx context.Context, reservationID string) (*services.ReservationView, error)
	Attestation(ctx context.Context, paymentTxID string) (*domain.AttestationJob, error)
}

// Sweep is one on-demand maintenance job.
type Sweep func(ctx context.Context) error

// Handlers groups the HTTP endpoints.
type Handlers struct {
	events transport.Handler
	admin  AdminService
	sweeps map[string]Sweep
}

// New returns Handlers bound to the given collaborators.
func New(events transport.Handler, admin AdminService, sweeps map[string]Sweep) *Handlers {
	return &Handlers{events: events, admin: admin, sweeps: sweeps}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListReservationsResponse wraps a page of reservations.
type ListReservationsResponse struct {
	Reservations []domain.Reservation `json:"reservations"`
	Pagination   Pagination           `json:"pagination"`
}

// clampPagination reads page and page_size; page is at least 1 and
// page_size is bounded to [1, 100].
func clampPagination(c *gin.Context) (page, pageSize int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), 20), 1, 100)
	return page, pageSize
}

// PostEvent accepts one inbound event envelope and processes it before
// answering 202. Malformed envelopes get 400.
func (h *Handlers) PostEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	ev, err := transport.DecodeEvent(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
		return
	}
	if err := h.events.HandleEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, transport.ErrInvalidEvent) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeEventFailed, err.Error())
		return
	}
	ok(c, http.StatusAccepted, gin.H{"status": "accepted", "type": ev.Type})
}

// ListReservations returns a page of one requester's reservations.
func (h *Handlers) ListReservations(c *gin.Context) {
	requester := strings.TrimSpace(c.Query("requester_id"))
	if requester == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "requester_id is required")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.admin.ListPage(c.Request.Context(), requester, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListReservationsResponse{
		Reservations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetReservation returns one reservation with its payment history.
func (h *Handlers) GetReservation(c *gin.Context) {
	v, err := h.admin.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, services.ErrReservationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "reservation not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, v)
	}
}

// GetAttestation returns the attestation job of a finalized payment.
func (h *Handlers) GetAttestation(c *gin.Context) {
	j, err := h.admin.Attestation(c.Request.Context(), c.Param("tx"))
	switch {
	case errors.Is(err, services.ErrAttestationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "attestation job not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, j)
	}
}

// RunSweep runs a named maintenance job now.
func (h *Handlers) RunSweep(c *gin.Context) {
	name := c.Param("name")
	sweep, found := h.sweeps[name]
	if !found {
		names := make([]string, 0, len(h.sweeps))
		for n := range h.sweeps {
			names = append(names, n)
		}
		sort.Strings(names)
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown sweep, expected one of: "+strings.Join(names, ", "))
		return
	}
	if err := sweep(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSweepFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"sweep": name, "status": "done"})
}
