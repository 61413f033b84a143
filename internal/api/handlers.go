package api

import (
	"net/http"
	"time"

	"tablealloc/internal/allocation"
	"tablealloc/internal/availability"
	"tablealloc/internal/errs"
	"tablealloc/internal/model"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Kind    string `json:"kind,omitempty"`
	} `json:"error"`
	Detail any `json:"detail,omitempty"`
}

func errorBody(msg string, kind errs.Kind) errorResponse {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Kind = string(kind)
	return resp
}

// statusFor maps an error kind onto the HTTP status clients see.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNoAvailability, errs.KindConcurrencyConflict, errs.KindLockTimeout, errs.KindInvalidTransition:
		return http.StatusConflict
	case errs.KindConfiguration:
		return http.StatusUnprocessableEntity
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithKind keeps err on the gin context for the request log and hides
// internal details from the client.
func abortWithKind(c *gin.Context, kind errs.Kind, err error, detail any) {
	status := statusFor(kind)
	msg := "internal error"
	if status != http.StatusInternalServerError && err != nil {
		msg = err.Error()
	}
	resp := errorBody(msg, kind)
	resp.Detail = detail
	if err != nil {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func abortBadRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(err.Error(), ""))
}

type idURI struct {
	ID int64 `uri:"id" binding:"required,min=1"`
}

type availabilityQuery struct {
	At    time.Time `form:"at" binding:"required" time_format:"2006-01-02T15:04:05Z07:00" time_utc:"1"`
	Party int       `form:"party" binding:"required,min=1"`
}

// GET /api/v1/restaurants/:id/availability?at=2026-01-15T19:00:00Z&party=4
func (s *Server) handleAvailability(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abortBadRequest(c, err)
		return
	}
	var q availabilityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortBadRequest(c, err)
		return
	}

	av, err := s.availability.CheckAvailability(c.Request.Context(), uri.ID, q.At, q.Party)
	if err != nil {
		abortWithKind(c, errs.KindOf(err), err, nil)
		return
	}
	c.JSON(http.StatusOK, av)
}

type timesQuery struct {
	Date  time.Time `form:"date" binding:"required" time_format:"2006-01-02" time_utc:"1"`
	Party int       `form:"party" binding:"required,min=1"`
}

type timesResponse struct {
	Date  string                  `json:"date"`
	Times []availability.TimeSlot `json:"times"`
}

// GET /api/v1/restaurants/:id/times?date=2026-01-15&party=2
func (s *Server) handleAvailableTimes(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abortBadRequest(c, err)
		return
	}
	var q timesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortBadRequest(c, err)
		return
	}

	slots, err := s.availability.AvailableTimes(c.Request.Context(), uri.ID, q.Date, q.Party)
	if err != nil {
		abortWithKind(c, errs.KindOf(err), err, nil)
		return
	}
	if slots == nil {
		slots = []availability.TimeSlot{}
	}
	c.JSON(http.StatusOK, timesResponse{Date: q.Date.Format("2006-01-02"), Times: slots})
}

type createReservationBody struct {
	RestaurantID    int64     `json:"restaurant_id" binding:"required,min=1"`
	StartsAt        time.Time `json:"starts_at" binding:"required"`
	Adults          int       `json:"adults" binding:"min=0"`
	Children        int       `json:"children" binding:"min=0"`
	PeriodID        int64     `json:"period_id" binding:"min=0"`
	AllocationToken string    `json:"allocation_token" binding:"max=128"`
}

// POST /api/v1/reservations
// The Idempotency-Key header is used when the body carries no token.
func (s *Server) handleCreateReservation(c *gin.Context) {
	var body createReservationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortBadRequest(c, err)
		return
	}
	token := body.AllocationToken
	if token == "" {
		token = c.GetHeader("Idempotency-Key")
	}

	res := s.allocator.Run(c.Request.Context(), allocation.Request{
		RestaurantID:    body.RestaurantID,
		StartsAt:        body.StartsAt,
		Adults:          body.Adults,
		Children:        body.Children,
		PeriodID:        body.PeriodID,
		AllocationToken: token,
	})
	if !res.Success {
		abortWithKind(c, res.Kind, res.Err, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type changePartyBody struct {
	Adults   int `json:"adults" binding:"min=0"`
	Children int `json:"children" binding:"min=0"`
}

// PATCH /api/v1/reservations/:id/party
func (s *Server) handleChangeParty(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abortBadRequest(c, err)
		return
	}
	var body changePartyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortBadRequest(c, err)
		return
	}

	r, err := s.allocator.ChangePartySize(c.Request.Context(), uri.ID, body.Adults, body.Children)
	if err != nil {
		abortWithKind(c, errs.KindOf(err), err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

type transitionBody struct {
	Version int64 `json:"version" binding:"min=0"`
}

type transitionFunc func(c *gin.Context, id, version int64) (*model.Reservation, error)

func (s *Server) handleTransition(c *gin.Context, apply transitionFunc) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abortBadRequest(c, err)
		return
	}
	var body transitionBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			abortBadRequest(c, err)
			return
		}
	}

	r, err := apply(c, uri.ID, body.Version)
	if err != nil {
		abortWithKind(c, errs.KindOf(err), err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

// POST /api/v1/reservations/:id/cancel
func (s *Server) handleCancel(c *gin.Context) {
	s.handleTransition(c, func(c *gin.Context, id, version int64) (*model.Reservation, error) {
		return s.allocator.Cancel(c.Request.Context(), id, version)
	})
}

// POST /api/v1/reservations/:id/no-show
func (s *Server) handleNoShow(c *gin.Context) {
	s.handleTransition(c, func(c *gin.Context, id, version int64) (*model.Reservation, error) {
		return s.allocator.MarkNoShow(c.Request.Context(), id, version)
	})
}
