package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raffle/internal/models"
	"raffle/internal/services"
	"raffle/internal/store"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Raffle     *services.RaffleService
	Payments   *services.PaymentService
	Settlement *services.SettlementService
	Resolver   *services.DrawResolver
	Dispatcher *services.Dispatcher
	Backups    *services.BackupService
	Transfer   *services.StateTransfer
	Gatherer   prometheus.Gatherer

	RaffleName        string
	RaffleDescription string
	AdminUser         string
	AdminPass         string
}

// HTTPHandler holds the dependencies for the HTTP handlers.
type HTTPHandler struct {
	Deps
	now func() time.Time
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(deps Deps) *HTTPHandler {
	return &HTTPHandler{Deps: deps, now: time.Now}
}

// RegisterRoutes registers all the application routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	if h.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.GET("/raffle", h.ShowRaffle)
	api.POST("/register", h.Register)
	api.GET("/draw/next", h.NextDraw)
	api.GET("/results", h.LatestResult)

	router.POST("/webhook", h.PaymentWebhook)
	router.GET("/payment/:result", h.PaymentReturn)

	admin := api.Group("/admin", gin.BasicAuth(gin.Accounts{h.AdminUser: h.AdminPass}))
	h.registerAdminRoutes(admin)
}

// Health reports that the process is serving.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ShowRaffle returns the public description of the raffle.
func (h *HTTPHandler) ShowRaffle(c *gin.Context) {
	prizes, err := h.Raffle.Prizes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":         h.RaffleName,
		"description":  h.RaffleDescription,
		"ticketAmount": h.Raffle.TicketAmount(),
		"prizes":       prizes,
		"prizeLabel":   h.Settlement.PrizeLabel(),
	})
}

// Register handles a public ticket registration.
func (h *HTTPHandler) Register(c *gin.Context) {
	var req services.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.Raffle.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"ticket":       p.Ticket,
		"name":         p.Name,
		"paymentState": p.PaymentState,
		"paymentLink":  p.PaymentLinkID,
		"amount":       h.Raffle.TicketAmount(),
	})
}

// NextDraw returns the next draw instant and the countdown to it.
func (h *HTTPHandler) NextDraw(c *gin.Context) {
	now := h.now()
	next := services.NextDrawInstant(now)
	c.JSON(http.StatusOK, gin.H{
		"nextDraw":         next.Format(time.RFC3339),
		"secondsRemaining": int64(next.Sub(now).Seconds()),
	})
}

type publicWinner struct {
	Name   string `json:"name"`
	Ticket string `json:"ticket"`
}

// LatestResult returns the most recent draw without winner contact details.
func (h *HTTPHandler) LatestResult(c *gin.Context) {
	o, ok, err := h.Settlement.Latest(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"result": nil})
		return
	}
	winners := make([]publicWinner, 0, len(o.Winners))
	for _, w := range o.Winners {
		winners = append(winners, publicWinner{Name: w.Name, Ticket: w.Ticket})
	}
	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		"date":           o.Date,
		"officialNumber": o.OfficialNumber,
		"prizeLabel":     o.PrizeLabel,
		"winners":        winners,
	}})
}

// PaymentWebhook receives payment notifications from Mercado Pago. A failed
// provider lookup answers 502 so the provider retries the delivery.
func (h *HTTPHandler) PaymentWebhook(c *gin.Context) {
	var ev services.PaymentEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		logger.Warningf("webhook: bad body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment event"})
		return
	}
	res, err := h.Payments.Reconcile(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": res.Status})
		return
	}
	c.JSON(http.StatusOK, res)
}

// PaymentReturn is where the provider sends payers back after checkout.
func (h *HTTPHandler) PaymentReturn(c *gin.Context) {
	messages := map[string]string{
		"success": "¡Pago recibido! Tu boleto quedará confirmado en cuanto se acredite.",
		"pending": "Tu pago está pendiente de acreditación.",
		"failure": "El pago no se pudo completar. Podés intentarlo nuevamente.",
	}
	result := c.Param("result")
	msg, ok := messages[result]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "ticket": c.Query("ticket"), "message": msg})
}

// writeError maps service errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.Is(err, models.ErrDuplicateTicket):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "field": "ticket"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": verr.Field})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrPrizeIndex), errors.Is(err, services.ErrEmptyPrize),
		errors.Is(err, services.ErrInvalidBackup), errors.Is(err, services.ErrMissingColumns):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUnresolved):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logger.Errorf("http: %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
