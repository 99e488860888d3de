package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"raffle/internal/models"
	"raffle/internal/services"
)

func (h *HTTPHandler) registerAdminRoutes(admin *gin.RouterGroup) {
	admin.GET("/participants", h.ListParticipants)
	admin.POST("/participants", h.AddParticipant)
	admin.POST("/participants/:ticket/paid", h.MarkPaid)
	admin.POST("/participants/import", h.ImportParticipantsCSV)
	admin.GET("/participants/export", h.ExportParticipantsCSV)

	admin.GET("/prizes", h.ListPrizes)
	admin.POST("/prizes", h.AddPrize)
	admin.DELETE("/prizes", h.ClearPrizes)
	admin.PUT("/prizes/:index", h.UpdatePrize)
	admin.DELETE("/prizes/:index", h.DeletePrize)
	admin.POST("/prizes/:index/move", h.MovePrize)
	admin.POST("/prizes/import", h.ImportPrizes)
	admin.GET("/prizes/export", h.ExportPrizes)

	admin.GET("/draw/check", h.CheckDraw)
	admin.POST("/draw/settle", h.SettleDraw)
	admin.GET("/results", h.ListResults)
	admin.GET("/results/export", h.ExportResultsCSV)

	admin.GET("/templates", h.GetTemplates)
	admin.PUT("/templates", h.SetTemplates)
	admin.POST("/reminders", h.SendReminders)

	admin.GET("/backups", h.ListBackups)
	admin.POST("/backups", h.CreateBackup)
	admin.GET("/backups/:name", h.DownloadBackup)
	admin.POST("/backups/:name/restore", h.RestoreBackup)

	admin.GET("/state/export", h.ExportState)
	admin.POST("/state/import", h.ImportState)

	admin.GET("/stats", h.Stats)
	admin.POST("/reset", h.Reset)
}

// ---------- Participants ----------

// ListParticipants returns participants, optionally filtered by ?q= and ?state=.
func (h *HTTPHandler) ListParticipants(c *gin.Context) {
	ps, err := h.Raffle.Search(c.Request.Context(), c.Query("q"), models.PaymentState(c.Query("state")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": ps, "count": len(ps)})
}

// AddParticipant registers a participant on their behalf; contacts are optional.
func (h *HTTPHandler) AddParticipant(c *gin.Context) {
	var req services.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.Raffle.AddParticipant(c.Request.Context(), models.Participant{
		Name: req.Name, Ticket: req.Ticket, Email: req.Email, Phone: req.Phone,
		Address: req.Address, City: req.City, Locality: req.Locality,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type markPaidRequest struct {
	Method string `json:"method"`
}

// MarkPaid confirms a payment received outside the provider.
func (h *HTTPHandler) MarkPaid(c *gin.Context) {
	var req markPaidRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	res, err := h.Payments.MarkPaid(c.Request.Context(), c.Param("ticket"), req.Method)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Status == services.ReconcileNotFound {
		c.JSON(http.StatusNotFound, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ImportParticipantsCSV handles the CSV upload for participants.
func (h *HTTPHandler) ImportParticipantsCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("error retrieving file: %v", err)})
		return
	}
	defer file.Close()

	res, err := h.Raffle.ImportParticipants(c.Request.Context(), file)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExportParticipantsCSV downloads every participant as CSV.
func (h *HTTPHandler) ExportParticipantsCSV(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.Raffle.WriteParticipantsCSV(c.Request.Context(), &buf); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment;filename=participantes_rifa.csv")
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// ---------- Prizes ----------

type prizeRequest struct {
	Label string `json:"label" binding:"required"`
}

type moveRequest struct {
	Delta int `json:"delta" binding:"oneof=-1 1"`
}

type importPrizesRequest struct {
	Text string `json:"text" binding:"required"`
}

// ListPrizes returns the prize list in display order.
func (h *HTTPHandler) ListPrizes(c *gin.Context) {
	prizes, err := h.Raffle.Prizes(c.Request.Context())
	respondPrizes(c, prizes, err)
}

// AddPrize appends a prize to the end of the list.
func (h *HTTPHandler) AddPrize(c *gin.Context) {
	var req prizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}
	prizes, err := h.Raffle.AddPrize(c.Request.Context(), req.Label)
	respondPrizes(c, prizes, err)
}

// UpdatePrize renames the prize at :index.
func (h *HTTPHandler) UpdatePrize(c *gin.Context) {
	index, ok := prizeIndex(c)
	if !ok {
		return
	}
	var req prizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}
	prizes, err := h.Raffle.UpdatePrize(c.Request.Context(), index, req.Label)
	respondPrizes(c, prizes, err)
}

// DeletePrize removes the prize at :index.
func (h *HTTPHandler) DeletePrize(c *gin.Context) {
	index, ok := prizeIndex(c)
	if !ok {
		return
	}
	prizes, err := h.Raffle.DeletePrize(c.Request.Context(), index)
	respondPrizes(c, prizes, err)
}

// MovePrize moves the prize at :index one position up or down.
func (h *HTTPHandler) MovePrize(c *gin.Context) {
	index, ok := prizeIndex(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delta must be -1 or 1"})
		return
	}
	prizes, err := h.Raffle.MovePrize(c.Request.Context(), index, req.Delta)
	respondPrizes(c, prizes, err)
}

// ClearPrizes empties the prize list.
func (h *HTTPHandler) ClearPrizes(c *gin.Context) {
	if err := h.Raffle.ClearPrizes(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prizes": []string{}})
}

// ImportPrizes appends one prize per line of the submitted text.
func (h *HTTPHandler) ImportPrizes(c *gin.Context) {
	var req importPrizesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	n, err := h.Raffle.ImportPrizes(c.Request.Context(), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": n})
}

// ExportPrizes downloads the prize list as numbered text.
func (h *HTTPHandler) ExportPrizes(c *gin.Context) {
	text, err := h.Raffle.ExportPrizes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment;filename=premios.txt")
	c.String(http.StatusOK, text)
}

func prizeIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prize index"})
		return 0, false
	}
	return index, true
}

func respondPrizes(c *gin.Context, prizes []string, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if prizes == nil {
		prizes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"prizes": prizes})
}

// ---------- Draws ----------

// CheckDraw looks up the official number without recording anything.
func (h *HTTPHandler) CheckDraw(c *gin.Context) {
	if c.Query("refresh") == "true" {
		h.Resolver.Invalidate()
	}
	number, ok := h.Resolver.FetchOfficialNumber(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"officialNumber": number, "resolved": ok})
}

type settleRequest struct {
	OfficialNumber string `json:"officialNumber"`
	PrizeLabel     string `json:"prizeLabel"`
}

// SettleDraw records a draw. Without an official number in the body the
// number is looked up on the results page first.
func (h *HTTPHandler) SettleDraw(c *gin.Context) {
	var req settleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	ctx := c.Request.Context()
	number := req.OfficialNumber
	if number == "" {
		n, ok := h.Resolver.FetchOfficialNumber(ctx)
		if !ok {
			writeError(c, services.ErrUnresolved)
			return
		}
		number = n
	}
	res, err := h.Settlement.Settle(ctx, number, req.PrizeLabel)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListResults returns the full draw history.
func (h *HTTPHandler) ListResults(c *gin.Context) {
	history, err := h.Settlement.History(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ExportResultsCSV handles the request to download the draw history as a CSV file.
func (h *HTTPHandler) ExportResultsCSV(c *gin.Context) {
	history, err := h.Settlement.History(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := services.WriteResultsCSV(&buf, history); err != nil {
		logger.Infof("Error writing results CSV: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error writing CSV"})
		return
	}
	c.Header("Content-Disposition", "attachment;filename=historial_resultados_rifa.csv")
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// ---------- Notifications ----------

// GetTemplates returns the notification templates in use.
func (h *HTTPHandler) GetTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.Dispatcher.Templates(c.Request.Context()))
}

// SetTemplates replaces the notification templates.
func (h *HTTPHandler) SetTemplates(c *gin.Context) {
	var req models.Templates
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.Dispatcher.SetTemplates(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Dispatcher.Templates(c.Request.Context()))
}

type reminderRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendReminders sends a payment reminder to every pending participant.
func (h *HTTPHandler) SendReminders(c *gin.Context) {
	var req reminderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	report, err := h.Raffle.SendPaymentReminders(c.Request.Context(), req.Subject, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ---------- Backups and state ----------

// ListBackups returns the retained backups, newest first.
func (h *HTTPHandler) ListBackups(c *gin.Context) {
	list, err := h.Backups.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": list})
}

// CreateBackup takes a snapshot now.
func (h *HTTPHandler) CreateBackup(c *gin.Context) {
	info, err := h.Backups.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// DownloadBackup sends a retained backup as a JSON attachment.
func (h *HTTPHandler) DownloadBackup(c *gin.Context) {
	data, err := h.Backups.Read(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment;filename="+c.Param("name"))
	c.Data(http.StatusOK, "application/json", data)
}

// RestoreBackup replaces the live state with a retained backup.
func (h *HTTPHandler) RestoreBackup(c *gin.Context) {
	res, err := h.Backups.RestoreFile(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExportState downloads the full raffle state as JSON.
func (h *HTTPHandler) ExportState(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.Transfer.Export(c.Request.Context(), &buf); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment;filename=rifa_completa.json")
	c.Data(http.StatusOK, "application/json", buf.Bytes())
}

// ImportState replaces the full raffle state with the JSON request body.
func (h *HTTPHandler) ImportState(c *gin.Context) {
	res, err := h.Transfer.Import(c.Request.Context(), c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats returns registration and revenue figures.
func (h *HTTPHandler) Stats(c *gin.Context) {
	st, err := h.Raffle.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type resetRequest struct {
	Scope string `json:"scope" binding:"required,oneof=participants all"`
}

// Reset discards participants and history, or everything with scope "all".
func (h *HTTPHandler) Reset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `scope must be "participants" or "all"`})
		return
	}
	var err error
	if req.Scope == "all" {
		err = h.Raffle.ResetAll(c.Request.Context())
	} else {
		err = h.Raffle.ResetParticipants(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": req.Scope})
}
