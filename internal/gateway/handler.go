package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"connect/internal/logger"
	"connect/pkg/errors"
	"connect/pkg/health"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
	health *health.CheckerRegistry
}

func NewHandler(service Service, checkers *health.CheckerRegistry, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
		health: checkers,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/connection/test", h.TestConnection)
		v1.POST("/schemas/refresh", h.RefreshSchemas)
		v1.POST("/produce", h.ManualProduce)
		v1.GET("/stats", h.Stats)

		docs := v1.Group("/documents")
		{
			docs.GET("/:doctype/:docname", h.GetDocument)
			docs.PUT("/:doctype/:docname", h.UpsertDocument)
			docs.POST("/:doctype/:docname/submit", h.SubmitDocument)
			docs.DELETE("/:doctype/:docname", h.DeleteDocument)
		}

		rules := v1.Group("/rules/emission")
		{
			rules.GET("", h.ListEmissionRules)
			rules.POST("", h.CreateEmissionRule)
			rules.GET("/:name", h.GetEmissionRule)
			rules.PUT("/:name", h.UpdateEmissionRule)
			rules.DELETE("/:name", h.DeleteEmissionRule)
		}

		handlers := v1.Group("/handlers")
		{
			handlers.GET("", h.ListEventHandlers)
			handlers.POST("", h.CreateEventHandler)
			handlers.GET("/:name", h.GetEventHandler)
			handlers.PUT("/:name", h.UpdateEventHandler)
			handlers.DELETE("/:name", h.DeleteEventHandler)
		}

		audit := v1.Group("/audit")
		{
			audit.GET("/logs", h.AuditLogs)
		}
	}
}

func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "anonymous"
}

// Health godoc
// @Summary      Service health
// @Description  Aggregated health of all registered dependencies
// @Tags         health
// @Produce      json
// @Success      200  {object}  health.Health
// @Failure      503  {object}  health.Health
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	result := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

// TestConnection godoc
// @Summary      Test outbound connectivity
// @Description  Probe the Kafka broker and the schema registry independently
// @Tags         connection
// @Produce      json
// @Success      200  {object}  TestConnectionResponse
// @Router       /connection/test [get]
func (h *Handler) TestConnection(c *gin.Context) {
	resp := h.Service.TestConnection(c.Request.Context())
	c.JSON(http.StatusOK, resp)
}

// RefreshSchemas godoc
// @Summary      Refresh cached schemas
// @Description  Re-fetch every known subject from the registry, bypassing caches
// @Tags         schemas
// @Produce      json
// @Success      200  {object}  RefreshSchemasResponse
// @Failure      502  {object}  errors.ErrorResponse
// @Router       /schemas/refresh [post]
func (h *Handler) RefreshSchemas(c *gin.Context) {
	resp, err := h.Service.RefreshSchemas(c.Request.Context(), actor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ManualProduce godoc
// @Summary      Produce a message manually
// @Description  Emit a message for a stored document through a named rule
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        request  body      ManualProduceRequest  true  "Produce request"
// @Success      202      {object}  ManualProduceResponse
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /produce [post]
func (h *Handler) ManualProduce(c *gin.Context) {
	var req ManualProduceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	resp, err := h.Service.ManualProduce(c.Request.Context(), actor(c), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// Stats godoc
// @Summary      Message statistics
// @Description  Message log outcomes grouped by direction and status over the trailing day
// @Tags         stats
// @Produce      json
// @Success      200  {object}  StatsResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	resp, err := h.Service.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetDocument godoc
// @Summary      Get a document
// @Tags         documents
// @Produce      json
// @Param        doctype  path      string  true   "Doctype"
// @Param        docname  path      string  true   "Document name"
// @Param        tenant   query     string  false  "Tenant id"
// @Success      200      {object}  docstore.Document
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /documents/{doctype}/{docname} [get]
func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.Service.GetDocument(c.Request.Context(), c.Query("tenant"), c.Param("doctype"), c.Param("docname"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// UpsertDocument godoc
// @Summary      Create or update a document
// @Description  Writes the document and fires the matching lifecycle event for the producer engine
// @Tags         documents
// @Accept       json
// @Produce      json
// @Param        doctype  path      string                  true   "Doctype"
// @Param        docname  path      string                  true   "Document name"
// @Param        tenant   query     string                  false  "Tenant id"
// @Param        payload  body      map[string]interface{}  true   "Document fields"
// @Success      200      {object}  docstore.Document
// @Failure      400      {object}  errors.ErrorResponse
// @Router       /documents/{doctype}/{docname} [put]
func (h *Handler) UpsertDocument(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	doc, err := h.Service.UpsertDocument(c.Request.Context(), c.Query("tenant"), c.Param("doctype"), c.Param("docname"), payload)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// SubmitDocument godoc
// @Summary      Submit a document
// @Tags         documents
// @Produce      json
// @Param        doctype  path      string  true   "Doctype"
// @Param        docname  path      string  true   "Document name"
// @Param        tenant   query     string  false  "Tenant id"
// @Success      200      {object}  docstore.Document
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /documents/{doctype}/{docname}/submit [post]
func (h *Handler) SubmitDocument(c *gin.Context) {
	doc, err := h.Service.SubmitDocument(c.Request.Context(), c.Query("tenant"), c.Param("doctype"), c.Param("docname"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// DeleteDocument godoc
// @Summary      Delete a document
// @Tags         documents
// @Param        doctype  path  string  true   "Doctype"
// @Param        docname  path  string  true   "Document name"
// @Param        tenant   query string  false  "Tenant id"
// @Success      204      "No Content"
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /documents/{doctype}/{docname} [delete]
func (h *Handler) DeleteDocument(c *gin.Context) {
	if err := h.Service.DeleteDocument(c.Request.Context(), c.Query("tenant"), c.Param("doctype"), c.Param("docname")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListEmissionRules godoc
// @Summary      List emission rules
// @Tags         emission-rules
// @Produce      json
// @Success      200  {array}   producer.EmissionRule
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/emission [get]
func (h *Handler) ListEmissionRules(c *gin.Context) {
	rules, err := h.Service.ListEmissionRules(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateEmissionRule godoc
// @Summary      Create an emission rule
// @Tags         emission-rules
// @Accept       json
// @Produce      json
// @Param        rule  body      CreateEmissionRuleRequest  true  "Emission rule"
// @Success      201   {object}  producer.EmissionRule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Router       /rules/emission [post]
func (h *Handler) CreateEmissionRule(c *gin.Context) {
	var req CreateEmissionRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.CreateEmissionRule(c.Request.Context(), actor(c), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetEmissionRule godoc
// @Summary      Get an emission rule
// @Tags         emission-rules
// @Produce      json
// @Param        name  path      string  true  "Rule name"
// @Success      200   {object}  producer.EmissionRule
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /rules/emission/{name} [get]
func (h *Handler) GetEmissionRule(c *gin.Context) {
	rule, err := h.Service.GetEmissionRule(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateEmissionRule godoc
// @Summary      Update an emission rule
// @Tags         emission-rules
// @Accept       json
// @Produce      json
// @Param        name  path      string                     true  "Rule name"
// @Param        rule  body      UpdateEmissionRuleRequest  true  "Updated rule"
// @Success      200   {object}  producer.EmissionRule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /rules/emission/{name} [put]
func (h *Handler) UpdateEmissionRule(c *gin.Context) {
	var req UpdateEmissionRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.UpdateEmissionRule(c.Request.Context(), actor(c), c.Param("name"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteEmissionRule godoc
// @Summary      Delete an emission rule
// @Tags         emission-rules
// @Param        name  path  string  true  "Rule name"
// @Success      204   "No Content"
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /rules/emission/{name} [delete]
func (h *Handler) DeleteEmissionRule(c *gin.Context) {
	if err := h.Service.DeleteEmissionRule(c.Request.Context(), actor(c), c.Param("name")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListEventHandlers godoc
// @Summary      List event handlers
// @Tags         event-handlers
// @Produce      json
// @Success      200  {array}   consumer.EventHandler
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /handlers [get]
func (h *Handler) ListEventHandlers(c *gin.Context) {
	handlers, err := h.Service.ListEventHandlers(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, handlers)
}

// CreateEventHandler godoc
// @Summary      Create an event handler
// @Tags         event-handlers
// @Accept       json
// @Produce      json
// @Param        handler  body      CreateEventHandlerRequest  true  "Event handler"
// @Success      201      {object}  consumer.EventHandler
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Router       /handlers [post]
func (h *Handler) CreateEventHandler(c *gin.Context) {
	var req CreateEventHandlerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	handler, err := h.Service.CreateEventHandler(c.Request.Context(), actor(c), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler)
}

// GetEventHandler godoc
// @Summary      Get an event handler
// @Tags         event-handlers
// @Produce      json
// @Param        name  path      string  true  "Handler name"
// @Success      200   {object}  consumer.EventHandler
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /handlers/{name} [get]
func (h *Handler) GetEventHandler(c *gin.Context) {
	handler, err := h.Service.GetEventHandler(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler)
}

// UpdateEventHandler godoc
// @Summary      Update an event handler
// @Tags         event-handlers
// @Accept       json
// @Produce      json
// @Param        name     path      string                     true  "Handler name"
// @Param        handler  body      UpdateEventHandlerRequest  true  "Updated handler"
// @Success      200      {object}  consumer.EventHandler
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /handlers/{name} [put]
func (h *Handler) UpdateEventHandler(c *gin.Context) {
	var req UpdateEventHandlerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	handler, err := h.Service.UpdateEventHandler(c.Request.Context(), actor(c), c.Param("name"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler)
}

// DeleteEventHandler godoc
// @Summary      Delete an event handler
// @Tags         event-handlers
// @Param        name  path  string  true  "Handler name"
// @Success      204   "No Content"
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /handlers/{name} [delete]
func (h *Handler) DeleteEventHandler(c *gin.Context) {
	if err := h.Service.DeleteEventHandler(c.Request.Context(), actor(c), c.Param("name")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AuditLogs godoc
// @Summary      Configuration audit trail
// @Tags         audit
// @Produce      json
// @Param        entity_type  query     string  false  "Filter by entity type"
// @Param        limit        query     int     false  "Maximum entries"
// @Success      200          {array}   AuditLogEntry
// @Failure      500          {object}  errors.ErrorResponse
// @Router       /audit/logs [get]
func (h *Handler) AuditLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.Service.AuditLogs(c.Request.Context(), c.Query("entity_type"), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
