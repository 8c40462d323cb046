package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codequill/collab-hub/internal/hub"
)

var (
	errMissingHub = errors.New("sync hub dependency required")
)

// Dependencies wires the HTTP surface to the sync hub.
type Dependencies struct {
	Hub           *hub.Hub
	InstanceID    string
	MaxFrameBytes int64
	Logger        *zap.Logger
}

// NewHTTPHandler builds the router: a health probe plus the per-document
// websocket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		syncHub:    deps.Hub,
		instanceID: deps.InstanceID,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary editor origins; admission
			// is decided by the capability token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/:doc_id", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	syncHub    *hub.Hub
	instanceID string
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type healthResponsePayload struct {
	OK       bool   `json:"ok"`
	Service  string `json:"service"`
	Instance string `json:"instance"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{
		OK:       true,
		Service:  "collab-hub",
		Instance: h.instanceID,
	})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	docID := c.Param("doc_id")
	token := c.Query("token")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("doc_id", docID),
			zap.Error(err))
		return
	}

	h.syncHub.HandleConnection(c.Request.Context(), ws, docID, token)
}
