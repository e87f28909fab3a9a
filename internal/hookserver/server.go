// Package hookserver implements the State Hook Endpoint (C6): a tiny,
// secret-gated HTTP surface bound to a loopback port that the agent's own
// hooks and ch-* command templates call back into.
package hookserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/httpmw"
	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
)

// Server is the hook endpoint's HTTP surface for one repository.
type Server struct {
	engine   *gin.Engine
	repoHash string
	secret   string
	log      *logger.Logger
}

// managementPusher narrows hubPusher to the methods hookserver actually
// needs, since the ManagementFrame type itself lives in internal/hub.
type managementPusher interface {
	SendStateUpdate(repoHash, branchName string, state model.SessionState)
	SendReadyStateWithGitStatus(ctx context.Context, repoHash, branchName string)
}

type managementFramePusher interface {
	PushManagementEffect(repoHash, branchName, kind, text, url string)
}

// New returns a Server bound to hub for a single repository.
func New(hub interface {
	managementPusher
	managementFramePusher
}, repoHash, secret string, log *logger.Logger) *Server {
	s := &Server{repoHash: repoHash, secret: secret, log: log.WithFields(zap.String("component", "hookserver"))}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), httpmw.RequestLogger(log, "hookserver"))
	engine.Use(s.authMiddleware)

	engine.POST("/set-state/:branchName", func(c *gin.Context) {
		var body struct {
			State string `json:"state" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		branchName := c.Param("branchName")

		switch body.State {
		case string(model.StateReady):
			hub.SendReadyStateWithGitStatus(c.Request.Context(), repoHash, branchName)
		case string(model.StateRunning):
			hub.SendStateUpdate(repoHash, branchName, model.StateRunning)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state: " + body.State})
			return
		}
		c.Status(http.StatusNoContent)
	})

	engine.POST("/ch/close-tab/:branchName", func(c *gin.Context) {
		hub.PushManagementEffect(repoHash, c.Param("branchName"), "closeTab", "", "")
		c.Status(http.StatusNoContent)
	})

	engine.POST("/ch/waituser/:branchName", func(c *gin.Context) {
		var body struct {
			Text string `json:"text"`
		}
		_ = c.ShouldBindJSON(&body)
		hub.PushManagementEffect(repoHash, c.Param("branchName"), "waituser", body.Text, "")
		c.Status(http.StatusNoContent)
	})

	engine.POST("/ch/openurl/:branchName", func(c *gin.Context) {
		var body struct {
			URL string `json:"url"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		hub.PushManagementEffect(repoHash, c.Param("branchName"), "openurl", "", body.URL)
		c.Status(http.StatusNoContent)
	})

	s.engine = engine
	return s
}

// authMiddleware requires the generated secret on every request, compared
// in constant time, guarding against other loopback listeners invoking
// state changes.
func (s *Server) authMiddleware(c *gin.Context) {
	presented := c.GetHeader("X-Hydra-Secret")
	if !secretsEqual(presented, s.secret) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid secret"})
		return
	}
	c.Next()
}

// Handler returns the server's http.Handler for use with a net/http server
// bound to the hook loopback port.
func (s *Server) Handler() http.Handler {
	return s.engine
}
