package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/gcomms/internal/app/orch"
	"github.com/dkeye/gcomms/internal/app/persist"
	"github.com/dkeye/gcomms/internal/app/statesync"
	"github.com/dkeye/gcomms/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionUsername = "username"

type handlers struct {
	exec Executor
	orch *orch.Orchestrator
}

// run executes fn on the loop and writes an error response when it fails.
func (h *handlers) run(c *gin.Context, fn func() error) bool {
	if err := h.exec.Call(c.Request.Context(), fn); err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			log.Error().Str("module", "adapters.http").Str("path", c.FullPath()).Err(err).Msg("command failed")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyJoined), errors.Is(err, domain.ErrNotJoined):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSessionCode),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrInvalidRole),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrUnknownChannel),
		errors.Is(err, domain.ErrChannelName),
		errors.Is(err, domain.ErrUnknownUser),
		errors.Is(err, statesync.ErrInvalidChange):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotHost):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func rememberUsername(c *gin.Context, username string) {
	sess := sessions.Default(c)
	sess.Set(sessionUsername, username)
	if err := sess.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("save cookie session")
	}
}

func (h *handlers) health(c *gin.Context) {
	var self domain.PeerID
	var phase orch.Phase
	if !h.run(c, func() error {
		self, phase = h.orch.Self(), h.orch.Phase()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peer": self, "phase": phase})
}

func (h *handlers) session(c *gin.Context) {
	var (
		snap  domain.Session
		hash  string
		phase orch.Phase
		self  domain.PeerID
		host  bool
	)
	if !h.run(c, func() error {
		snap, hash = h.orch.Snapshot()
		phase, self, host = h.orch.Phase(), h.orch.Self(), h.orch.Sync.IsHost()
		return nil
	}) {
		return
	}
	username, _ := sessions.Default(c).Get(sessionUsername).(string)
	c.JSON(http.StatusOK, gin.H{
		"phase":    phase,
		"self":     self,
		"isHost":   host,
		"hash":     hash,
		"session":  snap,
		"username": username,
	})
}

func (h *handlers) peers(c *gin.Context) {
	var health map[domain.PeerID]domain.Health
	if !h.run(c, func() error {
		health = h.orch.PeerHealth()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": health})
}

func (h *handlers) rejoin(c *gin.Context) {
	var (
		offer persist.RejoinOffer
		ok    bool
	)
	if !h.run(c, func() error {
		offer, ok = h.orch.Rejoin()
		return nil
	}) {
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "offer": offer})
}

func (h *handlers) host(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Code     string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	var code string
	if !h.run(c, func() (err error) {
		code, err = h.orch.Host(req.Username, req.Code)
		return err
	}) {
		return
	}
	rememberUsername(c, req.Username)
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (h *handlers) join(c *gin.Context) {
	var req struct {
		Code     string      `json:"code"`
		Username string      `json:"username"`
		Role     domain.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if !h.run(c, func() error { return h.orch.Join(req.Code, req.Username, req.Role) }) {
		return
	}
	rememberUsername(c, req.Username)
	c.JSON(http.StatusAccepted, gin.H{"status": "joining"})
}

func (h *handlers) leave(c *gin.Context) {
	if h.run(c, h.orch.Leave) {
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) resume(c *gin.Context) {
	var resumed bool
	if !h.run(c, func() (err error) {
		resumed, err = h.orch.Resume()
		return err
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": resumed})
}

func (h *handlers) status(c *gin.Context) {
	var req struct {
		Status domain.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if h.run(c, func() error { return h.orch.ChangeStatus(req.Status) }) {
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) move(c *gin.Context) {
	var req struct {
		UserID    domain.PeerID    `json:"userId"`
		ChannelID domain.ChannelID `json:"channelId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if h.run(c, func() error { return h.orch.MoveUser(req.UserID, req.ChannelID) }) {
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) createChannel(c *gin.Context) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if h.run(c, func() error { return h.orch.CreateChannel(req.Name, req.Color) }) {
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) channelState(c *gin.Context) {
	var req struct {
		ChannelID domain.ChannelID `json:"channelId"`
		domain.ChannelFlags
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if h.run(c, func() error { return h.orch.SetChannelState(req.ChannelID, req.ChannelFlags) }) {
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) volume(c *gin.Context) {
	var req struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Volume    int              `json:"volume"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if h.run(c, func() error { return h.orch.SetVolume(req.ChannelID, req.Volume) }) {
		c.Status(http.StatusNoContent)
	}
}
