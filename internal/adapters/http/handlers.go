package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/meshroom/internal/adapters/signal"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Handlers struct {
	Relay *app.Relay
}

type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
}

type RoomResponse struct {
	domain.RoomInfo
	Participants []protocol.ParticipantInfo `json:"participants"`
}

type SessionRequest struct {
	Name string `json:"name"`
}

type SessionResponse struct {
	ClientToken string `json:"clientToken"`
	Name        string `json:"name,omitempty"`
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "OK",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"rooms":       len(h.Relay.Directory.Rooms()),
		"connections": h.Relay.Registry.Len(),
	})
}

func (h *Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.Relay.Directory.Rooms())
}

// CreateRoom opens an empty room so its id can be shared before anyone joins.
func (h *Handlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	id := strings.TrimSpace(req.RoomID)
	if id == "" {
		id = strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	info, created, err := h.Relay.Directory.Open(domain.RoomID(id))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": app.ErrorMessage(err)})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		log.Info().Str("module", "adapters.http").Str("room", id).Msg("room opened")
	}
	c.JSON(status, info)
}

func (h *Handlers) GetRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	info, ok := h.Relay.Directory.Room(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, RoomResponse{
		RoomInfo:     info,
		Participants: protocol.NewParticipantList(h.Relay.Directory.ListParticipants(id, "")),
	})
}

func (h *Handlers) GetSession(c *gin.Context) {
	resp := SessionResponse{ClientToken: c.GetString("client_token")}
	if name, ok := sessions.Default(c).Get(signal.SessionNameKey).(string); ok {
		resp.Name = name
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateSession remembers the display name used when a WebSocket connects without userName.
func (h *Handlers) UpdateSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	name := domain.NormalizeDisplayName(req.Name)
	sess := sessions.Default(c)
	sess.Set(signal.SessionNameKey, name)
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{ClientToken: c.GetString("client_token"), Name: name})
}
