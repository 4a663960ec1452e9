package notify

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-broker/internal/auth"
)

type GinHandlers struct {
	hub *Hub
}

func NewGinHandlers(hub *Hub) *GinHandlers {
	return &GinHandlers{hub: hub}
}

// StreamHandler streams the caller's order events for one symbol as
// server-sent events until the client disconnects.
func (h *GinHandlers) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserID(c)
		msgs, unsubscribe := h.hub.Subscribe(Topic(c.Param("symbol")))
		defer unsubscribe()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case msg, ok := <-msgs:
				if !ok {
					return false
				}
				var ev OrderEvent
				if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.UserID != userID {
					return true
				}
				c.SSEvent("order", ev)
				return true
			}
		})
	}
}

func (h *GinHandlers) Routes(g *gin.RouterGroup) {
	g.GET("/events/orders/:symbol", h.StreamHandler())
}
