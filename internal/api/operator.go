package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/gotrs-sla/internal/operator"
)

func (h *Handler) operatorQueue(c *gin.Context) {
	items := h.Operator.List(operator.Kind(c.Query("kind")))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": items, "total": len(items)})
}

func (h *Handler) acknowledge(c *gin.Context) {
	if !h.Operator.Acknowledge(c.Param("id")) {
		fail(c, http.StatusNotFound, "operator item not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// inbox returns a recipient's in-app messages. Reading consumes them unless
// peek=true.
func (h *Handler) inbox(c *gin.Context) {
	if h.Inbox == nil {
		fail(c, http.StatusNotFound, "in-app notifications are disabled")
		return
	}
	recipient := c.Param("recipient")
	msgs := h.Inbox.Peek(recipient)
	if c.Query("peek") != "true" {
		msgs = h.Inbox.Consume(recipient)
	}
	ok(c, http.StatusOK, msgs)
}
