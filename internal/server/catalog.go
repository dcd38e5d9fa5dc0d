package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sigelo/sigelo/backend/internal/catalog"
	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"go.uber.org/zap"
)

const (
	messageSyncFailed = "Não foi possível sincronizar com o Conta Azul. Tente novamente."
	codeNotConfigured = "integrations.not_configured"
)

type syncErrorPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func (h *httpHandler) handleSync(resource contaazul.ResourceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.syncer == nil {
			c.JSON(http.StatusServiceUnavailable, syncErrorPayload{
				Error: integrations.MessageNotConfigured,
				Code:  codeNotConfigured,
			})
			return
		}
		member, _ := currentMember(c)

		result, err := h.syncer.Sync(c.Request.Context(), resource, catalog.SyncRequest{
			TenantID: member.TenantID,
			ActorID:  member.UserID,
		})
		if err != nil {
			status, message := syncFailure(err)
			c.JSON(status, syncErrorPayload{Error: message, Code: errorCode(err)})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// syncFailure maps a sync error to the status and message shown to the user.
func syncFailure(err error) (int, string) {
	if errors.Is(err, catalog.ErrNotConnected) {
		return http.StatusConflict, catalog.MessageNotConnected
	}
	var fetchErr *contaazul.FetchError
	var apiErr *contaazul.APIError
	if errors.As(err, &fetchErr) || errors.As(err, &apiErr) {
		return http.StatusBadGateway, messageSyncFailed
	}
	return http.StatusInternalServerError, messageSyncFailed
}

func (h *httpHandler) handleListCustomers(c *gin.Context) {
	member, _ := currentMember(c)
	page, err := h.catalog.ListCustomers(c.Request.Context(), member.TenantID, listQuery(c))
	if err != nil {
		h.logger.Error("customer listing failed", zap.String("tenant_id", member.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "code": errorCode(err)})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleListServices(c *gin.Context) {
	member, _ := currentMember(c)
	page, err := h.catalog.ListServices(c.Request.Context(), member.TenantID, listQuery(c))
	if err != nil {
		h.logger.Error("service listing failed", zap.String("tenant_id", member.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "code": errorCode(err)})
		return
	}
	c.JSON(http.StatusOK, page)
}

// listQuery reads page, limit and search. Unparseable numbers fall back to
// the store defaults.
func listQuery(c *gin.Context) catalog.ListQuery {
	return catalog.ListQuery{
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
		Search: c.Query("search"),
	}
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return value
}
