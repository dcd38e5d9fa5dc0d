package server

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sigelo/sigelo/backend/internal/integrations"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"github.com/sigelo/sigelo/backend/internal/users"
	"go.uber.org/zap"
)

const (
	messageForbiddenConnect = "Apenas administradores e gestores podem conectar integrações."
	reasonDisconnect        = "integration.disconnect"
)

func (h *httpHandler) handleAuthorize(c *gin.Context) {
	if h.flow == nil {
		c.Redirect(http.StatusFound, h.notConfiguredRedirect())
		return
	}

	var identity *integrations.Identity
	if member, ok := currentMember(c); ok {
		if !member.HasAnyRole(users.RoleAdmin, users.RoleManager) {
			c.Redirect(http.StatusFound, h.flow.ErrorRedirect(messageForbiddenConnect))
			return
		}
		identity = &integrations.Identity{TenantID: member.TenantID, UserID: member.UserID}
	}

	result := h.flow.Initiate(identity, c.Query("return_to"))
	for _, cookie := range result.Cookies {
		http.SetCookie(c.Writer, cookie)
	}
	c.Redirect(http.StatusFound, result.RedirectURL)
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	if h.flow == nil {
		c.Redirect(http.StatusFound, h.notConfiguredRedirect())
		return
	}

	request := integrations.CallbackRequest{
		Code:                     c.Query("code"),
		State:                    c.Query("state"),
		ProviderError:            c.Query("error"),
		ProviderErrorDescription: c.Query("error_description"),
	}
	if cookie, err := c.Request.Cookie(integrations.StateCookieName); err == nil {
		request.StateCookie = cookie.Value
	}
	if cookie, err := c.Request.Cookie(integrations.ReturnToCookieName); err == nil {
		request.ReturnToCookie = cookie.Value
	}
	if member, ok := currentMember(c); ok {
		request.Session = &integrations.Identity{TenantID: member.TenantID, UserID: member.UserID}
	}

	result := h.flow.Complete(c.Request.Context(), request)
	for _, cookie := range result.ClearCookies {
		http.SetCookie(c.Writer, cookie)
	}
	c.Redirect(http.StatusFound, result.RedirectURL)
}

func (h *httpHandler) notConfiguredRedirect() string {
	query := url.Values{}
	query.Set("error", integrations.MessageNotConfigured)
	return h.integrationsPath + "?" + query.Encode()
}

type integrationStatusPayload struct {
	Provider    string                       `json:"provider"`
	Configured  bool                         `json:"configured"`
	Connected   bool                         `json:"connected"`
	Account     *integrations.AccountSummary `json:"account,omitempty"`
	ConnectedBy string                       `json:"connectedBy,omitempty"`
	ConnectedAt *time.Time                   `json:"connectedAt,omitempty"`
	ExpiresAt   *time.Time                   `json:"expiresAt,omitempty"`
	Metadata    map[string]any               `json:"metadata,omitempty"`
}

func (h *httpHandler) handleIntegrationStatus(c *gin.Context) {
	member, _ := currentMember(c)
	provider := c.Param("provider")
	payload := integrationStatusPayload{Provider: provider, Configured: h.flow != nil}

	token, err := h.connections.Get(c.Request.Context(), member.TenantID, provider)
	if errors.Is(err, integrations.ErrTokenNotFound) {
		c.JSON(http.StatusOK, payload)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable", "code": errorCode(err)})
		return
	}

	account := token.Account.Data()
	account.Raw = nil
	connectedAt := token.UpdatedAt.UTC()
	payload.Connected = token.AccessToken != ""
	payload.Account = &account
	payload.ConnectedBy = token.ConnectedBy
	payload.ConnectedAt = &connectedAt
	payload.ExpiresAt = token.ExpiresAt
	payload.Metadata = token.Metadata.Data().FlatKeys()
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	member, _ := currentMember(c)
	provider := c.Param("provider")

	err := h.connections.Delete(c.Request.Context(), member.TenantID, provider)
	if errors.Is(err, integrations.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_connected"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disconnect_failed", "code": errorCode(err)})
		return
	}

	h.logger.Info("oauth integration disconnected",
		zap.String("provider", provider),
		zap.String("tenant_id", member.TenantID),
		zap.String("user_id", member.UserID))
	if h.invalidator != nil {
		invalidation := reporting.Invalidation{
			TenantID:  member.TenantID,
			Paths:     []string{reporting.PathIntegrations},
			Reason:    reasonDisconnect,
			Timestamp: time.Now().UTC(),
		}
		if err := h.invalidator.Publish(c.Request.Context(), invalidation); err != nil {
			h.logger.Warn("disconnect invalidation failed", zap.String("tenant_id", member.TenantID), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}
