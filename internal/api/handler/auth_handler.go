package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
)

type AuthHandler struct {
	authService *service.AuthService
}

func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// Token handles POST /auth/token
func (h *AuthHandler) Token(c *gin.Context) {
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if req.GrantType != "client_credentials" {
		badRequest(c, "Invalid grant_type. Must be 'client_credentials'")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		badRequest(c, "client_id and client_secret are required for client_credentials grant type")
		return
	}

	token, err := h.authService.AuthenticateClient(c.Request.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error:   "Unauthorized",
			Message: "Invalid client credentials",
			Code:    http.StatusUnauthorized,
		})
		return
	}

	c.JSON(http.StatusOK, dto.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   service.TokenExpirationHours * 3600,
	})
}
