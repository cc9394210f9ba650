package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
)

type ClientHandler struct {
	authService *service.AuthService
}

func NewClientHandler(authService *service.AuthService) *ClientHandler {
	return &ClientHandler{
		authService: authService,
	}
}

// CreateClient handles POST /clients
func (h *ClientHandler) CreateClient(c *gin.Context) {
	var req dto.CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	client, secret, err := h.authService.CreateClient(c.Request.Context(), req.Label, req.Scopes)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, dto.ClientCreateResponse{
		ClientResponse: toClientResponse(client),
		Secret:         secret, // Only shown on creation!
	})
}

// ListClients handles GET /clients
func (h *ClientHandler) ListClients(c *gin.Context) {
	clients, err := h.authService.ListClients(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	response := dto.ClientListResponse{Items: make([]dto.ClientResponse, len(clients))}
	for i, client := range clients {
		response.Items[i] = toClientResponse(client)
	}
	c.JSON(http.StatusOK, response)
}

// DeleteClient handles DELETE /clients/:id
func (h *ClientHandler) DeleteClient(c *gin.Context) {
	if err := h.authService.DeleteClient(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func toClientResponse(client *domain.APIClient) dto.ClientResponse {
	return dto.ClientResponse{
		ID:        client.ID,
		Label:     client.Label,
		Scopes:    client.Scopes,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.UpdatedAt,
	}
}
