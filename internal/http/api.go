package http

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trimly-backend/internal/domain"
	"trimly-backend/internal/service"
	"trimly-backend/internal/storage"
)

const presignTTL = 15 * time.Minute

// Handler wires HTTP routes to domain services.
type Handler struct {
	users     service.UserService
	tokens    service.TokenService
	storage   storage.Service
	bucket    string
	keyPrefix string
	logger    *logrus.Logger
}

func NewHandler(users service.UserService, tokens service.TokenService, store storage.Service, bucket, keyPrefix string, logger *logrus.Logger) *Handler {
	return &Handler{
		users:     users,
		tokens:    tokens,
		storage:   store,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	router.Use(requestLogger(h.logger))

	auth := router.Group("/auth")
	{
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
	}

	router.GET("/me", h.authRequired(), h.me)
	router.GET("/users/count", h.userCount)

	admin := router.Group("/admin", h.authRequired(), h.adminRequired())
	{
		admin.GET("/users", h.listUsers)
	}

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		files := api.Group("/files", h.authRequired())
		{
			files.POST("", h.uploadFile)
			files.GET("", h.listFiles)
			files.GET("/url", h.fileURL)
			files.DELETE("", h.deleteFile)
			files.DELETE("/all", h.deleteAllFiles)
		}
	}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type UserResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": userToResponse(user)})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect email or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": userToResponse(user)})
}

func (h *Handler) me(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, userToResponse(user))
}

func (h *Handler) userCount(c *gin.Context) {
	counts, err := h.users.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_users":   counts.Total,
		"admin_users":   counts.Admins,
		"regular_users": counts.Total - counts.Admins,
	})
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]UserResponse, len(users))
	for i := range users {
		resp[i] = userToResponse(&users[i])
	}
	c.JSON(http.StatusOK, resp)
}

type FileResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func (h *Handler) uploadFile(c *gin.Context) {
	if !h.storageReady(c) {
		return
	}
	user := currentUser(c)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	ext := path.Ext(header.Filename)
	key := path.Join(h.userPrefix(user), uuid.NewString()+ext)

	location, err := h.storage.Upload(c.Request.Context(), h.bucket, key, f, header.Header.Get("Content-Type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":      key,
		"location": location,
		"size":     header.Size,
	})
}

func (h *Handler) listFiles(c *gin.Context) {
	if !h.storageReady(c) {
		return
	}
	user := currentUser(c)

	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, h.userPrefix(user)+"/")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]FileResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) fileURL(c *gin.Context) {
	if !h.storageReady(c) {
		return
	}
	user := currentUser(c)

	key, ok := h.ownedKey(c, user)
	if !ok {
		return
	}

	url, err := h.storage.PresignGet(c.Request.Context(), h.bucket, key, presignTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int64(presignTTL.Seconds())})
}

func (h *Handler) deleteFile(c *gin.Context) {
	if !h.storageReady(c) {
		return
	}
	user := currentUser(c)

	key, ok := h.ownedKey(c, user)
	if !ok {
		return
	}

	if err := h.storage.DeleteObject(c.Request.Context(), h.bucket, key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

func (h *Handler) deleteAllFiles(c *gin.Context) {
	if !h.storageReady(c) {
		return
	}
	user := currentUser(c)

	prefix := h.userPrefix(user)
	if err := h.storage.DeletePrefix(c.Request.Context(), h.bucket, prefix); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": prefix + "/"})
}

func (h *Handler) storageReady(c *gin.Context) bool {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "file storage not configured"})
		return false
	}
	return true
}

func (h *Handler) userPrefix(user *domain.User) string {
	return path.Join(h.keyPrefix, fmt.Sprintf("user-%d", user.ID))
}

// ownedKey reads the key query parameter and rejects keys outside the
// caller's own prefix.
func (h *Handler) ownedKey(c *gin.Context, user *domain.User) (string, bool) {
	key := strings.Trim(c.Query("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return "", false
	}
	if !strings.HasPrefix(key, h.userPrefix(user)+"/") {
		c.JSON(http.StatusForbidden, gin.H{"error": "key does not belong to you"})
		return "", false
	}
	return key, true
}

func userToResponse(user *domain.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}

func objectToResponse(obj storage.ObjectInfo) FileResponse {
	resp := FileResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
