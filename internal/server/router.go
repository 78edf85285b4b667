// Package server exposes the legacy fixed-port HTTP transport: a direct
// request/response surface over the same core operations the store-mediated
// handshake serves. Retained for clients that predate the shared-store
// protocol.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/booking"
	"github.com/railwatch/railwatch/internal/search"
	"github.com/railwatch/railwatch/internal/session"
	"github.com/railwatch/railwatch/internal/store"
	"github.com/railwatch/railwatch/internal/task"
)

const uidContextKey = "railwatch_uid"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingSessionCtrl  = errors.New("session controller dependency required")
	errMissingSearchProto  = errors.New("search protocol dependency required")
	errMissingTaskManager  = errors.New("task manager dependency required")
	errMissingProvider     = errors.New("booking provider dependency required")
	errMissingStore        = errors.New("store dependency required")
	errInvalidAuthHeader   = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session bearer tokens.
type TokenManager interface {
	IssueSessionToken(ctx context.Context, uid string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the router to the core components.
type Dependencies struct {
	TokenManager TokenManager
	Session      *session.Controller
	Search       *search.Protocol
	Tasks        *task.Manager
	Provider     booking.Provider
	Store        *store.Store
	IDProvider   search.IDProvider
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Session == nil {
		return nil, errMissingSessionCtrl
	}
	if deps.Search == nil {
		return nil, errMissingSearchProto
	}
	if deps.Tasks == nil {
		return nil, errMissingTaskManager
	}
	if deps.Provider == nil {
		return nil, errMissingProvider
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = search.UUIDProvider{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		session:    deps.Session,
		search:     deps.Search,
		tasks:      deps.Tasks,
		provider:   deps.Provider,
		store:      deps.Store,
		idProvider: idProvider,
		logger:     logger,
	}

	router.GET("/health", handler.handleHealth)
	router.POST("/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/search", handler.handleSearch)
	protected.GET("/tasks", handler.handleListTasks)
	protected.POST("/reserve_loop", handler.handleReserveLoop)
	protected.POST("/stop_task", handler.handleStopTask)
	protected.POST("/delete_task", handler.handleDeleteTask)
	protected.POST("/clear_tasks", handler.handleClearTasks)
	protected.POST("/settings", handler.handleSaveSettings)
	protected.POST("/settings/telegram", handler.handleTelegramSettings)
	protected.POST("/device_token", handler.handleDeviceToken)
	protected.POST("/logout", handler.handleLogout)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	session    *session.Controller
	search     *search.Protocol
	tasks      *task.Manager
	provider   booking.Provider
	store      *store.Store
	idProvider search.IDProvider
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequestPayload struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleLogin verifies credentials against the booking system, stores them
// for the worker, and issues a session token whose subject is the uid.
func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.provider.Login(c.Request.Context(), request.UserID, request.Password); err != nil {
		h.logger.Warn("booking login failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_failed"})
		return
	}

	uid := request.UserID
	if _, err := h.session.SaveSettings(c.Request.Context(), uid, store.SettingsPatch{
		BookingID:     &request.UserID,
		BookingSecret: &request.Password,
	}); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.session.BeginSession(c.Request.Context(), uid); err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), uid)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	uid, err := h.tokens.ValidateToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(uidContextKey, uid)
	c.Next()
}

func (h *httpHandler) uid(c *gin.Context) string {
	value, _ := c.Get(uidContextKey)
	uid, _ := value.(string)
	return uid
}

type searchRequestPayload struct {
	Dep  string `json:"dep"`
	Arr  string `json:"arr"`
	Date string `json:"date"`
	Time string `json:"time"`
}

type searchResponsePayload struct {
	RequestID string          `json:"request_id"`
	Trains    []booking.Train `json:"trains"`
}

// handleSearch wraps the asynchronous handshake in a synchronous response:
// the request blocks until the worker writes a terminal status or the
// client goes away. The delay signal is advisory and does not cancel.
func (h *httpHandler) handleSearch(c *gin.Context) {
	var request searchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	handshake, err := h.search.Submit(c.Request.Context(), h.uid(c), request.Dep, request.Arr, request.Date, request.Time)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer handshake.Close()

	for {
		select {
		case trains := <-handshake.Results():
			c.JSON(http.StatusOK, searchResponsePayload{RequestID: handshake.RequestID, Trains: trains})
			return
		case err := <-handshake.Err():
			h.respondError(c, err)
			return
		case <-handshake.Delayed():
			h.logger.Info("search still pending", zap.String("request_id", handshake.RequestID))
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	tasks, err := h.store.ListTasks(c.Request.Context(), h.uid(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	byID := make(map[string]store.Task, len(tasks))
	for _, record := range tasks {
		byID[record.ID] = record
	}
	c.JSON(http.StatusOK, byID)
}

type reserveLoopPayload struct {
	TrainNo   string  `json:"train_no"`
	TrainName string  `json:"train_name"`
	DepDate   string  `json:"dep_date"`
	DepTime   string  `json:"dep_time"`
	DepName   string  `json:"dep_name"`
	ArrName   string  `json:"arr_name"`
	Interval  float64 `json:"interval"`
}

func (h *httpHandler) handleReserveLoop(c *gin.Context) {
	var request reserveLoopPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.tasks.Create(c.Request.Context(), h.uid(c), booking.Selection{
		TrainNo:   request.TrainNo,
		TrainName: request.TrainName,
		DepDate:   request.DepDate,
		DepTime:   request.DepTime,
		DepName:   request.DepName,
		ArrName:   request.ArrName,
	}, request.Interval)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (h *httpHandler) handleStopTask(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}
	snapshot, err := h.tasks.Stop(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleDeleteTask(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}
	if err := h.tasks.Delete(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": taskID})
}

func (h *httpHandler) handleClearTasks(c *gin.Context) {
	removed, err := h.tasks.ClearFinished(c.Request.Context(), h.uid(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type settingsPayload struct {
	BookingID       *string  `json:"booking_id"`
	BookingSecret   *string  `json:"booking_pw"`
	NotifierToken   *string  `json:"tg_token"`
	NotifierChatID  *string  `json:"tg_chat_id"`
	DeviceToken     *string  `json:"device_token"`
	PollIntervalSec *float64 `json:"interval"`
}

func (h *httpHandler) handleSaveSettings(c *gin.Context) {
	var request settingsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	settings, err := h.session.SaveSettings(c.Request.Context(), h.uid(c), store.SettingsPatch{
		BookingID:       request.BookingID,
		BookingSecret:   request.BookingSecret,
		NotifierToken:   request.NotifierToken,
		NotifierChatID:  request.NotifierChatID,
		DeviceToken:     request.DeviceToken,
		PollIntervalSec: request.PollIntervalSec,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interval": settings.PollIntervalSec})
}

type telegramSettingsPayload struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

// handleTelegramSettings saves the notifier fields and queues a test
// notification so the user can confirm delivery end-to-end.
func (h *httpHandler) handleTelegramSettings(c *gin.Context) {
	var request telegramSettingsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	uid := h.uid(c)
	if _, err := h.session.SaveSettings(c.Request.Context(), uid, store.SettingsPatch{
		NotifierToken:  &request.Token,
		NotifierChatID: &request.ChatID,
	}); err != nil {
		h.respondError(c, err)
		return
	}

	testID, err := h.idProvider.NewID()
	if err != nil {
		h.respondError(c, err)
		return
	}
	testTask := store.Task{
		ID:        testID,
		UID:       uid,
		TrainNo:   "test-" + testID,
		TrainName: "알림 테스트",
		DepDate:   "00000000",
		DepTime:   "00000000000000",
		DepName:   "-",
		ArrName:   "-",
		Status:    store.TaskStatusPending,
		Type:      store.TaskTypeTest,
	}
	if err := h.store.CreateTask(c.Request.Context(), testTask); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "test_id": testID})
}

type deviceTokenPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleDeviceToken(c *gin.Context) {
	var request deviceTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.session.SaveSettings(c.Request.Context(), h.uid(c), store.SettingsPatch{
		DeviceToken: &request.Token,
	}); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.session.Logout(h.uid(c))
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// respondError maps the core error taxonomy onto HTTP statuses. Every case
// is a transient, user-facing message; none terminates the session.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var validationErr *task.ValidationError
	var remoteErr *search.RemoteError
	var transportErr *store.TransportError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.Is(err, store.ErrDuplicateActiveTask):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, booking.ErrInvalidDate),
		errors.Is(err, booking.ErrInvalidTimeFloor),
		errors.Is(err, booking.ErrInvalidStation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &remoteErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": remoteErr.Message})
	case errors.As(err, &transportErr):
		h.logger.Error("store transport failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
