// Package api is the REST surface of the board: account sign-up and login,
// the task snapshot, attachment uploads, health and the sync channel mount.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"prism-board/domain"
	"prism-board/upload"
)

const maxJSONBody = 64 << 10

var errInvalidCredentials = domain.NewAuthError(domain.AuthInvalid, "Invalid credentials", nil)

// TaskLister serves the REST snapshot.
type TaskLister interface {
	ListTasks(ctx context.Context, accountID string) ([]domain.Task, error)
}

// Accounts is the account store used by sign-up and login.
type Accounts interface {
	AccountLookup
	CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error)
	AccountByEmail(ctx context.Context, email string) (domain.Account, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// Uploader stores attachments.
type Uploader interface {
	Store(ctx context.Context, accountID string, f upload.File) (domain.Attachment, error)
}

// SyncServer is the WebSocket endpoint mounted at /ws.
type SyncServer interface {
	http.Handler
	ConnectedClients() int
}

// Deps are the collaborators of the REST handlers.
type Deps struct {
	Tasks     TaskLister
	Accounts  Accounts
	Auth      *Auth
	Uploads   Uploader
	UploadDir string
	Sync      SyncServer
	Logger    *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	e.HTTPErrorHandler = ErrorHandler(d.Logger)

	e.POST("/api/auth/register", register(d))
	e.POST("/api/auth/login", login(d))
	e.GET("/api/auth/me", me(d))
	e.GET("/api/tasks", getTasks(d))
	e.POST("/api/upload", postUpload(d))
	e.GET("/health", health(d.Sync))
	if d.UploadDir != "" {
		e.Static("/uploads", d.UploadDir)
	}
	if d.Sync != nil {
		e.GET("/ws", echo.WrapHandler(d.Sync))
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string                `json:"token"`
	ExpiresAt time.Time             `json:"expiresAt"`
	User      domain.AccountSummary `json:"user"`
}

type meResponse struct {
	User domain.AccountSummary `json:"user"`
}

type healthResponse struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connectedClients"`
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: "Invalid request body"}
	}
	return nil
}

func register(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if err := domain.ValidateRegistration(req.Username, req.Email, req.Password); err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		acct, err := d.Accounts.CreateAccount(c.Request().Context(), domain.Account{
			Username:     strings.TrimSpace(req.Username),
			Email:        req.Email,
			PasswordHash: string(hash),
			CreatedAt:    now,
			LastLogin:    now,
		})
		if err != nil {
			return err
		}
		d.Logger.WithField("account", acct.ID).Info("account registered")
		return session(c, d.Auth, http.StatusCreated, acct)
	}
}

func login(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.Email == "" || req.Password == "" {
			return &domain.ValidationError{Field: "email", Message: "Email and password are required"}
		}
		ctx := c.Request().Context()
		acct, err := d.Accounts.AccountByEmail(ctx, req.Email)
		if errors.Is(err, domain.ErrAccountNotFound) {
			return errInvalidCredentials
		}
		if err != nil {
			return err
		}
		if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)) != nil {
			return errInvalidCredentials
		}
		acct.LastLogin = time.Now().UTC()
		if err := d.Accounts.TouchLogin(ctx, acct.ID, acct.LastLogin); err != nil {
			return err
		}
		return session(c, d.Auth, http.StatusOK, acct)
	}
}

func session(c echo.Context, auth *Auth, status int, acct domain.Account) error {
	token, exp, err := auth.Issue(acct.ID)
	if err != nil {
		return err
	}
	return c.JSON(status, sessionResponse{Token: token, ExpiresAt: exp, User: acct.Summary()})
}

func me(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := d.Auth.AccountIDFromRequest(ctx, c.Request().Header)
		if err != nil {
			return err
		}
		acct, err := d.Accounts.AccountByID(ctx, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, meResponse{User: acct.Summary()})
	}
}

func getTasks(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), d.Logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			status := c.Response().Status
			if err != nil {
				status, _ = statusFor(err)
			}
			metrics.Log(status, err)
		}()

		authStart := time.Now()
		accountID, err := d.Auth.AccountIDFromRequest(ctx, c.Request().Header)
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			return err
		}

		fetchStart := time.Now()
		tasks, err := d.Tasks.ListTasks(ctx, accountID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			metrics.SetErrorStage("storage")
			return err
		}
		metrics.SetTasksReturned(len(tasks))
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func postUpload(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		accountID, err := d.Auth.AccountIDFromRequest(ctx, c.Request().Header)
		if err != nil {
			return err
		}
		fh, err := c.FormFile("file")
		if err != nil {
			return &domain.UploadError{Message: "No file uploaded"}
		}
		f, err := fh.Open()
		if err != nil {
			return err
		}
		defer f.Close()

		att, err := d.Uploads.Store(ctx, accountID, upload.File{
			Name:     fh.Filename,
			MimeType: fh.Header.Get(echo.HeaderContentType),
			Size:     fh.Size,
			Body:     f,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, att)
	}
}

func health(srv SyncServer) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := 0
		if srv != nil {
			n = srv.ConnectedClients()
		}
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", ConnectedClients: n})
	}
}
