package handlers

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/apperror"
	"github.com/example/ai-check-client/internal/auth"
	"github.com/example/ai-check-client/internal/identity"
	"github.com/example/ai-check-client/internal/session"
	"github.com/example/ai-check-client/internal/usecase"
	"github.com/example/ai-check-client/internal/view"
)

// MaxBodySize caps request bodies: one image plus multipart overhead.
const MaxBodySize = analysis.MaxUploadSize + 1<<20

// refreshSeconds is how often the upload page reloads while polling.
const refreshSeconds = 2

const (
	MessageRegistered     = "registration complete, you can sign in now"
	MessageCheckEmail     = "we sent a verification code to your email"
	MessageVerified       = "your account is verified, you can sign in now"
	MessageNoImage        = "please select an image"
	MessageUnreadable     = "unable to read the image"
	MessageSignedOut      = "you have been signed out"
	MessageUsernameNeeded = "please register first"
)

//go:embed templates/*.gohtml
var templateFS embed.FS

// SessionStore is the part of session.Store the handlers need.
type SessionStore interface {
	auth.SessionStore
	Delete(id string)
}

// Handler serves the web UI for one session store.
type Handler struct {
	store   SessionStore
	cookies *auth.Cookies
	logger  *zap.Logger
}

type pageData struct {
	Title       string
	User        *identity.User
	Flash       string
	Refresh     int
	Username    string
	Email       string
	MaxUploadMB int
	Page        view.Page
}

// Templates parses the embedded pages.
func Templates() (*template.Template, error) {
	return template.New("pages").Funcs(template.FuncMap{
		"dataURL": dataURL,
	}).ParseFS(templateFS, "templates/*.gohtml")
}

// dataURL marks an image preview as safe to use as an img source.
func dataURL(preview string) template.URL {
	if !strings.HasPrefix(preview, "data:image/") {
		return ""
	}
	return template.URL(preview)
}

// RegisterRoutes wires the web UI to the Gin router.
func RegisterRoutes(router *gin.Engine, store SessionStore, cookies *auth.Cookies, logger *zap.Logger) error {
	pages, err := Templates()
	if err != nil {
		return err
	}
	router.SetHTMLTemplate(pages)

	h := &Handler{store: store, cookies: cookies, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.NoRoute(redirect(auth.UploadPath))

	app := router.Group("/", auth.Sessions(store, cookies, logger))
	app.GET("/", redirect(auth.UploadPath))

	guest := app.Group("/", auth.RequireNoUser())
	guest.GET(auth.LoginPath, h.loginPage)
	guest.POST(auth.LoginPath, h.login)
	guest.GET("/register", h.registerPage)
	guest.POST("/register", h.register)
	guest.GET("/verify", h.verifyPage)
	guest.POST("/verify", h.verify)

	private := app.Group("/", auth.RequireUser())
	private.POST("/logout", h.logout)
	private.GET(auth.UploadPath, h.uploadPage)
	private.POST(auth.UploadPath+"/file", limitBody(MaxBodySize), h.selectFile)
	private.POST(auth.UploadPath+"/submit", h.submit)
	private.POST(auth.UploadPath+"/retry", h.retry)
	private.POST(auth.UploadPath+"/reset", h.reset)
	private.GET("/api/analysis", h.analysisState)

	return nil
}

func redirect(location string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Redirect(http.StatusSeeOther, location)
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

func (h *Handler) render(c *gin.Context, name, title string, data pageData) {
	sess, _ := auth.GetSession(c)
	data.Title = title
	if sess != nil {
		data.Flash = sess.PopFlash()
		if user, ok := sess.Identity.CurrentUser(); ok {
			data.User = user
		}
	}
	c.HTML(http.StatusOK, name, data)
}

// fail shows err on the next page and redirects there.
func (h *Handler) fail(c *gin.Context, sess *session.Session, location string, err error) {
	sess.SetFlash(apperror.Message(err))
	c.Redirect(http.StatusSeeOther, location)
}

func mustSession(c *gin.Context) *session.Session {
	sess, _ := auth.GetSession(c)
	return sess
}

func (h *Handler) loginPage(c *gin.Context) {
	h.render(c, "login", "Sign in", pageData{Username: c.Query("username")})
}

func (h *Handler) login(c *gin.Context) {
	sess := mustSession(c)
	username := c.PostForm("username")

	if _, err := sess.Identity.SignIn(c.Request.Context(), username, c.PostForm("password")); err != nil {
		h.logger.Info("sign in rejected", zap.String("username", username), zap.Error(err))
		h.fail(c, sess, withUsername(auth.LoginPath, username), err)
		return
	}
	c.Redirect(http.StatusSeeOther, auth.UploadPath)
}

func (h *Handler) registerPage(c *gin.Context) {
	h.render(c, "register", "Register", pageData{})
}

func (h *Handler) register(c *gin.Context) {
	sess := mustSession(c)
	params := identity.SignUpParams{
		Username: strings.TrimSpace(c.PostForm("username")),
		Password: c.PostForm("password"),
		Email:    strings.TrimSpace(c.PostForm("email")),
	}

	result, err := sess.Identity.Register(c.Request.Context(), params)
	if err != nil {
		h.logger.Info("registration rejected", zap.String("username", params.Username), zap.Error(err))
		h.fail(c, sess, "/register", err)
		return
	}
	if result.RequiresVerification {
		sess.SetFlash(MessageCheckEmail)
		c.Redirect(http.StatusSeeOther, withUsername("/verify", params.Username))
		return
	}
	sess.SetFlash(MessageRegistered)
	c.Redirect(http.StatusSeeOther, withUsername(auth.LoginPath, params.Username))
}

func (h *Handler) verifyPage(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		mustSession(c).SetFlash(MessageUsernameNeeded)
		c.Redirect(http.StatusSeeOther, "/register")
		return
	}
	h.render(c, "verify", "Verify", pageData{Username: username})
}

func (h *Handler) verify(c *gin.Context) {
	sess := mustSession(c)
	username := strings.TrimSpace(c.PostForm("username"))
	if username == "" {
		h.fail(c, sess, "/register", apperror.InvalidInput(MessageUsernameNeeded))
		return
	}

	if err := sess.Identity.Confirm(c.Request.Context(), username, strings.TrimSpace(c.PostForm("code"))); err != nil {
		h.logger.Info("verification rejected", zap.String("username", username), zap.Error(err))
		h.fail(c, sess, withUsername("/verify", username), err)
		return
	}
	sess.SetFlash(MessageVerified)
	c.Redirect(http.StatusSeeOther, withUsername(auth.LoginPath, username))
}

func (h *Handler) logout(c *gin.Context) {
	sess := mustSession(c)
	if err := sess.Identity.SignOut(c.Request.Context()); err != nil {
		h.logger.Warn("remote sign out failed", zap.Error(err))
	}
	h.store.Delete(sess.ID)
	h.cookies.Clear(c.Writer)
	c.Redirect(http.StatusSeeOther, auth.LoginPath)
}

func (h *Handler) uploadPage(c *gin.Context) {
	page := view.FromSnapshot(mustSession(c).Flow.Snapshot())
	data := pageData{Page: page, MaxUploadMB: analysis.MaxUploadSize >> 20}
	if page.Polling || page.State == string(usecase.StateSubmitting) {
		data.Refresh = refreshSeconds
	}
	h.render(c, "upload", "Upload", data)
}

func (h *Handler) selectFile(c *gin.Context) {
	sess := mustSession(c)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, sess, auth.UploadPath, apperror.InvalidInput(analysis.MessageTooLarge))
			return
		}
		h.fail(c, sess, auth.UploadPath, apperror.InvalidInput(MessageNoImage))
		return
	}

	src, err := file.Open()
	if err != nil {
		h.fail(c, sess, auth.UploadPath, apperror.InvalidInput(MessageUnreadable))
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		h.fail(c, sess, auth.UploadPath, apperror.InvalidInput(MessageUnreadable))
		return
	}

	upload := analysis.Upload{
		Name:        file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
	}
	if err := sess.Flow.SelectFile(upload); err != nil {
		h.fail(c, sess, auth.UploadPath, err)
		return
	}
	c.Redirect(http.StatusSeeOther, auth.UploadPath)
}

func (h *Handler) submit(c *gin.Context) {
	sess := mustSession(c)
	if _, err := sess.Flow.Submit(c.Request.Context()); err != nil {
		h.flowError(sess, err)
	}
	c.Redirect(http.StatusSeeOther, auth.UploadPath)
}

func (h *Handler) retry(c *gin.Context) {
	sess := mustSession(c)
	if _, err := sess.Flow.ManualRetry(c.Request.Context()); err != nil {
		h.flowError(sess, err)
	}
	c.Redirect(http.StatusSeeOther, auth.UploadPath)
}

func (h *Handler) reset(c *gin.Context) {
	mustSession(c).Flow.Reset()
	c.Redirect(http.StatusSeeOther, auth.UploadPath)
}

func (h *Handler) analysisState(c *gin.Context) {
	c.JSON(http.StatusOK, view.FromSnapshot(mustSession(c).Flow.Snapshot()))
}

// flowError flashes rejections the flow does not record as its own notice.
// Submit and retry failures already are, and superseded calls are silent.
func (h *Handler) flowError(sess *session.Session, err error) {
	switch {
	case errors.Is(err, usecase.ErrSuperseded):
	case apperror.Is(err, apperror.KindInvalidInput):
		sess.SetFlash(apperror.Message(err))
	default:
		h.logger.Debug("flow request failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func withUsername(path, username string) string {
	if username == "" {
		return path
	}
	return path + "?" + url.Values{"username": {username}}.Encode()
}
