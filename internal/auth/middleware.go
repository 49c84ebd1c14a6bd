package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/identity"
	"github.com/example/ai-check-client/internal/session"
)

const sessionKey = "authSession"

const (
	LoginPath  = "/login"
	UploadPath = "/upload"
	apiPrefix  = "/api/"
)

// SessionStore is the part of session.Store the middleware needs.
type SessionStore interface {
	Create() *session.Session
	Get(id string) (*session.Session, bool)
}

// GetSession retrieves the browser session attached by Sessions.
func GetSession(c *gin.Context) (*session.Session, bool) {
	if c == nil {
		return nil, false
	}
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := value.(*session.Session)
	return sess, ok && sess != nil
}

// CurrentUser returns the signed-in user of the request, if any.
func CurrentUser(c *gin.Context) (*identity.User, bool) {
	sess, ok := GetSession(c)
	if !ok {
		return nil, false
	}
	return sess.Identity.CurrentUser()
}

// Sessions loads the session named by the cookie, creating a new one when the
// cookie is missing, tampered with or points at an expired session.
func Sessions(store SessionStore, cookies *Cookies, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("auth")

	return func(c *gin.Context) {
		var sess *session.Session
		if id, ok := cookies.Read(c.Request); ok {
			sess, _ = store.Get(id)
		}
		if sess == nil {
			sess = store.Create()
			if err := cookies.Write(c.Writer, sess.ID); err != nil {
				logger.Error("failed to write session cookie", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to start a session"})
				return
			}
		}

		c.Set(sessionKey, sess)
		c.Next()
	}
}

// RequireUser lets signed-in users through. Pages redirect to the login
// screen and API calls get a 401.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sess, ok := GetSession(c); ok && sess.Identity.Authenticated() {
			c.Next()
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, apiPrefix) {
			unauthorized(c, identity.MessageNotSignedIn)
			return
		}
		c.Redirect(http.StatusSeeOther, LoginPath)
		c.Abort()
	}
}

// RequireNoUser keeps signed-in users away from the sign-in screens.
func RequireNoUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sess, ok := GetSession(c); ok && sess.Identity.Authenticated() {
			c.Redirect(http.StatusSeeOther, UploadPath)
			c.Abort()
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
