package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sessionCookie = "homebot_session"
	stateCookie   = "homebot_oauth_state"

	ctxUserID  = "userID"
	ctxSession = "session"
)

var (
	errMissingToken  = errors.New("missing token")
	errInvalidToken  = errors.New("invalid token")
	errSessionLookup = errors.New("session lookup failed")
)

var authMessages = map[error]string{
	errMissingToken:  "Missing token",
	errInvalidToken:  "Invalid token",
	errSessionLookup: "Session lookup failed",
}

// VerifyDiscordToken resolves an Authorization header value ("Bearer ...")
// to the Discord user it belongs to.
func (s *Server) VerifyDiscordToken(ctx context.Context, bearerToken string) (*DiscordUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.discordAPI+"/users/@me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", bearerToken)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid token: %d", resp.StatusCode)
	}

	var user DiscordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, errors.New("discord returned no user")
	}
	return &user, nil
}

// AdminAuthMiddleware accepts a console session cookie or a Discord bearer
// token, and only lets configured admins through.
func (s *Server) AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := s.authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authMessages[err]})
			return
		}
		if !s.cfg.IsAdmin(sess.UserID) {
			s.log.Warn("Console access refused", zap.String("user_id", sess.UserID))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Not an admin"})
			return
		}
		c.Set(ctxUserID, sess.UserID)
		c.Set(ctxSession, sess)
		c.Next()
	}
}

// RequireSameOriginWrites refuses state-changing requests from foreign
// origins and bodies that are not JSON. Both are what a cross-site form post
// riding on the session cookie looks like.
func (s *Server) RequireSameOriginWrites() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if !s.checkOrigin(c.Request) {
			s.log.Warn("Cross-origin write refused",
				zap.String("origin", c.GetHeader("Origin")),
				zap.String("path", c.FullPath()),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
			return
		}
		if c.Request.ContentLength != 0 && c.ContentType() != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "Expected application/json"})
			return
		}
		c.Next()
	}
}

func (s *Server) authenticate(c *gin.Context) (Session, error) {
	if id, err := c.Cookie(sessionCookie); err == nil && id != "" {
		sess, err := s.sessions.Get(c, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			s.log.Error("Session lookup failed", zap.Error(err))
			return Session{}, errSessionLookup
		}
	}

	token := c.GetHeader("Authorization")
	if token == "" {
		return Session{}, errMissingToken
	}
	if !strings.HasPrefix(token, "Bearer ") {
		return Session{}, errInvalidToken
	}
	user, err := s.VerifyDiscordToken(c, token)
	if err != nil {
		s.log.Debug("Token rejected", zap.Error(err))
		return Session{}, errInvalidToken
	}
	return s.sessionFor(user), nil
}

func (s *Server) sessionFor(user *DiscordUser) Session {
	name := user.GlobalName
	if name == "" {
		name = user.Username
	}
	return Session{
		UserID:    user.ID,
		Username:  name,
		Avatar:    getDiscordAvatarURL(user.ID, user.Avatar),
		CreatedAt: s.now(),
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func getDiscordAvatarURL(userID, avatarHash string) string {
	if avatarHash == "" {
		return "https://cdn.discordapp.com/embed/avatars/0.png"
	}
	extension := "png"
	if strings.HasPrefix(avatarHash, "a_") {
		extension = "gif"
	}
	return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.%s", userID, avatarHash, extension)
}

// setCookie uses SameSite=None only for a console served from another origin
// over https. Browsers drop None cookies without Secure.
func (s *Server) setCookie(c *gin.Context, name, value string, maxAge int) {
	secure := strings.HasPrefix(s.cfg.FrontendURL, "https://")
	sameSite := http.SameSiteLaxMode
	if secure && len(s.cfg.CORSOrigins) > 0 {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func (s *Server) login() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.OAuthEnabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Discord login is not configured"})
			return
		}
		state := uuid.NewString()
		s.setCookie(c, stateCookie, state, 10*60)

		q := url.Values{}
		q.Set("client_id", s.cfg.DiscordClientID)
		q.Set("redirect_uri", s.cfg.DiscordRedirectURI)
		q.Set("response_type", "code")
		q.Set("scope", "identify")
		q.Set("state", state)
		c.Redirect(http.StatusFound, s.discordAuthorizeURL+"?"+q.Encode())
	}
}

func (s *Server) callback() gin.HandlerFunc {
	return func(c *gin.Context) {
		want, err := c.Cookie(stateCookie)
		if err != nil || want == "" || c.Query("state") != want {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Login state mismatch, start again"})
			return
		}
		s.setCookie(c, stateCookie, "", -1)

		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing authorization code"})
			return
		}

		token, err := s.exchangeCode(c, code)
		if err != nil {
			s.log.Warn("OAuth code exchange failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to request token"})
			return
		}
		user, err := s.VerifyDiscordToken(c, "Bearer "+token.AccessToken)
		if err != nil {
			s.log.Warn("Fetching user after login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user info"})
			return
		}
		if !s.cfg.IsAdmin(user.ID) {
			s.log.Warn("Console login refused", zap.String("user_id", user.ID), zap.String("username", user.Username))
			c.JSON(http.StatusForbidden, gin.H{"error": "Not an admin"})
			return
		}

		sess := s.sessionFor(user)
		id, err := s.sessions.Create(c, sess)
		if err != nil {
			s.log.Error("Creating session failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
			return
		}
		s.setCookie(c, sessionCookie, id, int(sessionTTL.Seconds()))
		s.audit(c, sess.UserID, "console.login", "", "", sess.Username)
		c.Redirect(http.StatusFound, s.cfg.FrontendURL)
	}
}

func (s *Server) exchangeCode(ctx context.Context, code string) (*DiscordTokenResponse, error) {
	form := url.Values{}
	form.Add("client_id", s.cfg.DiscordClientID)
	form.Add("client_secret", s.cfg.DiscordClientSecret)
	form.Add("grant_type", "authorization_code")
	form.Add("code", code)
	form.Add("redirect_uri", s.cfg.DiscordRedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.discordAPI+"/oauth2/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}
	var token DiscordTokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &token, nil
}

func (s *Server) logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := c.Cookie(sessionCookie); err == nil && id != "" {
			if err := s.sessions.Delete(c, id); err != nil {
				s.log.Warn("Deleting session failed", zap.Error(err))
			}
		}
		s.setCookie(c, sessionCookie, "", -1)
		c.Status(http.StatusNoContent)
	}
}
