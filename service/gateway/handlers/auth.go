package handlers

import (
	"PPCollab/service/gateway"
	"PPCollab/service/session"
	"PPCollab/tools/decode"
	"PPCollab/tools/errs"
	"PPCollab/tools/security"
)

type authPayload struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

// Sessions is the slice of the session manager authentication needs.
type Sessions interface {
	ValidateSession(sessionID string) (session.Session, error)
	SessionForUser(userID string) (session.Session, error)
	CreateSession(userID string, profile session.Profile) (session.Session, error)
	UpdateSession(sessionID string, u session.Update) (session.Session, error)
}

type AuthHandler struct {
	sessions Sessions
	jwt      security.Options
}

// NewAuthHandler: sessions may be nil (no session tracking); a zero jwt
// option set disables token checks and trusts the caller's userId.
func NewAuthHandler(sessions Sessions, jwt security.Options) gateway.Handler {
	return &AuthHandler{sessions: sessions, jwt: jwt}
}

func (h *AuthHandler) Type() string { return gateway.TypeAuthenticate }

func (h *AuthHandler) Handle(ctx *gateway.Context, msg *gateway.Envelope) error {
	p, err := decode.DecodeRaw[authPayload](msg.Data)
	if err != nil {
		return errs.ErrInvalidMessage.WithDetail(err.Error())
	}
	if p.UserID == "" {
		return errs.ErrAuthMissingUser
	}
	if h.jwt.Enabled() {
		if err := security.VerifySubject(h.jwt, p.Token, p.UserID); err != nil {
			return errs.ErrAuthInvalidToken.WithDetail(err.Error())
		}
	}

	sess, err := h.resolveSession(p)
	if err != nil {
		return err
	}
	if err := ctx.Registry.Authenticate(ctx.ConnID, p.UserID); err != nil {
		return err
	}

	reply := map[string]any{"userId": p.UserID}
	if sess != nil {
		connID := ctx.ConnID
		if s, err := h.sessions.UpdateSession(sess.ID, session.Update{ConnectionID: &connID}); err == nil {
			sess = &s
		}
		reply["sessionId"] = sess.ID
		reply["expiresAt"] = sess.ExpiresAt
		reply["userInfo"] = sess.Profile
	}
	ctx.Registry.Send(ctx.ConnID, gateway.NewMessage(gateway.TypeAuthenticated, reply))
	return nil
}

// resolveSession validates an explicit sessionId, else resumes or creates the
// user's session.
func (h *AuthHandler) resolveSession(p *authPayload) (*session.Session, error) {
	if h.sessions == nil {
		return nil, nil
	}
	if p.SessionID != "" {
		s, err := h.sessions.ValidateSession(p.SessionID)
		if err != nil {
			return nil, err
		}
		if s.UserID != p.UserID {
			return nil, errs.ErrAuthInvalidToken.WithDetail("session belongs to another user")
		}
		return &s, nil
	}
	if s, err := h.sessions.SessionForUser(p.UserID); err == nil {
		return &s, nil
	}
	s, err := h.sessions.CreateSession(p.UserID, session.Profile{Username: p.Username, Email: p.Email})
	if err != nil {
		return nil, err
	}
	return &s, nil
}
