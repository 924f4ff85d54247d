package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/webshell-dev/webshell/internal/auth"
	"github.com/webshell-dev/webshell/internal/config"
	"github.com/webshell-dev/webshell/internal/logutil"
	"github.com/webshell-dev/webshell/internal/terminal"
)

// SessionStore is set from main.go during init.
var SessionStore *auth.SessionStore

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type configResponse struct {
	Host       *string `json:"host"`
	User       *string `json:"user"`
	AuthMethod string  `json:"auth_method"`
	AutoLogin  bool    `json:"auto_login"`
	IsLocal    bool    `json:"is_local"`
}

// GetConfig tells the UI which login fields to prompt for. Preconfigured
// values come back non-null so the form can hide them.
func GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		Host:       nilIfEmpty(config.Cfg.Host),
		User:       nilIfEmpty(config.Cfg.User),
		AuthMethod: config.Cfg.AuthMethod(),
		AutoLogin:  config.Cfg.AutoLogin(),
		IsLocal:    config.Cfg.IsLocal(),
	})
}

type loginResponse struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	Username *string `json:"username"`
}

func loginFailed(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, loginResponse{Success: false, Message: message, Username: nil})
}

// Login authenticates a form-posted {host?, username?, password?} merged
// under the preconfigured values (environment wins, the form fills gaps).
// Local targets are checked against the host OS, remote targets with an SSH
// dry-run. Credential failures all map to one message so the endpoint leaks
// nothing about which part was wrong.
func Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}

	host := config.Cfg.Host
	if host == "" {
		host = r.PostFormValue("host")
	}
	if host == "" {
		host = "localhost"
	}
	username := config.Cfg.User
	if username == "" {
		username = r.PostFormValue("username")
	}
	formPassword := r.PostFormValue("password")

	isLocal := host == "localhost" || host == "127.0.0.1" || strings.HasPrefix(host, "127.")
	logUser, logHost := logutil.Sanitize(username), logutil.Sanitize(host)
	log.Info().Str("user", logUser).Str("host", logHost).Bool("local", isLocal).Msg("login attempt")

	if isLocal {
		password := formPassword
		if config.Cfg.AuthMethod() == config.AuthPassword {
			password = config.Cfg.Password
		}
		if username == "" || password == "" {
			loginFailed(w, "Username and password required")
			return
		}
		if err := auth.CheckLocal(r.Context(), username, password); err != nil {
			log.Warn().Err(err).Str("user", logUser).Msg("local login failed")
			if errors.Is(err, auth.ErrUnsupportedPlatform) {
				loginFailed(w, "Authentication not supported on this platform")
				return
			}
			loginFailed(w, "Invalid username or password")
			return
		}
	} else {
		if username == "" {
			loginFailed(w, "Username required")
			return
		}
		sshCfg, problem := remoteSSHConfig(host, username, formPassword)
		if problem != "" {
			loginFailed(w, problem)
			return
		}
		if err := terminal.TestConnection(r.Context(), sshCfg); err != nil {
			log.Warn().Err(err).Str("user", logUser).Str("host", logHost).Msg("remote login failed")
			loginFailed(w, "Invalid username or password")
			return
		}
	}

	token, err := SessionStore.Create(username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	log.Info().Str("user", logUser).Msg("login successful")

	setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:  true,
		Message:  "Login successful",
		Username: &username,
	})
}

// remoteSSHConfig assembles dial settings for host as username, using the
// configured credential or, when none is configured, the password typed
// into the login form. A non-empty second return is the user-facing reason
// the settings could not be assembled.
func remoteSSHConfig(host, username, formPassword string) (terminal.SSHConfig, string) {
	cfg := terminal.SSHConfig{
		Host: host,
		Port: config.Cfg.SSHPort,
		User: username,
	}
	switch config.Cfg.AuthMethod() {
	case config.AuthPassword:
		cfg.Auth = terminal.AuthPassword
		cfg.Password = config.Cfg.Password
	case config.AuthKeyFile:
		cfg.Auth = terminal.AuthKeyFile
		cfg.KeyPath = config.Cfg.SSHKey
		cfg.Passphrase = config.Cfg.SSHPassphrase
	case config.AuthKeyData:
		cfg.Auth = terminal.AuthKeyData
		cfg.KeyData = config.Cfg.SSHKeyData
		cfg.Passphrase = config.Cfg.SSHPassphrase
	default:
		if formPassword == "" {
			return terminal.SSHConfig{}, "Password required"
		}
		cfg.Auth = terminal.AuthPassword
		cfg.Password = formPassword
	}
	return cfg, ""
}

func Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		SessionStore.Delete(cookie.Value)
	}
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SessionCheck reports whether the caller holds a live session. Unlike the
// authenticated routes it always answers 200; the UI polls it at startup.
func SessionCheck(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		if username, ok := SessionStore.Get(cookie.Value); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"authenticated": true,
				"username":      username,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
}
