package server

import (
	"html/template"
	"net/http"
	"strings"
)

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
  <h1>Sign in</h1>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <form method="POST" action="/login">
    <input type="hidden" name="returnTo" value="{{.ReturnTo}}">
    <label>Username <input type="text" name="username" autofocus></label>
    <label>Password <input type="password" name="password"></label>
    <button type="submit">Sign in</button>
  </form>
</body>
</html>`))

type loginPageData struct {
	ReturnTo string
	Error    string
}

func (a *App) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, http.StatusOK, loginPageData{
		ReturnTo: safeReturnTo(r.URL.Query().Get("returnTo")),
	})
}

// handleLoginSubmit proves an upstream identity: credentials go to the
// upstream login endpoint, success overwrites the account record and binds
// the identity to a fresh browser session.
func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	returnTo := safeReturnTo(r.FormValue("returnTo"))

	if username == "" || password == "" {
		a.renderLogin(w, http.StatusBadRequest, loginPageData{
			ReturnTo: returnTo,
			Error:    "username and password are required",
		})
		return
	}

	res, err := a.Upstream.Login(r.Context(), username, password)
	if err != nil {
		// Deliberately generic: never leak whether the username exists or
		// what the upstream said.
		a.Logger.Warn("login failed", "error", err)
		a.renderLogin(w, http.StatusUnauthorized, loginPageData{
			ReturnTo: returnTo,
			Error:    "sign in failed, check your credentials",
		})
		return
	}

	// Full overwrite: this is also the only path that repairs a broken account.
	a.Accounts.Upsert(res.Identity, username, password, res)

	if _, err := a.Sessions.Create(w, r, res.Identity, res.Session, res.Depots); err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}

	a.Logger.Info("login succeeded", "identity", res.Identity)
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

func (a *App) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, data); err != nil {
		a.Logger.Error("render login", "error", err)
	}
}

// safeReturnTo restricts post-login redirects to local paths so the login
// form can never be used as an open redirector.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/authorize"
	}
	return raw
}
