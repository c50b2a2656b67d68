package models

// Credential is the access/refresh token pair for one authenticated
// session. The zero value means anonymous. The pair is owned exclusively by
// the session manager; nothing else mutates it.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Anonymous reports whether no access token is held. The client cannot
// validate expiry itself; a held token may still be rejected by the backend.
func (c Credential) Anonymous() bool {
	return c.AccessToken == ""
}
