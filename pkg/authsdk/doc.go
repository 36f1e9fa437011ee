/*
Package authsdk is the Go client for authd, and holds the wire types shared
by the server handlers.

A Client performs the OAuth2 password and refresh_token grants against
/connect/token and revokes refresh tokens through /connect/logout:

	client := authsdk.NewClient("https://auth.example.com")
	session, err := client.Login(ctx, "admin@test.com", password, "openid", "profile")
	if err != nil {
		var oerr *authsdk.OAuth2Error
		if errors.As(err, &oerr) && oerr.IsLockedOut() {
			// back off until oerr.RetryAfter
		}
	}

A Session keeps the token pair, refreshes the access token shortly before it
expires and follows refresh token rotation, so callers only ever hold the
latest refresh token.
*/
package authsdk
