// Package client is the Krishi Setu identity gateway Go client.
//
// It covers the calls the session core needs: password registration and
// sign-in, phone one-time codes, session lookup and sign-out, profile
// storage, and session-change notifications.
//
// # Signing in
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sess, err := c.AuthenticateWithPassword(ctx, "asha@example.com", "secret1")
//
// The returned session's token is retained; later calls are authenticated
// with it. Persist c.AccessToken() and pass it back with WithAccessToken to
// resume the session in a later process:
//
//	c, _ := client.New(gatewayURL, client.WithAccessToken(saved))
//	sess, err := c.GetCurrentSession(ctx) // nil, nil when the token is gone
//
// # Phone sign-in
//
//	_ = c.RequestPhoneCode(ctx, "+919876543210")
//	sess, err := c.VerifyPhoneCode(ctx, "+919876543210", "123456")
//	if sess.Created {
//	    // first sign-in for this number
//	}
//
// # Session changes
//
// OnSessionChange listeners see SESSION_ESTABLISHED after every successful
// sign-in and SIGNED_OUT after SignOut. Run Watch in a goroutine to also
// receive changes made elsewhere, such as an email confirmation:
//
//	stop := c.OnSessionChange(func(ev account.Event) { ... })
//	defer stop()
//	go c.Watch(ctx)
//
// # Errors
//
// Non-2xx answers are *APIError values that unwrap to ErrInvalidCredentials,
// ErrInvalidCode, ErrCodeExpired, ErrRateLimited, ErrNotFound, ErrUnauthorized
// or ErrConflict:
//
//	if errors.Is(err, client.ErrInvalidCredentials) { ... }
package client
