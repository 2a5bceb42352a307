package out

// CredentialStore holds the session token used by the API client and the
// realtime handshake.
type CredentialStore interface {
	Token() (string, bool)
	Set(token string) error
	Clear()
}
