package mesh

type meshError string

func (e meshError) Error() string { return string(e) }

const (
	ErrPeerNotFound     meshError = "peer not found"
	ErrPeerNotConnected meshError = "peer not connected"
	ErrLinkFailure      meshError = "link failure"
	ErrMalformedMessage meshError = "malformed chat message"
	ErrClosed           meshError = "mesh closed"
)
