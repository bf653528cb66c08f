package api

// LoginRequest starts an API session.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token for subsequent calls.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// PeerCreateRequest adds a client to the relay. IP may be empty or
// "auto" for pool assignment.
type PeerCreateRequest struct {
	Name string `json:"name"`
	IP   string `json:"ip,omitempty"`
}

// StatusResponse acknowledges a mutating action.
type StatusResponse struct {
	Message string `json:"message"`
}
