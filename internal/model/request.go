package model

// GuideRequest is the body accepted by POST /guide.
type GuideRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}
