package models

// Role is the side a local peer plays in one offer/answer exchange.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)
