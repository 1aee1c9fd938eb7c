package domain

// Mode is the coordinator's belief about connectivity to the API.
type Mode string

const (
	Online  Mode = "online"
	Offline Mode = "offline"
)
