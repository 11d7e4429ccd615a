package models

// FieldError describes one violated field of a payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
