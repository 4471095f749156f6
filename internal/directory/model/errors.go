package model

// ErrValidation is a malformed-input or violated-domain-constraint error.
// Handlers map it to a 400 with field-level detail and a troubleshooting hint.
type ErrValidation struct {
	Msg   string
	Field string
	Hint  string
}

func (e *ErrValidation) Error() string { return e.Msg }

// Validation constructs an ErrValidation for a single field.
func Validation(field, msg, hint string) *ErrValidation {
	return &ErrValidation{Msg: msg, Field: field, Hint: hint}
}
