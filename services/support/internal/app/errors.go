package app

import "errors"

var (
	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrUserDisabled should not be exposed to clients as-is.
	ErrUserDisabled = errors.New("user disabled")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrEmailRequired            = errors.New("email required")
	ErrNameTooLong              = errors.New("name too long")
	ErrLanguage                 = errors.New("unsupported language")

	ErrCurrentPasswordRequired = errors.New("current password required")
	ErrNewPasswordRequired     = errors.New("new password required")
	ErrPasswordUnchanged       = errors.New("new password must differ from current password")
)
