package track

import "github.com/google/uuid"

// ETagProvider issues identifiers used to tag snapshot versions.
type ETagProvider interface {
	NewETag() (string, error)
}

type uuidETagProvider struct{}

// NewUUIDETagProvider constructs an ETagProvider that issues UUIDv7 values.
func NewUUIDETagProvider() ETagProvider {
	return &uuidETagProvider{}
}

func (p *uuidETagProvider) NewETag() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
