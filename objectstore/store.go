// Package objectstore defines the blob storage contract used to carry binary
// parameter values out-of-band, plus a few backends.
//
// Objects are content addressed: the id of an object is derived from its mime
// type and bytes, so putting the same payload twice yields the same reference
// and references are immutable once written.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// domainObject separates object ids from any other sha256 use in the module.
const domainObject = "nodeflow/object/v1"

// ErrNotFound is returned by Get for an unknown reference. It is terminal and
// callers should not retry.
var ErrNotFound = errors.New("object not found")

// ErrInvalidReference is returned for references with an empty or malformed id.
var ErrInvalidReference = errors.New("invalid object reference")

// Reference identifies a stored object.
type Reference struct {
	ID       string `json:"id" yaml:"id"`
	MimeType string `json:"mime_type" yaml:"mime_type"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s (%s)", r.ID, r.MimeType)
}

// Validate checks that the reference has a well formed id.
func (r Reference) Validate() error {
	if len(r.ID) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidReference, r.ID)
	}
	if _, err := hex.DecodeString(r.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidReference, r.ID)
	}
	return nil
}

// Store is an opaque put/get/delete blob service.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte, mimeType string) (Reference, error)

	// Get returns the bytes for a reference, or ErrNotFound.
	Get(ctx context.Context, ref Reference) ([]byte, error)

	// Delete removes the object. Deleting an unknown object is not an error.
	Delete(ctx context.Context, ref Reference) error
}

// ContentID returns the content address for data stored under mimeType.
// Format: SHA256(domain + 0x00 + mimeType + 0x00 + data), hex encoded.
func ContentID(data []byte, mimeType string) string {
	h := sha256.New()
	h.Write([]byte(domainObject))
	h.Write([]byte{0x00})
	h.Write([]byte(mimeType))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewReference computes the reference that Put would return for data.
func NewReference(data []byte, mimeType string) Reference {
	return Reference{ID: ContentID(data, mimeType), MimeType: mimeType}
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
