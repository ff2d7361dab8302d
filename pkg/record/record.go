// Package record defines the fixed 14-field metadata record describing one
// stored file or folder, and its on-disk JSON encoding.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Size is the exact number of fields in every record.
const Size = 14

// FolderType is the type-discriminator sentinel marking a folder record.
const FolderType = ".folder"

// Field offsets with adapter-visible meaning. Everything from FieldPayload
// onward is opaque caller data.
const (
	FieldType    = 0
	FieldName    = 1
	FieldParent  = 2
	FieldPayload = 3
)

// ErrMalformed is returned when on-disk data is not a 14-element JSON array.
var ErrMalformed = errors.New("malformed record")

// Record is an ordered sequence of exactly Size JSON values. Fields 0-2 are
// interpreted by the adapter; fields 3-13 pass through untouched.
type Record []json.RawMessage

// New returns a record of Size fields, each initialized to the empty string.
func New() Record {
	r := make(Record, Size)
	for i := range r {
		r[i] = json.RawMessage(`""`)
	}
	return r
}

// Validate checks the fixed-length invariant.
func (r Record) Validate() error {
	if len(r) != Size {
		return fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(r), Size)
	}
	return nil
}

// Decode parses data as a record, failing with ErrMalformed when the value
// is not a JSON array of exactly Size elements. Field contents are not
// validated further.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Encode renders the record as indented JSON, the authoritative on-disk
// form.
func (r Record) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	copy(out, r)
	return out
}

// StringField decodes field i as a string. Non-string values (including
// null) collapse to "", mirroring the permissive reads of the wire clients.
func (r Record) StringField(i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	var s string
	if err := json.Unmarshal(r[i], &s); err != nil {
		return ""
	}
	return s
}

// SetString replaces field i with the JSON encoding of s.
func (r Record) SetString(i int, s string) {
	if i < 0 || i >= len(r) {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	r[i] = data
}

// Type returns the type discriminator: "" or an extension for files, or the
// FolderType sentinel.
func (r Record) Type() string { return r.StringField(FieldType) }

// Name returns the display name (without extension for files).
func (r Record) Name() string { return r.StringField(FieldName) }

// Parent returns the parent directory path relative to the user root.
func (r Record) Parent() string { return r.StringField(FieldParent) }

// IsFolder reports whether the record describes a folder.
func (r Record) IsFolder() bool { return r.Type() == FolderType }
