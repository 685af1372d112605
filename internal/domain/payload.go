package domain

import "encoding/base64"

// PayloadKind discriminates the payload union.
type PayloadKind string

const (
	PayloadImage PayloadKind = "image"
	PayloadData  PayloadKind = "data"
)

// Payload is the value that flows between pipeline steps. A payload is
// bound to a variable exactly once and is never mutated afterwards;
// transforms always produce a new Payload.
type Payload interface {
	Kind() PayloadKind
	// Origin identifies the provider (and operation) that produced the payload.
	Origin() string
}

// ImageBlob is an immutable image payload.
type ImageBlob struct {
	Bytes      []byte            `json:"-"`
	MIME       string            `json:"mime"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	Provenance string            `json:"provenance"`
	Meta       map[string]string `json:"meta,omitempty"`
}

func (b *ImageBlob) Kind() PayloadKind { return PayloadImage }
func (b *ImageBlob) Origin() string    { return b.Provenance }

// DataURI returns the image inline-encoded as a data URI for previews.
func (b *ImageBlob) DataURI() string {
	return "data:" + b.MIME + ";base64," + base64.StdEncoding.EncodeToString(b.Bytes)
}

// DataType discriminates structured vs. plain-text data payloads.
type DataType string

const (
	DataText DataType = "text"
	DataJSON DataType = "json"
)

// DataBlob is an immutable structured or textual payload, produced by
// transform operations that extract data from an image (e.g. measure).
type DataBlob struct {
	DataType   DataType `json:"data_type"`
	Content    string   `json:"content"`
	Parsed     any      `json:"parsed,omitempty"`
	Provenance string   `json:"provenance"`
}

func (d *DataBlob) Kind() PayloadKind { return PayloadData }
func (d *DataBlob) Origin() string    { return d.Provenance }
