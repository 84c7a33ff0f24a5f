// Package codec centralizes metadata encoding for persisted files.
//
// Latent records and statistics artifacts are self-describing: the codec
// name is stored in the file header, and the file is decoded with the
// codec selected by that name. Changing the default codec therefore never
// breaks existing files.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}
