package config

const redacted = "[REDACTED]"

// Secret holds credential material that must never reach logs, config
// dumps, or serialized output. Only Reveal returns the raw value.
type Secret string

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool {
	return s != ""
}

// Reveal returns the raw secret for the call site that actually needs
// it (cipher key derivation, Redis auth).
func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return redacted
}

// GoString masks %#v formatting.
func (s Secret) GoString() string {
	if !s.IsSet() {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML masks config round-trips.
func (s Secret) MarshalYAML() (interface{}, error) {
	if !s.IsSet() {
		return "", nil
	}
	return redacted, nil
}

// MarshalJSON masks API/debug dumps regardless of emptiness.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
